package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/openagentd/agentd/internal/events"
	"github.com/openagentd/agentd/internal/failure"
	"github.com/openagentd/agentd/internal/policy"
	"github.com/openagentd/agentd/internal/tools"
)

// Report summarizes structural verification of one recorded run.
type Report struct {
	RunID           string   `json:"run_id"`
	EventCount      int      `json:"event_count"`
	Signature       string   `json:"signature"`
	HasStart        bool     `json:"has_start"`
	HasEnd          bool     `json:"has_end"`
	ToolRequested   int      `json:"tool_requested"`
	ToolStarted     int      `json:"tool_started"`
	ToolFinished    int      `json:"tool_finished"`
	DeterministicOK bool     `json:"deterministic_ok"`
	Valid           bool     `json:"valid"`
	Errors          []string `json:"errors,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Verifier replays and re-executes recorded runs against the event log.
type Verifier struct {
	store *events.Store
}

func NewVerifier(store *events.Store) *Verifier {
	return &Verifier{store: store}
}

// ReplayRun checks a run's event stream for structural defects: missing
// start or end markers, tool activity without a matching request,
// duplicate requests, and orphan starts.
func (v *Verifier) ReplayRun(runID string) (*Report, error) {
	evs := v.store.Iter(runID, 0)
	if len(evs) == 0 {
		return nil, fmt.Errorf("no events recorded for run %s", runID)
	}

	report := &Report{RunID: runID, EventCount: len(evs)}

	starts, completes := 0, 0
	requested := map[string]int{}
	started := map[string]bool{}
	terminal := map[string]string{}
	for _, ev := range evs {
		callID, _ := ev.Payload["tool_call_id"].(string)
		switch ev.EventType {
		case events.RunStarted:
			starts++
		case events.RunCompleted:
			completes++
		case events.ToolRequested:
			requested[callID]++
			report.ToolRequested++
		case events.ToolStarted:
			if requested[callID] == 0 {
				report.Errors = append(report.Errors,
					fmt.Sprintf("orphan ToolStarted for tool_call_id %q", callID))
			}
			started[callID] = true
			report.ToolStarted++
		case events.ToolCompleted, events.ToolFailed:
			report.ToolFinished++
			if requested[callID] == 0 {
				report.Errors = append(report.Errors,
					fmt.Sprintf("%s without ToolRequested for tool_call_id %q", ev.EventType, callID))
			}
			if prev, ok := terminal[callID]; ok {
				report.Errors = append(report.Errors,
					fmt.Sprintf("tool_call_id %q has both %s and %s", callID, prev, ev.EventType))
			}
			terminal[callID] = string(ev.EventType)
		}
	}

	report.HasStart = starts > 0
	report.HasEnd = completes > 0
	if starts != 1 {
		report.Errors = append(report.Errors, fmt.Sprintf("expected 1 RunStarted, found %d", starts))
	}
	if completes != 1 {
		report.Errors = append(report.Errors, fmt.Sprintf("expected 1 RunCompleted, found %d", completes))
	}
	for callID, n := range requested {
		if n > 1 {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("tool_call_id %q requested %d times", callID, n))
		}
	}

	report.Signature = v.store.Signature(runID)
	report.DeterministicOK = report.Signature == v.store.Signature(runID)
	if !report.DeterministicOK {
		report.Errors = append(report.Errors, "signature not stable across recomputation")
	}
	report.Valid = len(report.Errors) == 0
	return report, nil
}

// ReexecutionEntry records one recorded-vs-reexecuted comparison.
type ReexecutionEntry struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Status     string `json:"status"` // matched, mismatched, skipped
	Reason     string `json:"reason,omitempty"`
}

// ReexecutionReport summarizes a full re-execution pass over one run.
type ReexecutionReport struct {
	RunID      string             `json:"run_id"`
	Entries    []ReexecutionEntry `json:"entries"`
	Matched    int                `json:"matched"`
	Mismatched int                `json:"mismatched"`
	Skipped    int                `json:"skipped"`
}

// ReexecuteRun re-invokes every recorded ToolRequested with its original
// arguments and compares outcomes. Elevated tools are never re-run, and
// tools outside read-only mode only when allowWrite is set.
func (v *Verifier) ReexecuteRun(ctx context.Context, runID string, registry *tools.Registry, engine *policy.Engine, allowWrite bool) (*ReexecutionReport, error) {
	evs := v.store.Iter(runID, 0)
	if len(evs) == 0 {
		return nil, fmt.Errorf("no events recorded for run %s", runID)
	}

	// Recorded terminal outcome per tool_call_id.
	type outcome struct {
		success     bool
		failureCode string
		outputHash  string
	}
	recorded := map[string]outcome{}
	for _, ev := range evs {
		callID, _ := ev.Payload["tool_call_id"].(string)
		switch ev.EventType {
		case events.ToolCompleted:
			out, _ := ev.Payload["output"].(string)
			success, _ := ev.Payload["success"].(bool)
			recorded[callID] = outcome{success: success, outputHash: hashOutput(out)}
		case events.ToolFailed:
			code, _ := ev.Payload["failure_code"].(string)
			recorded[callID] = outcome{success: false, failureCode: code}
		}
	}

	report := &ReexecutionReport{RunID: runID}
	for _, ev := range evs {
		if ev.EventType != events.ToolRequested {
			continue
		}
		callID, _ := ev.Payload["tool_call_id"].(string)
		toolName, _ := ev.Payload["tool_name"].(string)
		args, _ := ev.Payload["arguments"].(map[string]any)
		mode := policy.Mode("")
		if m, ok := ev.Payload["execution_mode"].(string); ok {
			mode = policy.Mode(m)
		} else if engine != nil {
			mode = engine.InferMode(toolName, args)
		}

		entry := ReexecutionEntry{ToolCallID: callID, ToolName: toolName}
		switch {
		case mode == policy.ModeElevated:
			entry.Status = "skipped"
			entry.Reason = "elevated tools are never re-executed"
		case mode != policy.ModeReadOnly && !allowWrite:
			entry.Status = "skipped"
			entry.Reason = fmt.Sprintf("mode %s requires --allow-write", mode)
		default:
			rec, ok := recorded[callID]
			if !ok {
				entry.Status = "skipped"
				entry.Reason = "no recorded terminal event"
				break
			}
			result := registry.Execute(ctx, toolName, args)
			switch {
			case result.Success != rec.success:
				entry.Status = "mismatched"
				entry.Reason = fmt.Sprintf("success changed: recorded=%v reexecuted=%v", rec.success, result.Success)
			case rec.success && hashOutput(result.Output) != rec.outputHash:
				entry.Status = "mismatched"
				entry.Reason = "output hash differs"
			case !rec.success && rec.failureCode != "" && !sameFailureCode(rec.failureCode, result.Error):
				entry.Status = "mismatched"
				entry.Reason = fmt.Sprintf("failure code changed from %s", rec.failureCode)
			default:
				entry.Status = "matched"
			}
		}
		report.Entries = append(report.Entries, entry)
		switch entry.Status {
		case "matched":
			report.Matched++
		case "mismatched":
			report.Mismatched++
		case "skipped":
			report.Skipped++
		}
	}
	return report, nil
}

// VerifyResumeEquivalence succeeds when some later run declares itself a
// resume of sourceRunID and, if the source did any tool work, their
// tool-name sequences share at least one name.
func (v *Verifier) VerifyResumeEquivalence(sourceRunID string) error {
	sourceTools := toolNames(v.store.Iter(sourceRunID, 0))

	var successors []string
	for _, runID := range v.store.RunIDs() {
		if runID == sourceRunID {
			continue
		}
		for _, ev := range v.store.Iter(runID, 0) {
			if ev.EventType != events.RunStarted {
				continue
			}
			if from, _ := ev.Payload["recovery_resume_from"].(string); from == sourceRunID {
				successors = append(successors, runID)
			}
		}
	}
	if len(successors) == 0 {
		return fmt.Errorf("no run resumes from %s", sourceRunID)
	}
	if len(sourceTools) == 0 {
		return nil
	}
	for _, succ := range successors {
		if overlaps(sourceTools, toolNames(v.store.Iter(succ, 0))) {
			return nil
		}
	}
	return fmt.Errorf("no resumed run of %s shares tool activity with it", sourceRunID)
}

func toolNames(evs []events.Event) []string {
	var names []string
	for _, ev := range evs {
		if ev.EventType == events.ToolRequested {
			if name, _ := ev.Payload["tool_name"].(string); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

func overlaps(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

func hashOutput(output string) string {
	sum := sha256.Sum256([]byte(output))
	return hex.EncodeToString(sum[:])
}

// sameFailureCode re-classifies the fresh error message and compares
// codes. Re-execution of a redacted run cannot compare output text, so
// the code is the comparison unit.
func sameFailureCode(recordedCode, freshError string) bool {
	if freshError == "" {
		return false
	}
	return recordedCode == string(failure.ClassifyMessage(freshError).Code)
}
