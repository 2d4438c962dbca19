package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/openagentd/agentd/internal/bus"
)

// Stage values describe how far an interrupted run had progressed.
const (
	StageReceived      = "received"
	StageReasoning     = "reasoning"
	StageToolExecuting = "tool_executing"
	StageReplying      = "replying"
	StageCompleted     = "completed"
)

// ResumePrefix opens every synthesized resume message.
const ResumePrefix = "Recovery resume: continue from interrupted run"

// RunCheckpoint is the persisted snapshot of one in-flight run.
type RunCheckpoint struct {
	RunID       string         `json:"run_id"`
	SessionID   string         `json:"session_id"`
	Channel     string         `json:"channel"`
	ChatID      string         `json:"chat_id"`
	Stage       string         `json:"stage"`
	Iteration   int            `json:"iteration"`
	UserMessage string         `json:"user_message"`
	ToolStats   map[string]int `json:"tool_stats,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Manager persists one checkpoint file per run under a directory.
// Writes go through a temp file and rename so readers never observe a
// torn checkpoint.
type Manager struct {
	dir string
	now func() time.Time
}

func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recovery dir: %w", err)
	}
	return &Manager{dir: dir, now: time.Now}, nil
}

func (m *Manager) path(runID string) string {
	return filepath.Join(m.dir, runID+".json")
}

// Save writes or overwrites the checkpoint for cp.RunID.
func (m *Manager) Save(cp *RunCheckpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint missing run_id")
	}
	cp.UpdatedAt = m.now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := m.path(cp.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, m.path(cp.RunID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// ErrNotFound reports a missing checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

func (m *Manager) Load(runID string) (*RunCheckpoint, error) {
	data, err := os.ReadFile(m.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", runID, err)
	}
	var cp RunCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return &cp, nil
}

// MarkCompleted deletes the checkpoint. Deleting an absent checkpoint
// is not an error.
func (m *Manager) MarkCompleted(runID string) error {
	err := os.Remove(m.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint %s: %w", runID, err)
	}
	return nil
}

// ListActive returns checkpoints sorted most-recently-updated first,
// capped at limit when limit > 0. Unreadable files are skipped.
func (m *Manager) ListActive(limit int) ([]*RunCheckpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read recovery dir: %w", err)
	}
	var cps []*RunCheckpoint
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		cp, err := m.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool {
		return cps[i].UpdatedAt.After(cps[j].UpdatedAt)
	})
	if limit > 0 && len(cps) > limit {
		cps = cps[:limit]
	}
	return cps, nil
}

// BuildResumeMessage synthesizes the inbound message that restarts an
// interrupted run on its original chat.
func (m *Manager) BuildResumeMessage(runID string) (*bus.InboundMessage, error) {
	cp, err := m.Load(runID)
	if err != nil {
		return nil, err
	}
	content := fmt.Sprintf("%s %s (stage: %s, iteration: %d).",
		ResumePrefix, cp.RunID, cp.Stage, cp.Iteration)
	if cp.UserMessage != "" {
		content += " Original request: " + cp.UserMessage
	}
	return &bus.InboundMessage{
		Channel: cp.Channel,
		ChatID:  cp.ChatID,
		Content: content,
		Metadata: map[string]string{
			"recovery_resume":    "true",
			"recovery_run_id":    cp.RunID,
			"recovery_stage":     cp.Stage,
			"recovery_iteration": fmt.Sprintf("%d", cp.Iteration),
		},
	}, nil
}
