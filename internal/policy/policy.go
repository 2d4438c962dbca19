// Package policy classifies tool intent into execution modes and authorizes
// envelopes against the configured allowed-mode set.
package policy

import (
	"regexp"
)

// Mode is the policy axis governing authorization.
type Mode string

const (
	ModeReadOnly       Mode = "read_only"
	ModeWorkspaceWrite Mode = "workspace_write"
	ModeElevated       Mode = "elevated"
)

// readOnlyTools never touch the workspace.
var readOnlyTools = map[string]bool{
	"read_file":  true,
	"list_dir":   true,
	"search":     true,
	"glob":       true,
	"web_search": true,
	"web_fetch":  true,
	"recall":     true,
}

// writeTools mutate the workspace but stay inside it.
var writeTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"append_file": true,
	"apply_patch": true,
	"remember":    true,
	"install":     true,
}

// shellTools take a free-form command argument and are classified by content.
var shellTools = map[string]bool{
	"exec":  true,
	"shell": true,
	"bash":  true,
}

// dangerousCommandPatterns escalate a shell command to elevated mode.
// Complementing sandbox hardening, not replacing it.
var dangerousCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--(recursive|force)`),
	regexp.MustCompile(`\bchmod\b`),
	regexp.MustCompile(`\bchown\b`),
	regexp.MustCompile(`\bgit\s+(reset\s+--hard|clean\s+-[a-z]*f)`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\b(mount|umount)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bkill\s+-9\b`),
	regexp.MustCompile(`\b(killall|pkill)\b`),
	regexp.MustCompile(`\bcrontab\b`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`/var/run/docker\.sock`),
}

// Decision is the result of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Config holds the authorization settings supplied at construction.
type Config struct {
	// AllowedModes lists the execution modes the deployment permits.
	AllowedModes []Mode
	// RequireApproval lists modes that additionally demand an approved flag.
	RequireApproval []Mode
	// DefaultMode is the fallback for unknown tools.
	DefaultMode Mode
}

// DefaultConfig allows read-only and workspace writes, and gates elevated
// mode behind explicit approval.
func DefaultConfig() Config {
	return Config{
		AllowedModes:    []Mode{ModeReadOnly, ModeWorkspaceWrite, ModeElevated},
		RequireApproval: []Mode{ModeElevated},
		DefaultMode:     ModeWorkspaceWrite,
	}
}

// Engine is a pure classifier plus authorization predicate. Safe for
// concurrent use; all state is immutable after construction.
type Engine struct {
	allowed         map[Mode]bool
	requireApproval map[Mode]bool
	defaultMode     Mode
}

// NewEngine builds an Engine from config, applying defaults for zero values.
func NewEngine(cfg Config) *Engine {
	if len(cfg.AllowedModes) == 0 {
		cfg.AllowedModes = DefaultConfig().AllowedModes
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeWorkspaceWrite
	}
	e := &Engine{
		allowed:         make(map[Mode]bool, len(cfg.AllowedModes)),
		requireApproval: make(map[Mode]bool, len(cfg.RequireApproval)),
		defaultMode:     cfg.DefaultMode,
	}
	for _, m := range cfg.AllowedModes {
		e.allowed[m] = true
	}
	for _, m := range cfg.RequireApproval {
		e.requireApproval[m] = true
	}
	return e
}

// InferMode classifies (tool, arguments) into an execution mode.
// Shell-style tools are inspected for dangerous command patterns; unknown
// tools fall back to the configured default.
func (e *Engine) InferMode(toolName string, args map[string]any) Mode {
	switch {
	case readOnlyTools[toolName]:
		return ModeReadOnly
	case writeTools[toolName]:
		return ModeWorkspaceWrite
	case shellTools[toolName]:
		command, _ := args["command"].(string)
		if IsDangerousCommand(command) {
			return ModeElevated
		}
		return ModeWorkspaceWrite
	default:
		return e.defaultMode
	}
}

// IsDangerousCommand reports whether a shell command matches the escalation
// pattern table.
func IsDangerousCommand(command string) bool {
	for _, p := range dangerousCommandPatterns {
		if p.MatchString(command) {
			return true
		}
	}
	return false
}

// Authorize decides whether a mode may execute. Modes outside the allowed
// set are denied; modes requiring approval are denied unless approved.
func (e *Engine) Authorize(mode Mode, approved bool) Decision {
	if !e.allowed[mode] {
		return Decision{Allowed: false, Reason: "Execution mode " + string(mode) + " is not allowed"}
	}
	if e.requireApproval[mode] && !approved {
		return Decision{Allowed: false, Reason: "Elevated mode requires explicit approval"}
	}
	return Decision{Allowed: true}
}
