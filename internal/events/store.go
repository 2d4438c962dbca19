// Package events provides the append-only runtime event log. Every event is
// serialized canonically (sorted keys, stable separators) so equivalent events
// produce identical bytes, and a run's signature is a SHA-256 digest over its
// canonical event sequence.
package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RedactedSentinel replaces sensitive payload fields when redaction is on.
const RedactedSentinel = "[redacted]"

// redactedFields are payload keys rewritten in redaction mode. Redaction
// keeps the schema shape: the key stays, only the value changes.
var redactedFields = []string{"output", "stdout", "stderr"}

// Store is a JSONL-backed append-only event log. Writes are serialized by an
// internal mutex; physical order matches logical order for a single writer.
type Store struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	redact bool

	// Canonical line bytes per run, in append order. Loaded from disk on
	// open so signatures survive restarts.
	runs  map[string][][]byte
	order []string // run ids in first-seen order, for Iter without a run filter
	all   []Event
}

// Open creates or reopens the event log at path. Existing events are loaded
// so signatures are stable across restarts.
func Open(path string, redact bool) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("event store dir: %w", err)
	}
	s := &Store{path: path, redact: redact, runs: make(map[string][][]byte)}
	if err := s.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("event store open: %w", err)
	}
	s.file = f
	return s, nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("event store load: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // tolerate a torn trailing line
		}
		s.remember(ev, line)
	}
	return scanner.Err()
}

func (s *Store) remember(ev Event, line []byte) {
	if _, seen := s.runs[ev.RunID]; !seen {
		s.order = append(s.order, ev.RunID)
	}
	s.runs[ev.RunID] = append(s.runs[ev.RunID], line)
	s.all = append(s.all, ev)
}

// Append validates, canonicalizes, and atomically appends one event.
func (s *Store) Append(ev Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("event store append: %w", err)
	}
	if s.redact {
		ev = redactEvent(ev)
	}

	line, normalized, err := canonicalLine(ev)
	if err != nil {
		return fmt.Errorf("event store append: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("event store write: %w", err)
	}
	s.remember(normalized, line)
	return nil
}

// canonicalLine serializes the event with sorted keys and stable separators,
// and returns the normalized event as it will read back from disk (JSON
// number and timestamp representations included), so in-memory and reloaded
// stores agree byte for byte.
func canonicalLine(ev Event) ([]byte, Event, error) {
	wire := map[string]any{
		"event_type": string(ev.EventType),
		"run_id":     ev.RunID,
		"session_id": ev.SessionID,
		"timestamp":  ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":    ev.Payload,
	}
	// encoding/json sorts map keys, giving the canonical form directly.
	line, err := json.Marshal(wire)
	if err != nil {
		return nil, Event{}, err
	}
	var normalized Event
	if err := json.Unmarshal(line, &normalized); err != nil {
		return nil, Event{}, err
	}
	return line, normalized, nil
}

func redactEvent(ev Event) Event {
	redacted := make(map[string]any, len(ev.Payload))
	for k, v := range ev.Payload {
		redacted[k] = v
	}
	for _, field := range redactedFields {
		if _, present := redacted[field]; present {
			redacted[field] = RedactedSentinel
		}
	}
	ev.Payload = redacted
	return ev
}

// Iter returns events in append order. An empty runID returns all events; a
// missing run returns an empty slice. limit <= 0 means no limit.
func (s *Store) Iter(runID string, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	if runID == "" {
		out = append(out, s.all...)
	} else {
		for _, line := range s.runs[runID] {
			var ev Event
			if err := json.Unmarshal(line, &ev); err == nil {
				out = append(out, ev)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// RunIDs returns all run ids in first-seen order.
func (s *Store) RunIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	return ids
}

// Signature returns the hex SHA-256 digest over the canonical serialization
// of all events for the run, in append order. Idempotent and independent of
// load order; an unknown run hashes the empty sequence.
func (s *Store) Signature(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := sha256.New()
	for _, line := range s.runs[runID] {
		h.Write(line)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// SortedPayloadKeys returns the payload's keys in canonical order. Used by
// replay reporting to print stable summaries.
func SortedPayloadKeys(p map[string]any) []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
