// Package telemetry appends one JSONL event per completed proxy pipeline.
//
// Events are written immediately after each pipeline so tailing the file
// gives a real-time view without touching the database.
package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RequestEvent is one completed pipeline.
type RequestEvent struct {
	Timestamp       time.Time `json:"timestamp"`
	RequestID       string    `json:"request_id"`
	SessionID       string    `json:"session_id"`
	Method          string    `json:"method"`
	Path            string    `json:"path"`
	StatusCode      int       `json:"status_code"`
	SSE             bool      `json:"sse"`
	InterceptRounds int       `json:"intercept_rounds,omitempty"`
	Note            string    `json:"note,omitempty"`
	LatencyMs       int64     `json:"latency_ms"`
}

// Tracker appends events to a JSONL file. A nil or disabled tracker is a
// no-op, so call sites never branch.
type Tracker struct {
	path string
	mu   sync.Mutex
}

// NewTracker prepares the log file's directory; an empty path disables the
// tracker.
func NewTracker(path string) (*Tracker, error) {
	t := &Tracker{path: path}
	if path == "" {
		return t, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	return t, nil
}

// RecordRequest appends one event. Failures are logged, never propagated:
// telemetry must not affect the client-facing response.
func (t *Tracker) RecordRequest(ev *RequestEvent) {
	if t == nil || t.path == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry: marshal failed")
		return
	}
	data = append(data, '\n')

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		log.Warn().Err(err).Str("path", t.path).Msg("telemetry: open failed")
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		log.Warn().Err(err).Str("path", t.path).Msg("telemetry: write failed")
	}
}
