// Package audit keeps the append-only security event log. Nothing in the
// serving path reads it back; it exists for operators.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeRejected Outcome = "rejected"
	OutcomeWarning  Outcome = "allowed-with-warning"
)

const (
	KindFilenameSanitized = "FILENAME_SANITIZED"
	KindMalformedName     = "MALFORMED_NAME"
)

const maxDetailRunes = 128

type Event struct {
	ID      string
	Time    time.Time
	Client  string
	Kind    string
	Detail  string
	Outcome Outcome
}

// String renders the event as a single log line. Client-supplied text is
// escaped so it cannot forge additional lines.
func (e Event) String() string {
	return fmt.Sprintf("[%s] SECURITY EVENT - %s: %s (Client: %s) outcome=%s id=%s",
		e.Time.UTC().Format(time.RFC3339Nano), e.Kind, e.Detail, Escape(e.Client), e.Outcome, e.ID)
}

type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Escape truncates raw to a bounded number of runes and quotes it with all
// non-ASCII and control characters escaped.
func Escape(raw string) string {
	if utf8.RuneCountInString(raw) > maxDetailRunes {
		runes := []rune(raw)
		raw = string(runes[:maxDetailRunes]) + "…"
	}
	return strconv.QuoteToASCII(raw)
}

// Detail formats a message followed by the escaped offending input.
func Detail(msg, raw string) string {
	return msg + " " + Escape(raw)
}

func fill(e *Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeRejected
	}
	if e.Client == "" {
		e.Client = "unknown"
	}
}

type FileRecorder struct {
	mu     sync.Mutex
	f      *os.File
	logger logging.Logger
}

// NewFileRecorder opens path for appending, creating it with owner-only
// permissions.
func NewFileRecorder(path string, l logging.Logger) (*FileRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create security log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open security log: %w", err)
	}
	return &FileRecorder{f: f, logger: l}, nil
}

func (r *FileRecorder) Record(ctx context.Context, e Event) error {
	fill(&e)

	r.logger.Warn("security event",
		"event_id", e.ID, "kind", e.Kind, "client", e.Client, "outcome", e.Outcome, "detail", e.Detail)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.f.WriteString(e.String() + "\n"); err != nil {
		r.logger.Error("failed to append security event", "event_id", e.ID, "error", err)
		return err
	}
	return nil
}

func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

func (r *FileRecorder) Shutdown(context.Context) error {
	return r.Close()
}

// MemoryRecorder keeps events in memory.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, e Event) error {
	fill(&e)
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds lists the kinds of the recorded events in order.
func (r *MemoryRecorder) Kinds() []string {
	events := r.Events()
	kinds := make([]string, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}
