// Package audit records provisioning state transitions as an append-only
// journal. Events carry names and states only, never secret values.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Event is one journal line.
type Event struct {
	Time    time.Time `json:"time"`
	RunID   string    `json:"run_id"`
	State   string    `json:"state"`
	Trigger string    `json:"trigger,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Subject string    `json:"subject,omitempty"`
}

// Journal receives run transitions.
type Journal interface {
	Record(ctx context.Context, event Event) error
}

// FileJournal writes events as JSONL to an append-only file.
// Safe for concurrent use.
type FileJournal struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// OpenFile opens (or creates) the journal at path with mode 0600.
func OpenFile(path string, logger *slog.Logger) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit journal %s: %w", path, err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FileJournal{file: f, logger: logger}, nil
}

func (j *FileJournal) Record(ctx context.Context, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	_, writeErr := j.file.Write(data)
	j.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	j.logger.DebugContext(ctx, "audit event recorded",
		slog.String("run_id", event.RunID),
		slog.String("state", event.State),
	)
	return nil
}

// Close closes the underlying file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// MemoryJournal keeps events in memory.
type MemoryJournal struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryJournal) Record(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (m *MemoryJournal) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Tee records every event to each journal in order. All journals are tried;
// their errors are joined.
func Tee(journals ...Journal) Journal {
	return tee(journals)
}

type tee []Journal

func (t tee) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, j := range t {
		if err := j.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Compile-time checks.
var (
	_ Journal = (*FileJournal)(nil)
	_ Journal = (*MemoryJournal)(nil)
)
