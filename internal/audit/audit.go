// Package audit records decisions that must be traceable after the fact: manual roster
// overrides and door lock transitions.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"attendance-engine/internal/queue"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindManualOverride Kind = "manual.override"
	KindDoorTransition Kind = "door.transition"
	KindDoorAlert      Kind = "door.alert"
)

// Entry is one append-only audit record.
type Entry struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	At        time.Time         `json:"at"`
	SessionID string            `json:"session_id,omitempty"`
	StudentID string            `json:"student_id,omitempty"`
	RoomID    string            `json:"room_id,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// NewEntry stamps an entry with a time-ordered id.
func NewEntry(kind Kind, at time.Time) Entry {
	return Entry{
		ID:   ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Kind: kind,
		At:   at,
	}
}

// Sink receives audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// LogSink writes entries to a structured logger.
type LogSink struct {
	Log *slog.Logger
}

// Record implements Sink.
func (s LogSink) Record(ctx context.Context, e Entry) error {
	attrs := []any{
		"audit_id", e.ID,
		"kind", e.Kind,
		"at", e.At,
	}
	if e.SessionID != "" {
		attrs = append(attrs, "session_id", e.SessionID)
	}
	if e.StudentID != "" {
		attrs = append(attrs, "student_id", e.StudentID)
	}
	if e.RoomID != "" {
		attrs = append(attrs, "room_id", e.RoomID)
	}
	if e.Actor != "" {
		attrs = append(attrs, "actor", e.Actor)
	}
	for k, v := range e.Detail {
		attrs = append(attrs, k, v)
	}
	s.Log.InfoContext(ctx, "audit", attrs...)
	return nil
}

// QueueSink publishes entries for the archive worker to persist.
type QueueSink struct {
	Queue queue.Queue
}

// Record implements Sink.
func (s QueueSink) Record(ctx context.Context, e Entry) error {
	msg, err := queue.NewMessage(queue.TypeAudit, e)
	if err != nil {
		return err
	}
	return s.Queue.Publish(ctx, msg)
}

// Multi fans an entry out to every sink and joins their errors.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps entries in process.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// Record implements Sink.
func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of the recorded entries, optionally filtered by kind.
func (m *Memory) Entries(kind Kind) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
