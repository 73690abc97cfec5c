package attendance

import (
	"context"
	"fmt"
	"log/slog"

	"attendance-engine/internal/audit"
	"attendance-engine/internal/metrics"
	"attendance-engine/internal/queue"
	"attendance-engine/internal/session"
)

// Store is the persistence the archive worker writes to.
type Store interface {
	SaveSession(ctx context.Context, a ArchivedSession) error
	SaveAudit(ctx context.Context, e audit.Entry) error
}

// Service moves closed sessions and audit entries from the engine to the archive.
// The engine side calls Archive; the worker side runs Run.
type Service struct {
	queue   queue.Queue
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewService creates a service. store may be nil on the publishing side.
func NewService(q queue.Queue, store Store, log *slog.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{queue: q, store: store, log: log, metrics: m}
}

// Archive publishes a closed session for persistence.
func (s *Service) Archive(ctx context.Context, sess session.Session, roster []session.Record) error {
	a, err := FromSession(sess, roster)
	if err != nil {
		return err
	}
	msg, err := queue.NewMessage(queue.TypeRosterArchive, a)
	if err != nil {
		return err
	}
	err = s.queue.Publish(ctx, msg)
	s.metrics.ObserveArchive(queue.TypeRosterArchive, err == nil)
	if err != nil {
		return fmt.Errorf("publish archive for %s: %w", sess.ID, err)
	}
	return nil
}

// Handle persists one archive or audit message. Unknown types are skipped.
func (s *Service) Handle(ctx context.Context, msg queue.Message) error {
	if s.store == nil {
		return fmt.Errorf("archive store not configured, dropping %s", msg.Type)
	}
	var err error
	switch msg.Type {
	case queue.TypeRosterArchive:
		var a ArchivedSession
		if err = msg.Decode(&a); err == nil {
			err = s.store.SaveSession(ctx, a)
		}
		if err == nil {
			s.log.InfoContext(ctx, "session archived", "session_id", a.ID, "records", len(a.Roster))
		}
	case queue.TypeAudit:
		var e audit.Entry
		if err = msg.Decode(&e); err == nil {
			err = s.store.SaveAudit(ctx, e)
		}
	default:
		s.log.DebugContext(ctx, "skipping message", "type", msg.Type)
		return nil
	}
	s.metrics.ObserveArchive(msg.Type, err == nil)
	return err
}

// Run handles messages until ctx ends or the queue closes.
func (s *Service) Run(ctx context.Context) error {
	messages, err := s.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}
	s.log.InfoContext(ctx, "archive worker started")
	for msg := range messages {
		if err := s.Handle(ctx, msg); err != nil {
			s.log.ErrorContext(ctx, "archive message failed", "type", msg.Type, "err", err)
		}
	}
	s.log.InfoContext(ctx, "archive worker stopped")
	return nil
}
