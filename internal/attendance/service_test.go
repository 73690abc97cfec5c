package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"attendance-engine/internal/applog"
	"attendance-engine/internal/audit"
	"attendance-engine/internal/metrics"
	"attendance-engine/internal/queue"
	"attendance-engine/internal/session"
)

type memStore struct {
	mu       sync.Mutex
	sessions []ArchivedSession
	entries  []audit.Entry
	fail     error
}

func (m *memStore) SaveSession(_ context.Context, a ArchivedSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sessions = append(m.sessions, a)
	return nil
}

func (m *memStore) SaveAudit(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), len(m.entries)
}

func closedSession() (session.Session, []session.Record) {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	closed := start.Add(95 * time.Minute)
	conf := 0.93
	return session.Session{
			ID:             "sess-1",
			ClassID:        "IF-101",
			RoomID:         "R1",
			Method:         session.MethodMixed,
			Status:         session.StatusClosed,
			ScheduledStart: start,
			ScheduledEnd:   start.Add(90 * time.Minute),
			OpenedAt:       start,
			ClosedAt:       &closed,
		}, []session.Record{
			{StudentID: "s-1", Method: session.MethodQR, Timestamp: start.Add(time.Minute), Status: session.RecordPresent},
			{StudentID: "s-2", Method: session.MethodFace, Timestamp: start.Add(20 * time.Minute), Confidence: &conf, Status: session.RecordPresent, Late: true},
		}
}

func TestFromSession_RequiresClosed(t *testing.T) {
	sess, roster := closedSession()
	sess.Status = session.StatusOpen
	if _, err := FromSession(sess, roster); err == nil {
		t.Fatalf("expected error for open session")
	}
}

func TestArchiveThenHandle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	q := queue.NewInMemory(8)
	store := &memStore{}
	svc := NewService(q, store, applog.Discard(), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, roster := closedSession()
	if err := svc.Archive(ctx, sess, roster); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	entry := audit.NewEntry(audit.KindManualOverride, time.Now())
	entry.SessionID = sess.ID
	if err := (audit.QueueSink{Queue: q}).Record(ctx, entry); err != nil {
		t.Fatalf("queue audit: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, e := store.counts()
		if s == 1 && e == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("archived sessions=%d entries=%d", s, e)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := store.sessions[0]
	if got.ID != "sess-1" || len(got.Roster) != 2 || got.Roster[1].Confidence == nil || *got.Roster[1].Confidence != 0.93 {
		t.Fatalf("archived=%+v", got)
	}
	if store.entries[0].ID != entry.ID {
		t.Fatalf("audit entry=%+v", store.entries[0])
	}
	if v := testutil.ToFloat64(m.ArchivedSnapshots.WithLabelValues(queue.TypeRosterArchive, "ok")); v != 2 {
		t.Fatalf("archive metric=%v", v)
	}
}

func TestHandle_Failures(t *testing.T) {
	ctx := context.Background()
	store := &memStore{fail: errors.New("disk full")}
	svc := NewService(queue.NewInMemory(1), store, applog.Discard(), nil)

	sess, roster := closedSession()
	a, _ := FromSession(sess, roster)
	msg, _ := queue.NewMessage(queue.TypeRosterArchive, a)
	if err := svc.Handle(ctx, msg); err == nil {
		t.Fatalf("expected store error")
	}
	if err := svc.Handle(ctx, queue.Message{Type: queue.TypeAudit, Body: []byte("{")}); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := svc.Handle(ctx, queue.Message{Type: queue.TypeQRClaim}); err != nil {
		t.Fatalf("foreign message err=%v", err)
	}

	publisher := NewService(queue.NewInMemory(1), nil, applog.Discard(), nil)
	if err := publisher.Handle(ctx, msg); err == nil {
		t.Fatalf("expected error without a store")
	}
}
