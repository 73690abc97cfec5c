package rotator

import (
	"context"
	"errors"
	"testing"
	"time"

	"attendance-engine/internal/applog"
	"attendance-engine/internal/session"
	"attendance-engine/internal/token"
)

func setup(t *testing.T) (*session.Store, *Rotator, string) {
	t.Helper()
	store := session.NewStore(nil)
	codec, err := token.NewCodec([]byte("0123456789abcdef0123456789abcdef"), "attendance-engine")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	id, err := store.Open(context.Background(), session.Session{
		RoomID:         "R1",
		Method:         session.MethodQR,
		ScheduledStart: time.Now(),
		ScheduledEnd:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := New(store, codec, applog.Discard(), nil, nil, time.Second)
	t.Cleanup(r.StopAll)
	return store, r, id
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestStart_IssuesFirstTokenAndRotateNowAdvances(t *testing.T) {
	store, r, id := setup(t)
	ctx := context.Background()

	first, err := r.Start(ctx, id, time.Hour)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first.Sequence != 0 || first.TTL() != time.Hour {
		t.Fatalf("first token=%+v", first)
	}
	if _, err := r.Start(ctx, id, time.Hour); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("double start err=%v", err)
	}

	next, err := r.RotateNow(ctx, id)
	if err != nil {
		t.Fatalf("RotateNow: %v", err)
	}
	if next.Sequence != 1 || next.Value == first.Value {
		t.Fatalf("rotation did not advance: %+v", next)
	}
	active, _ := store.ActiveToken(id)
	if active.Sequence != 1 {
		t.Fatalf("store sequence=%d", active.Sequence)
	}
}

func TestTicker_RotatesUntilStopped(t *testing.T) {
	store, r, id := setup(t)

	if _, err := r.Start(context.Background(), id, 20*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool {
		tok, err := store.ActiveToken(id)
		return err == nil && tok.Sequence >= 2
	})

	if !r.Stop(id) {
		t.Fatalf("Stop reported no rotation")
	}
	stopped, _ := store.ActiveToken(id)
	time.Sleep(80 * time.Millisecond)
	after, _ := store.ActiveToken(id)
	if after.Sequence != stopped.Sequence {
		t.Fatalf("rotation continued after Stop: %d -> %d", stopped.Sequence, after.Sequence)
	}
	if r.Stop(id) {
		t.Fatalf("second Stop should report nothing to stop")
	}
}

func TestTicker_EndsWhenSessionCloses(t *testing.T) {
	store, r, id := setup(t)
	if _, err := r.Start(context.Background(), id, 10*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := store.Close(context.Background(), id, time.Now()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, func() bool { return len(r.Running()) == 0 })
}

func TestStart_FailsForClosedSession(t *testing.T) {
	store, r, id := setup(t)
	_ = store.Close(context.Background(), id, time.Now())
	if _, err := r.Start(context.Background(), id, time.Minute); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("start on closed session err=%v", err)
	}
	if len(r.Running()) != 0 {
		t.Fatalf("failed start left a job behind")
	}
}

func TestRotateAll(t *testing.T) {
	store, r, id := setup(t)
	ctx := context.Background()
	if _, err := r.Start(ctx, id, time.Hour); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := r.RotateAll(ctx); n != 1 {
		t.Fatalf("RotateAll=%d", n)
	}
	tok, _ := store.ActiveToken(id)
	if tok.Sequence != 1 {
		t.Fatalf("sequence=%d", tok.Sequence)
	}
	if _, err := r.RotateNow(ctx, "unknown"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("RotateNow unknown err=%v", err)
	}
}
