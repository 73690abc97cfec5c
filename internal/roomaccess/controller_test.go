package roomaccess

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"attendance-engine/internal/applog"
	"attendance-engine/internal/audit"
	"attendance-engine/internal/session"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions []session.Session
}

func (f *fakeSessions) put(s session.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.sessions {
		if f.sessions[i].ID == s.ID {
			f.sessions[i] = s
			return
		}
	}
	f.sessions = append(f.sessions, s)
}

func (f *fakeSessions) ListByRoom(roomID string) []session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.Session
	for _, s := range f.sessions {
		if s.RoomID == roomID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSessions) ListByStatus(status session.Status) []session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []session.Session
	for _, s := range f.sessions {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newController(t *testing.T, now *time.Time) (*Controller, *fakeSessions, *SimulatedDoors, *audit.Memory) {
	t.Helper()
	sessions := &fakeSessions{}
	doors := NewSimulatedDoors()
	mem := &audit.Memory{}
	c := NewController(sessions, doors.For, Config{
		ActuatorTimeout: 50 * time.Millisecond,
		MaxAttempts:     3,
		BaseBackoff:     time.Millisecond,
		MaxBackoff:      2 * time.Millisecond,
	}, Options{
		Logger: applog.Discard(),
		Audit:  mem,
		Now:    func() time.Time { return *now },
	})
	return c, sessions, doors, mem
}

func lecture(id, room string, status session.Status) session.Session {
	return session.Session{
		ID:             id,
		RoomID:         room,
		Status:         status,
		ScheduledStart: t0,
		ScheduledEnd:   t0.Add(time.Hour),
	}
}

func TestReconcile_OpenCloseOpenRoundTrip(t *testing.T) {
	now := t0.Add(10 * time.Minute)
	c, sessions, doors, mem := newController(t, &now)
	ctx := context.Background()

	st, err := c.Reconcile(ctx, "R1")
	if err != nil || st.Lock != Locked {
		t.Fatalf("empty room: state=%+v err=%v", st, err)
	}

	sessions.put(lecture("s1", "R1", session.StatusOpen))
	st, err = c.Reconcile(ctx, "R1")
	if err != nil || st.Lock != Unlocked || st.SessionID != "s1" {
		t.Fatalf("open session: state=%+v err=%v", st, err)
	}

	sessions.put(lecture("s1", "R1", session.StatusClosed))
	st, _ = c.Reconcile(ctx, "R1")
	if st.Lock != Locked || st.SessionID != "" {
		t.Fatalf("closed session: state=%+v", st)
	}

	sessions.put(lecture("s2", "R1", session.StatusOpen))
	st, _ = c.Reconcile(ctx, "R1")
	if st.Lock != Unlocked || st.SessionID != "s2" {
		t.Fatalf("reopened: state=%+v", st)
	}

	if got, _ := doors.Door("R1").Status(ctx); got != Unlocked {
		t.Fatalf("physical door=%s", got)
	}
	want := []LockState{Locked, Unlocked, Locked, Unlocked}
	cmds := doors.Door("R1").Commands()
	if len(cmds) != len(want) {
		t.Fatalf("commands=%v", cmds)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Fatalf("commands=%v want %v", cmds, want)
		}
	}
	if n := len(mem.Entries(audit.KindDoorTransition)); n != 4 {
		t.Fatalf("transition audit entries=%d", n)
	}
}

func TestReconcile_NoCommandWhenBeliefMatches(t *testing.T) {
	now := t0.Add(time.Minute)
	c, sessions, doors, _ := newController(t, &now)
	sessions.put(lecture("s1", "R1", session.StatusOpen))

	for i := 0; i < 3; i++ {
		if _, err := c.Reconcile(context.Background(), "R1"); err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
	}
	if cmds := doors.Door("R1").Commands(); len(cmds) != 1 {
		t.Fatalf("commands=%v", cmds)
	}
}

func TestReconcile_OutsideWindowStaysLocked(t *testing.T) {
	now := t0.Add(-time.Minute)
	c, sessions, _, _ := newController(t, &now)
	sessions.put(lecture("s1", "R1", session.StatusOpen))

	st, err := c.Reconcile(context.Background(), "R1")
	if err != nil || st.Lock != Locked {
		t.Fatalf("before start: state=%+v err=%v", st, err)
	}

	now = t0.Add(time.Hour + time.Second)
	st, _ = c.Reconcile(context.Background(), "R1")
	if st.Lock != Locked {
		t.Fatalf("after end: state=%+v", st)
	}
}

func TestReconcile_JustifyingSessionIsEarliestStart(t *testing.T) {
	now := t0.Add(30 * time.Minute)
	c, sessions, _, _ := newController(t, &now)
	late := lecture("b", "R1", session.StatusOpen)
	late.ScheduledStart = t0.Add(20 * time.Minute)
	sessions.put(late)
	sessions.put(lecture("a", "R1", session.StatusOpen))

	st, _ := c.Reconcile(context.Background(), "R1")
	if st.SessionID != "a" {
		t.Fatalf("justifying=%q", st.SessionID)
	}

	sessions.put(lecture("a", "R1", session.StatusClosed))
	st, _ = c.Reconcile(context.Background(), "R1")
	if st.Lock != Unlocked || st.SessionID != "b" {
		t.Fatalf("after closing a: %+v", st)
	}
}

func TestReconcile_RetriesTransientFailures(t *testing.T) {
	now := t0.Add(time.Minute)
	c, sessions, doors, _ := newController(t, &now)
	sessions.put(lecture("s1", "R1", session.StatusOpen))
	doors.Door("R1").FailNext(2)

	st, err := c.Reconcile(context.Background(), "R1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if st.Lock != Unlocked || st.Attempts != 3 || st.Alert {
		t.Fatalf("state=%+v", st)
	}
}

func TestReconcile_ExhaustedRetriesKeepBelief(t *testing.T) {
	now := t0.Add(time.Minute)
	c, sessions, doors, mem := newController(t, &now)
	ctx := context.Background()

	if _, err := c.Reconcile(ctx, "R1"); err != nil {
		t.Fatalf("initial lock: %v", err)
	}
	sessions.put(lecture("s1", "R1", session.StatusOpen))
	doors.Door("R1").FailNext(10)

	st, err := c.Reconcile(ctx, "R1")
	if !errors.Is(err, ErrActuatorFailure) {
		t.Fatalf("err=%v", err)
	}
	var aerr *ActuatorError
	if !errors.As(err, &aerr) || aerr.Attempts != 3 || aerr.Command != Unlocked {
		t.Fatalf("actuator error=%+v", aerr)
	}
	if st.Lock != Locked || !st.Alert || st.LastError == "" {
		t.Fatalf("state=%+v", st)
	}
	if n := len(mem.Entries(audit.KindDoorAlert)); n != 1 {
		t.Fatalf("alert entries=%d", n)
	}

	doors.Door("R1").FailNext(0)
	st, err = c.Reconcile(ctx, "R1")
	if err != nil || st.Lock != Unlocked || st.Alert {
		t.Fatalf("recovery: state=%+v err=%v", st, err)
	}
}

func TestReconcile_ActuatorTimeout(t *testing.T) {
	now := t0.Add(time.Minute)
	c, sessions, doors, _ := newController(t, &now)
	sessions.put(lecture("s1", "R1", session.StatusOpen))
	doors.Door("R1").SetDelay(time.Second)

	start := time.Now()
	_, err := c.Reconcile(context.Background(), "R1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("reconcile took %s", elapsed)
	}
}

func TestTick_ReconcilesRoomsWithOpenSessions(t *testing.T) {
	now := t0.Add(time.Minute)
	c, sessions, doors, _ := newController(t, &now)
	sessions.put(lecture("s1", "R1", session.StatusOpen))
	sessions.put(lecture("s2", "R2", session.StatusOpen))
	c.Track("R3")

	c.Tick(context.Background())

	states := c.States()
	if len(states) != 3 {
		t.Fatalf("states=%+v", states)
	}
	want := map[string]LockState{"R1": Unlocked, "R2": Unlocked, "R3": Locked}
	for _, st := range states {
		if st.Lock != want[st.RoomID] {
			t.Fatalf("room %s lock=%s", st.RoomID, st.Lock)
		}
		if got, _ := doors.Door(st.RoomID).Status(context.Background()); got != st.Lock {
			t.Fatalf("room %s physical=%s belief=%s", st.RoomID, got, st.Lock)
		}
	}
}

func TestState_UnknownRoom(t *testing.T) {
	now := t0
	c, _, _, _ := newController(t, &now)
	if _, err := c.State("nowhere"); !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("err=%v", err)
	}
	c.Track("R9")
	st, err := c.State("R9")
	if err != nil || st.Lock != Unknown {
		t.Fatalf("tracked room: state=%+v err=%v", st, err)
	}
}

func TestHTTPDoor(t *testing.T) {
	var mu sync.Mutex
	state := "locked"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/doors/A-101/unlock":
			state = "unlocked"
		case r.Method == http.MethodPost && r.URL.Path == "/doors/A-101/lock":
			state = "locked"
		case r.Method == http.MethodGet && r.URL.Path == "/doors/A-101/status":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"state":"` + state + `"}`))
			return
		default:
			http.Error(w, "relay offline", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ctx := context.Background()
	door := NewHTTPDoors(srv.URL+"/", srv.Client())("A-101")
	if err := door.Unlock(ctx); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if got, err := door.Status(ctx); err != nil || got != Unlocked {
		t.Fatalf("status=%s err=%v", got, err)
	}
	if err := door.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if got, _ := door.Status(ctx); got != Locked {
		t.Fatalf("status=%s", got)
	}

	broken := NewHTTPDoors(srv.URL, srv.Client())("B-2")
	if err := broken.Unlock(ctx); err == nil {
		t.Fatalf("expected gateway error")
	}
}
