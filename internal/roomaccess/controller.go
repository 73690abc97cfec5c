// Package roomaccess keeps each room's door consistent with the sessions authorized to use it.
//
// A room is Unlocked exactly while at least one of its sessions is open and inside its scheduled
// window. The controller only changes its belief about a door after the actuator confirmed the
// command; failed commands are retried with bounded exponential backoff and then raised as alerts.
package roomaccess

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"attendance-engine/internal/audit"
	"attendance-engine/internal/metrics"
	"attendance-engine/internal/session"
)

// Sessions is the read side of the session store used to derive lock state.
type Sessions interface {
	ListByRoom(roomID string) []session.Session
	ListByStatus(status session.Status) []session.Session
}

// State is the controller's confirmed belief about one room.
type State struct {
	RoomID    string    `json:"room_id"`
	Lock      LockState `json:"lock"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
	Attempts  int       `json:"attempts,omitempty"`
	Alert     bool      `json:"alert"`
	LastError string    `json:"last_error,omitempty"`
}

// Config bounds actuator calls.
type Config struct {
	ActuatorTimeout time.Duration
	MaxAttempts     int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		ActuatorTimeout: 3 * time.Second,
		MaxAttempts:     5,
		BaseBackoff:     200 * time.Millisecond,
		MaxBackoff:      5 * time.Second,
	}
}

// Options carries optional collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Audit   audit.Sink
	Now     func() time.Time
}

type room struct {
	// gate keeps at most one command in flight per door.
	gate  chan struct{}
	mu    sync.Mutex
	state State
}

func (r *room) snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Controller derives and drives per-room lock state.
type Controller struct {
	sessions  Sessions
	actuators ActuatorFor
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	audit     audit.Sink
	now       func() time.Time

	mu    sync.Mutex
	rooms map[string]*room
}

// NewController creates a controller.
func NewController(sessions Sessions, actuators ActuatorFor, cfg Config, opts Options) *Controller {
	def := DefaultConfig()
	if cfg.ActuatorTimeout <= 0 {
		cfg.ActuatorTimeout = def.ActuatorTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		sessions:  sessions,
		actuators: actuators,
		cfg:       cfg,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		now:       opts.Now,
		rooms:     make(map[string]*room),
	}
}

// Track makes the controller manage roomID on every tick.
func (c *Controller) Track(roomID string) {
	c.room(roomID)
}

func (c *Controller) room(roomID string) *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		r = &room{
			gate:  make(chan struct{}, 1),
			state: State{RoomID: roomID, Lock: Unknown, Since: c.now()},
		}
		c.rooms[roomID] = r
	}
	return r
}

// Justifying returns the sessions that currently authorize roomID, earliest start first.
func (c *Controller) Justifying(roomID string, at time.Time) []session.Session {
	var out []session.Session
	for _, s := range c.sessions.ListByRoom(roomID) {
		if s.Authorizing(at) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledStart.Equal(out[j].ScheduledStart) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledStart.Before(out[j].ScheduledStart)
	})
	return out
}

// Reconcile drives roomID's door to the state its sessions require.
func (c *Controller) Reconcile(ctx context.Context, roomID string) (State, error) {
	r := c.room(roomID)
	select {
	case r.gate <- struct{}{}:
	case <-ctx.Done():
		return r.snapshot(), fmt.Errorf("reconcile room %s: %w", roomID, ctx.Err())
	}
	defer func() { <-r.gate }()

	now := c.now()
	desired, sessionID := Locked, ""
	if js := c.Justifying(roomID, now); len(js) > 0 {
		desired, sessionID = Unlocked, js[0].ID
	}

	cur := r.snapshot()
	if cur.Lock == desired {
		if cur.SessionID != sessionID {
			r.mu.Lock()
			r.state.SessionID = sessionID
			r.mu.Unlock()
		}
		return r.snapshot(), nil
	}

	attempts, err := c.drive(ctx, roomID, desired)
	r.mu.Lock()
	r.state.Attempts = attempts
	if err != nil {
		r.state.Alert = true
		r.state.LastError = err.Error()
		st := r.state
		r.mu.Unlock()

		aerr := &ActuatorError{RoomID: roomID, Command: desired, Attempts: attempts, Err: err}
		c.metrics.ActuatorAlert(roomID)
		c.log.ErrorContext(ctx, "door command failed", "room_id", roomID, "command", desired, "attempts", attempts, "err", err)
		c.record(ctx, audit.KindDoorAlert, roomID, sessionID, map[string]string{
			"command":  string(desired),
			"attempts": fmt.Sprint(attempts),
			"error":    err.Error(),
		})
		return st, aerr
	}
	prev := r.state.Lock
	r.state.Lock = desired
	r.state.SessionID = sessionID
	r.state.Since = now
	r.state.Alert = false
	r.state.LastError = ""
	st := r.state
	r.mu.Unlock()

	c.metrics.SetRoomUnlocked(roomID, desired == Unlocked)
	c.log.InfoContext(ctx, "door transitioned", "room_id", roomID, "from", prev, "to", desired, "session_id", sessionID)
	c.record(ctx, audit.KindDoorTransition, roomID, sessionID, map[string]string{
		"from": string(prev),
		"to":   string(desired),
	})
	return st, nil
}

// drive sends the command until it is confirmed or the attempts run out.
func (c *Controller) drive(ctx context.Context, roomID string, want LockState) (int, error) {
	act := c.actuators(roomID)
	if act == nil {
		return 0, fmt.Errorf("no actuator for room %s", roomID)
	}

	var err error
	backoff := c.cfg.BaseBackoff
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, c.cfg.ActuatorTimeout)
		if want == Unlocked {
			err = act.Unlock(actx)
		} else {
			err = act.Lock(actx)
		}
		cancel()
		c.metrics.ObserveActuator(roomID, string(want), err == nil)
		if err == nil {
			return attempt, nil
		}
		c.log.WarnContext(ctx, "door command attempt failed", "room_id", roomID, "command", want, "attempt", attempt, "err", err)

		if attempt == c.cfg.MaxAttempts {
			return attempt, err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt, fmt.Errorf("%w (last: %v)", ctx.Err(), err)
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
	return c.cfg.MaxAttempts, err
}

func (c *Controller) record(ctx context.Context, kind audit.Kind, roomID, sessionID string, detail map[string]string) {
	if c.audit == nil {
		return
	}
	e := audit.NewEntry(kind, c.now())
	e.RoomID = roomID
	e.SessionID = sessionID
	e.Actor = "room-access-controller"
	e.Detail = detail
	if err := c.audit.Record(ctx, e); err != nil {
		c.log.ErrorContext(ctx, "audit door event failed", "room_id", roomID, "err", err)
	}
}

// Tick reconciles every tracked room and every room with an open session, in parallel.
func (c *Controller) Tick(ctx context.Context) {
	for _, s := range c.sessions.ListByStatus(session.StatusOpen) {
		c.Track(s.RoomID)
	}

	c.mu.Lock()
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := c.Reconcile(ctx, id); err != nil {
				c.log.WarnContext(ctx, "room reconcile failed", "room_id", id, "err", err)
			}
		}(id)
	}
	wg.Wait()
}

// Run ticks every interval until ctx ends.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// State returns the controller's belief about roomID.
func (c *Controller) State(roomID string) (State, error) {
	c.mu.Lock()
	r, ok := c.rooms[roomID]
	c.mu.Unlock()
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	return r.snapshot(), nil
}

// States returns every tracked room's state ordered by room id.
func (c *Controller) States() []State {
	c.mu.Lock()
	rooms := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	out := make([]State, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}
