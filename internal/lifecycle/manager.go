// Package lifecycle opens and closes sessions and keeps token rotation, room access and
// archival in step with them.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/robfig/cron/v3"

	"attendance-engine/internal/metrics"
	"attendance-engine/internal/roomaccess"
	"attendance-engine/internal/rotator"
	"attendance-engine/internal/session"
	"attendance-engine/internal/token"
	"attendance-engine/internal/verify"
)

// OpenRequest describes a session to open. Zero values take the manager's defaults.
type OpenRequest struct {
	ClassID        string         `json:"class_id"`
	RoomID         string         `json:"room_id"`
	LecturerID     string         `json:"lecturer_id,omitempty"`
	Method         session.Method `json:"method"`
	Window         time.Duration  `json:"window"`
	FaceThreshold  float64        `json:"face_threshold"`
	ScheduledStart time.Time      `json:"scheduled_start"`
	ScheduledEnd   time.Time      `json:"scheduled_end"`
}

// Archiver receives every session once it is closed.
type Archiver interface {
	Archive(ctx context.Context, sess session.Session, roster []session.Record) error
}

// Config holds session defaults and bounds.
type Config struct {
	DefaultMethod   session.Method
	DefaultWindow   time.Duration
	MinWindow       time.Duration
	MaxWindow       time.Duration
	DefaultLength   time.Duration
	FaceThreshold   float64
	CloseGrace      time.Duration
	ClosedRetention time.Duration
	Timeout         time.Duration
}

// DefaultConfig returns the lifecycle defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMethod:   session.MethodQR,
		DefaultWindow:   5 * time.Minute,
		MinWindow:       3 * time.Minute,
		MaxWindow:       10 * time.Minute,
		DefaultLength:   90 * time.Minute,
		FaceThreshold:   0.85,
		CloseGrace:      15 * time.Minute,
		ClosedRetention: 24 * time.Hour,
		Timeout:         5 * time.Second,
	}
}

// Options carries optional collaborators.
type Options struct {
	Archiver Archiver
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Manager is the single entry point for session state changes.
type Manager struct {
	store    *session.Store
	engine   *verify.Engine
	rotator  *rotator.Rotator
	rooms    *roomaccess.Controller
	archiver Archiver
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New wires a manager over its components.
func New(store *session.Store, engine *verify.Engine, rot *rotator.Rotator, rooms *roomaccess.Controller, cfg Config, opts Options) *Manager {
	def := DefaultConfig()
	if !cfg.DefaultMethod.Valid() {
		cfg.DefaultMethod = def.DefaultMethod
	}
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = def.MinWindow
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = def.MaxWindow
	}
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = def.DefaultWindow
	}
	if cfg.DefaultLength <= 0 {
		cfg.DefaultLength = def.DefaultLength
	}
	if cfg.FaceThreshold <= 0 {
		cfg.FaceThreshold = def.FaceThreshold
	}
	if cfg.CloseGrace < 0 {
		cfg.CloseGrace = 0
	}
	if cfg.ClosedRetention <= 0 {
		cfg.ClosedRetention = def.ClosedRetention
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:    store,
		engine:   engine,
		rotator:  rot,
		rooms:    rooms,
		archiver: opts.Archiver,
		cfg:      cfg,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
}

func (m *Manager) build(req OpenRequest) (session.Session, error) {
	if req.ClassID == "" || req.RoomID == "" {
		return session.Session{}, fmt.Errorf("%w: class_id and room_id are required", ErrInvalidRequest)
	}
	if req.Method == "" {
		req.Method = m.cfg.DefaultMethod
	}
	if !req.Method.Valid() {
		return session.Session{}, fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, req.Method)
	}
	if req.Window == 0 {
		req.Window = m.cfg.DefaultWindow
	}
	if req.Window < m.cfg.MinWindow || req.Window > m.cfg.MaxWindow {
		return session.Session{}, fmt.Errorf("%w: window %s outside [%s, %s]", ErrInvalidRequest, req.Window, m.cfg.MinWindow, m.cfg.MaxWindow)
	}
	if req.FaceThreshold == 0 {
		req.FaceThreshold = m.cfg.FaceThreshold
	}
	if math.IsNaN(req.FaceThreshold) || req.FaceThreshold <= 0 || req.FaceThreshold > 1 {
		return session.Session{}, fmt.Errorf("%w: face threshold %v outside (0, 1]", ErrInvalidRequest, req.FaceThreshold)
	}
	if req.ScheduledStart.IsZero() {
		req.ScheduledStart = m.now()
	}
	if req.ScheduledEnd.IsZero() {
		req.ScheduledEnd = req.ScheduledStart.Add(m.cfg.DefaultLength)
	}
	if !req.ScheduledEnd.After(req.ScheduledStart) {
		return session.Session{}, fmt.Errorf("%w: scheduled end must be after start", ErrInvalidRequest)
	}

	return session.Session{
		ClassID:        req.ClassID,
		RoomID:         req.RoomID,
		LecturerID:     req.LecturerID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		Status:         session.StatusPending,
		Method:         req.Method,
		Window:         req.Window,
		FaceThreshold:  req.FaceThreshold,
	}, nil
}

// OpenSession validates req, opens the session, starts its token rotation and re-evaluates its room.
func (m *Manager) OpenSession(ctx context.Context, req OpenRequest) (string, error) {
	sess, err := m.build(req)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	id, err := m.store.Open(ctx, sess)
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	m.metrics.SessionOpened()

	// The session stays Pending until its first token is installed.
	if sess.Method.AcceptsQR() {
		if _, err := m.rotator.Start(ctx, id, sess.Window); err != nil {
			// A QR session without a token cannot take attendance.
			m.abandon(ctx, id)
			return "", fmt.Errorf("start token rotation: %w", err)
		}
	}
	if err := m.store.Activate(ctx, id); err != nil {
		m.rotator.Stop(id)
		m.abandon(ctx, id)
		return "", fmt.Errorf("activate session: %w", err)
	}

	m.rooms.Track(sess.RoomID)
	m.reconcile(ctx, sess.RoomID)

	m.log.InfoContext(ctx, "session opened",
		"session_id", id,
		"class_id", sess.ClassID,
		"room_id", sess.RoomID,
		"method", sess.Method,
		"window", sess.Window,
		"start", sess.ScheduledStart,
		"end", sess.ScheduledEnd,
	)
	return id, nil
}

// abandon closes a session that never became usable.
func (m *Manager) abandon(ctx context.Context, id string) {
	if err := m.store.Close(context.WithoutCancel(ctx), id, m.now()); err == nil {
		m.metrics.SessionClosed()
	}
}

// CloseSession freezes the roster, stops rotation, re-evaluates the room and archives the session.
func (m *Manager) CloseSession(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if err := m.store.Close(ctx, id, m.now()); err != nil {
		if errors.Is(err, session.ErrNotFound) || errors.Is(err, session.ErrClosed) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("close session: %w", err)
	}
	m.metrics.SessionClosed()
	m.rotator.Stop(id)

	sess, err := m.store.Get(id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	// The frozen roster is archived before the door is driven, and on its own budget,
	// so a hung actuator cannot starve the publish.
	roster, _ := m.store.Roster(id)
	if m.archiver != nil {
		actx, acancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Timeout)
		err := m.archiver.Archive(actx, sess, roster)
		acancel()
		if err != nil {
			m.log.ErrorContext(ctx, "archive session failed", "session_id", id, "err", err)
		}
	}
	m.reconcile(ctx, sess.RoomID)

	m.log.InfoContext(ctx, "session closed", "session_id", id, "room_id", sess.RoomID, "records", len(roster))
	return nil
}

func (m *Manager) reconcile(ctx context.Context, roomID string) {
	if _, err := m.rooms.Reconcile(ctx, roomID); err != nil {
		m.log.WarnContext(ctx, "room reconcile failed", "room_id", roomID, "err", err)
	}
}

// SubmitClaim adjudicates a QR, face or manual claim.
func (m *Manager) SubmitClaim(ctx context.Context, claim verify.Claim) verify.Result {
	return m.engine.Submit(ctx, claim)
}

// SubmitCapture scores a face capture and adjudicates it.
func (m *Manager) SubmitCapture(ctx context.Context, c verify.Capture) verify.Result {
	return m.engine.SubmitCapture(ctx, c)
}

// ActiveToken returns the token to display for the session.
func (m *Manager) ActiveToken(id string) (token.Token, error) {
	tok, err := m.store.ActiveToken(id)
	return tok, m.mapErr(err)
}

// Roster returns the session's records ordered by time.
func (m *Manager) Roster(id string) ([]session.Record, error) {
	recs, err := m.store.Roster(id)
	return recs, m.mapErr(err)
}

// Session returns a copy of the session.
func (m *Manager) Session(id string) (session.Session, error) {
	sess, err := m.store.Get(id)
	return sess, m.mapErr(err)
}

// Sessions lists every held session.
func (m *Manager) Sessions() []session.Session {
	return m.store.List()
}

// RoomState returns the controller's belief about roomID.
func (m *Manager) RoomState(roomID string) (roomaccess.State, error) {
	return m.rooms.State(roomID)
}

func (m *Manager) mapErr(err error) error {
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// SweepExpired closes open sessions past their end plus grace and evicts closed sessions past
// retention. It returns the number of sessions it closed.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := m.now()
	closed := 0
	for _, s := range m.store.List() {
		switch s.Status {
		case session.StatusOpen:
			if !now.After(s.ScheduledEnd.Add(m.cfg.CloseGrace)) {
				continue
			}
			if err := m.CloseSession(ctx, s.ID); err != nil {
				m.log.WarnContext(ctx, "auto close failed", "session_id", s.ID, "err", err)
				continue
			}
			closed++
			m.metrics.SessionSwept()
		case session.StatusClosed:
			if s.ClosedAt == nil || now.Sub(*s.ClosedAt) < m.cfg.ClosedRetention {
				continue
			}
			if err := m.store.Evict(s.ID); err != nil {
				m.log.WarnContext(ctx, "evict session failed", "session_id", s.ID, "err", err)
				continue
			}
			m.log.DebugContext(ctx, "session evicted", "session_id", s.ID)
		}
	}
	if closed > 0 {
		m.log.InfoContext(ctx, "expired sessions closed", "count", closed)
	}
	return closed
}

// StartSweeper runs SweepExpired on schedule until the returned cron is stopped.
func (m *Manager) StartSweeper(schedule string, budget time.Duration) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		m.SweepExpired(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweeper %q: %w", schedule, err)
	}
	c.Start()
	m.log.Info("session sweeper started", "schedule", schedule)
	return c, nil
}

// Shutdown stops every rotation goroutine. Sessions stay open in memory.
func (m *Manager) Shutdown(ctx context.Context) {
	m.rotator.StopAll()
	m.log.InfoContext(ctx, "lifecycle stopped", "open_sessions", len(m.store.ListByStatus(session.StatusOpen)))
}
