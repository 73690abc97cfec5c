// Package rotator keeps one cancellable ticker per open session that reissues its QR token.
package rotator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"attendance-engine/internal/metrics"
	"attendance-engine/internal/session"
	"attendance-engine/internal/token"
)

// ErrAlreadyRunning is returned when Start is called twice for one session.
var ErrAlreadyRunning = errors.New("rotation already running")

// Sessions is the part of the session store the rotator mutates.
type Sessions interface {
	Rotate(ctx context.Context, id string, issue session.IssueFunc) (token.Token, error)
}

// Issuer signs tokens.
type Issuer interface {
	Issue(sessionID string, seq uint64, issuedAt time.Time, ttl time.Duration) (token.Token, error)
}

type job struct {
	window time.Duration
	stop   chan struct{}
	done   chan struct{}
}

// Rotator owns the per-session rotation goroutines.
type Rotator struct {
	sessions Sessions
	issuer   Issuer
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	timeout  time.Duration

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a rotator. timeout bounds each rotation's wait on the session store.
func New(sessions Sessions, issuer Issuer, log *slog.Logger, m *metrics.Metrics, now func() time.Time, timeout time.Duration) *Rotator {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Rotator{
		sessions: sessions,
		issuer:   issuer,
		log:      log,
		metrics:  m,
		now:      now,
		timeout:  timeout,
		jobs:     make(map[string]*job),
	}
}

// Start issues the session's first token and schedules a rotation every window.
func (r *Rotator) Start(ctx context.Context, sessionID string, window time.Duration) (token.Token, error) {
	if window <= 0 {
		return token.Token{}, fmt.Errorf("rotation window must be positive, got %s", window)
	}

	r.mu.Lock()
	if _, ok := r.jobs[sessionID]; ok {
		r.mu.Unlock()
		return token.Token{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}
	j := &job{window: window, stop: make(chan struct{}), done: make(chan struct{})}
	r.jobs[sessionID] = j
	r.mu.Unlock()

	tok, err := r.rotate(ctx, sessionID, window)
	if err != nil {
		r.mu.Lock()
		delete(r.jobs, sessionID)
		r.mu.Unlock()
		close(j.done)
		return token.Token{}, err
	}

	go r.loop(sessionID, j)
	return tok, nil
}

func (r *Rotator) loop(sessionID string, j *job) {
	defer close(j.done)
	ticker := time.NewTicker(j.window)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			_, err := r.rotate(ctx, sessionID, j.window)
			cancel()
			if errors.Is(err, session.ErrClosed) || errors.Is(err, session.ErrNotFound) {
				r.log.Info("rotation ended with session", "session_id", sessionID)
				r.detach(sessionID, j)
				return
			}
		}
	}
}

func (r *Rotator) detach(sessionID string, j *job) {
	r.mu.Lock()
	if cur, ok := r.jobs[sessionID]; ok && cur == j {
		delete(r.jobs, sessionID)
	}
	r.mu.Unlock()
}

func (r *Rotator) rotate(ctx context.Context, sessionID string, window time.Duration) (token.Token, error) {
	tok, err := r.sessions.Rotate(ctx, sessionID, func(next uint64) (token.Token, error) {
		return r.issuer.Issue(sessionID, next, r.now(), window)
	})
	r.metrics.ObserveRotation(err == nil)
	if err != nil {
		r.log.Warn("token rotation failed", "session_id", sessionID, "err", err)
		return token.Token{}, err
	}
	r.log.Debug("token rotated", "session_id", sessionID, "sequence", tok.Sequence, "expires_at", tok.ExpiresAt)
	return tok, nil
}

// RotateNow reissues the session's token immediately, superseding the current one.
func (r *Rotator) RotateNow(ctx context.Context, sessionID string) (token.Token, error) {
	r.mu.Lock()
	j, ok := r.jobs[sessionID]
	r.mu.Unlock()
	if !ok {
		return token.Token{}, fmt.Errorf("%w: no rotation for %s", session.ErrNotFound, sessionID)
	}
	return r.rotate(ctx, sessionID, j.window)
}

// RotateAll reissues every running session's token, e.g. after the signing key changed.
func (r *Rotator) RotateAll(ctx context.Context) int {
	rotated := 0
	for _, id := range r.Running() {
		if _, err := r.RotateNow(ctx, id); err == nil {
			rotated++
		}
	}
	return rotated
}

// Stop cancels the session's rotation and returns once its goroutine has exited.
func (r *Rotator) Stop(sessionID string) bool {
	r.mu.Lock()
	j, ok := r.jobs[sessionID]
	if ok {
		delete(r.jobs, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	close(j.stop)
	<-j.done
	return true
}

// StopAll cancels every rotation.
func (r *Rotator) StopAll() {
	for _, id := range r.Running() {
		r.Stop(id)
	}
}

// Running lists the sessions with an active rotation.
func (r *Rotator) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		out = append(out, id)
	}
	return out
}
