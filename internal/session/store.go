// Package session holds the live, in-memory state of every attendance session.
//
// The Store is the single writer of rosters. Mutations of one session are serialized through
// that session's gate; different sessions never contend with each other.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"attendance-engine/internal/token"
)

type entry struct {
	// gate serializes mutations and lets waiters give up when their context ends.
	gate chan struct{}
	// mu guards s for readers that do not go through the gate.
	mu sync.RWMutex
	s  Session
}

func newEntry(s Session) *entry {
	return &entry{gate: make(chan struct{}, 1), s: s}
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire session %s: %w", e.s.ID, ctx.Err())
	}
}

func (e *entry) release() { <-e.gate }

func (e *entry) snapshot() Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.s.clone()
}

// Store is the authoritative map of session id to session.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time
}

// NewStore creates an empty store. now defaults to time.Now.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{sessions: make(map[string]*entry), now: now}
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Open registers sess and returns its id. An empty id is replaced with a new uuid.
// A session submitted as Pending stays Pending until Activate; any other status becomes Open.
func (s *Store) Open(ctx context.Context, sess Session) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status != StatusPending {
		sess.Status = StatusOpen
	}
	if sess.OpenedAt.IsZero() {
		sess.OpenedAt = s.now()
	}
	sess.ClosedAt = nil
	sess.ActiveToken = nil
	sess.Roster = make(map[string]Record)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrExists, sess.ID)
	}
	s.sessions[sess.ID] = newEntry(sess)
	return sess.ID, nil
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return e.snapshot(), nil
}

// Activate moves a pending session to Open. Activating an open session is a no-op.
func (s *Store) Activate(ctx context.Context, id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status == StatusClosed {
		return fmt.Errorf("%w: %s", ErrClosed, id)
	}
	e.s.Status = StatusOpen
	return nil
}

// Close freezes the roster of a pending or open session. Closing twice returns ErrClosed.
func (s *Store) Close(ctx context.Context, id string, at time.Time) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status == StatusClosed {
		return fmt.Errorf("%w: %s", ErrClosed, id)
	}
	e.s.Status = StatusClosed
	e.s.ClosedAt = &at
	return nil
}

// SetActiveToken installs tok as the session's only valid token. Sequences must strictly increase.
func (s *Store) SetActiveToken(ctx context.Context, id string, tok token.Token) error {
	if tok.SessionID != id {
		return fmt.Errorf("token bound to %q, not %q", tok.SessionID, id)
	}
	e, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setTokenLocked(tok)
}

func (e *entry) setTokenLocked(tok token.Token) error {
	if e.s.Status == StatusClosed {
		return fmt.Errorf("%w: %s", ErrClosed, e.s.ID)
	}
	if cur, ok := e.s.CurrentSequence(); ok && tok.Sequence <= cur {
		return fmt.Errorf("%w: have %d, got %d", ErrStaleSequence, cur, tok.Sequence)
	}
	e.s.ActiveToken = &tok
	return nil
}

// IssueFunc produces the token for the given sequence number.
type IssueFunc func(next uint64) (token.Token, error)

// Rotate advances the session's sequence and installs the token returned by issue.
// The first token of a session has sequence 0 and may be issued while it is still Pending.
func (s *Store) Rotate(ctx context.Context, id string, issue IssueFunc) (token.Token, error) {
	e, err := s.lookup(id)
	if err != nil {
		return token.Token{}, err
	}
	if err := e.acquire(ctx); err != nil {
		return token.Token{}, err
	}
	defer e.release()

	e.mu.RLock()
	status := e.s.Status
	cur, ok := e.s.CurrentSequence()
	e.mu.RUnlock()
	if status == StatusClosed {
		return token.Token{}, fmt.Errorf("%w: %s", ErrClosed, id)
	}

	var next uint64
	if ok {
		next = cur + 1
	}
	tok, err := issue(next)
	if err != nil {
		return token.Token{}, fmt.Errorf("issue token: %w", err)
	}
	if tok.Sequence != next || tok.SessionID != id {
		return token.Token{}, fmt.Errorf("issued token %s/%d, want %s/%d", tok.SessionID, tok.Sequence, id, next)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.setTokenLocked(tok); err != nil {
		return token.Token{}, err
	}
	return tok, nil
}

// ActiveToken returns the session's current token.
func (s *Store) ActiveToken(id string) (token.Token, error) {
	e, err := s.lookup(id)
	if err != nil {
		return token.Token{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.s.ActiveToken == nil {
		return token.Token{}, ErrNoActiveToken
	}
	return *e.s.ActiveToken, nil
}

// RecordAttendance inserts rec unless the student already has a record.
//
// On AlreadyPresent the existing record is returned untouched. A closed session yields
// SessionClosed. Only a missing session or an expired context produce an error.
func (s *Store) RecordAttendance(ctx context.Context, id string, rec Record) (Outcome, Record, error) {
	if rec.StudentID == "" {
		return "", Record{}, fmt.Errorf("student id required")
	}
	e, err := s.lookup(id)
	if err != nil {
		return "", Record{}, err
	}
	if err := e.acquire(ctx); err != nil {
		return "", Record{}, err
	}
	defer e.release()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status != StatusOpen {
		return SessionClosed, Record{}, nil
	}
	if existing, ok := e.s.Roster[rec.StudentID]; ok {
		return AlreadyPresent, existing.clone(), nil
	}
	rec = rec.clone()
	e.s.Roster[rec.StudentID] = rec
	return Inserted, rec.clone(), nil
}

// Override replaces the existing record for rec.StudentID and returns the previous one.
func (s *Store) Override(ctx context.Context, id string, rec Record) (Record, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Record{}, err
	}
	if err := e.acquire(ctx); err != nil {
		return Record{}, err
	}
	defer e.release()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status != StatusOpen {
		return Record{}, fmt.Errorf("%w: %s", ErrClosed, id)
	}
	prev, ok := e.s.Roster[rec.StudentID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNoRecord, rec.StudentID)
	}
	rec = rec.clone()
	rec.Corrected = rec.Corrected || prev.Corrected
	e.s.Roster[rec.StudentID] = rec
	return prev, nil
}

// Correct replaces a rejected record that has not been corrected before and returns the
// previous one. The stored record is marked Corrected; anything else yields ErrNotCorrectable.
func (s *Store) Correct(ctx context.Context, id string, rec Record) (Record, error) {
	e, err := s.lookup(id)
	if err != nil {
		return Record{}, err
	}
	if err := e.acquire(ctx); err != nil {
		return Record{}, err
	}
	defer e.release()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Status != StatusOpen {
		return Record{}, fmt.Errorf("%w: %s", ErrClosed, id)
	}
	prev, ok := e.s.Roster[rec.StudentID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNoRecord, rec.StudentID)
	}
	if prev.Status != RecordRejected || prev.Corrected {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrNotCorrectable, rec.StudentID, prev.Status)
	}
	rec = rec.clone()
	rec.Corrected = true
	e.s.Roster[rec.StudentID] = rec
	return prev, nil
}

// Roster returns the session's records ordered by timestamp.
func (s *Store) Roster(id string) ([]Record, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	out := make([]Record, 0, len(e.s.Roster))
	for _, r := range e.s.Roster {
		out = append(out, r.clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// List returns copies of every session, ordered by scheduled start.
func (s *Store) List() []Session {
	return s.filter(func(Session) bool { return true })
}

// ListByRoom returns the sessions scheduled in roomID.
func (s *Store) ListByRoom(roomID string) []Session {
	return s.filter(func(sess Session) bool { return sess.RoomID == roomID })
}

// ListByStatus returns the sessions with the given status.
func (s *Store) ListByStatus(status Status) []Session {
	return s.filter(func(sess Session) bool { return sess.Status == status })
}

func (s *Store) filter(keep func(Session) bool) []Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		if snap := e.snapshot(); keep(snap) {
			out = append(out, snap)
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

// Evict drops a closed session from memory.
func (s *Store) Evict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.RLock()
	status := e.s.Status
	e.mu.RUnlock()
	if status != StatusClosed {
		return fmt.Errorf("%w: %s", ErrStillOpen, id)
	}
	delete(s.sessions, id)
	return nil
}

// Len returns the number of sessions held, open or closed.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
