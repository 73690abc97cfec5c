package session

import (
	"time"

	"attendance-engine/internal/token"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending Status = "pending"
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
)

// Method is the attendance method a session accepts, or the method used by a record.
type Method string

const (
	MethodQR     Method = "qr"
	MethodFace   Method = "face"
	MethodManual Method = "manual"
	MethodMixed  Method = "mixed"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodQR, MethodFace, MethodManual, MethodMixed:
		return true
	}
	return false
}

// AcceptsQR reports whether tokens are issued for sessions using m.
func (m Method) AcceptsQR() bool { return m == MethodQR || m == MethodMixed }

// AcceptsFace reports whether face claims are honoured for sessions using m.
func (m Method) AcceptsFace() bool { return m == MethodFace || m == MethodMixed }

// RecordStatus is the outcome stored for one student.
type RecordStatus string

const (
	RecordPresent  RecordStatus = "present"
	RecordRejected RecordStatus = "rejected"
)

// Record is one student's attendance outcome for a session.
type Record struct {
	StudentID  string       `json:"student_id"`
	Method     Method       `json:"method"`
	Timestamp  time.Time    `json:"timestamp"`
	Confidence *float64     `json:"confidence,omitempty"`
	Status     RecordStatus `json:"status"`
	Late       bool         `json:"late"`
	DecidedBy  string       `json:"decided_by,omitempty"`
	// Corrected is set once a lecturer has replaced their own rejection.
	Corrected bool `json:"corrected,omitempty"`
}

// Session is one class meeting during which attendance is taken.
type Session struct {
	ID             string            `json:"id"`
	ClassID        string            `json:"class_id"`
	RoomID         string            `json:"room_id"`
	LecturerID     string            `json:"lecturer_id,omitempty"`
	ScheduledStart time.Time         `json:"scheduled_start"`
	ScheduledEnd   time.Time         `json:"scheduled_end"`
	Status         Status            `json:"status"`
	Method         Method            `json:"method"`
	Window         time.Duration     `json:"window"`
	FaceThreshold  float64           `json:"face_threshold"`
	ActiveToken    *token.Token      `json:"-"`
	Roster         map[string]Record `json:"-"`
	OpenedAt       time.Time         `json:"opened_at"`
	ClosedAt       *time.Time        `json:"closed_at,omitempty"`
}

// InWindow reports whether at lies inside the scheduled [start, end] window.
func (s Session) InWindow(at time.Time) bool {
	return !at.Before(s.ScheduledStart) && !at.After(s.ScheduledEnd)
}

// Authorizing reports whether the session justifies an unlocked room at instant at.
func (s Session) Authorizing(at time.Time) bool {
	return s.Status == StatusOpen && s.InWindow(at)
}

// CurrentSequence returns the active token's sequence and whether a token exists.
func (s Session) CurrentSequence() (uint64, bool) {
	if s.ActiveToken == nil {
		return 0, false
	}
	return s.ActiveToken.Sequence, true
}

func (s Session) clone() Session {
	out := s
	if s.ActiveToken != nil {
		tok := *s.ActiveToken
		out.ActiveToken = &tok
	}
	if s.ClosedAt != nil {
		at := *s.ClosedAt
		out.ClosedAt = &at
	}
	out.Roster = make(map[string]Record, len(s.Roster))
	for k, v := range s.Roster {
		out.Roster[k] = v.clone()
	}
	return out
}

func (r Record) clone() Record {
	if r.Confidence != nil {
		c := *r.Confidence
		r.Confidence = &c
	}
	return r
}

// Outcome is the result of a roster insert.
type Outcome string

const (
	Inserted       Outcome = "inserted"
	AlreadyPresent Outcome = "already_present"
	SessionClosed  Outcome = "session_closed"
)
