package verify

import (
	"time"

	"attendance-engine/internal/session"
)

// Claim is an assertion that a student is present. It is one of QRClaim, FaceClaim or ManualClaim.
type Claim interface {
	Method() session.Method
}

// QRClaim is a scanned QR token presented by a student device.
type QRClaim struct {
	Token       string
	StudentID   string
	PresentedAt time.Time
}

// FaceClaim is a face match produced by the camera pipeline.
type FaceClaim struct {
	SessionID  string
	StudentID  string
	Confidence float64
	CapturedAt time.Time
}

// ManualClaim is a lecturer's explicit decision. Authorized carries the outcome of the
// caller's lecturer-authority check; the engine does not resolve identity itself.
type ManualClaim struct {
	SessionID  string
	StudentID  string
	LecturerID string
	Authorized bool
	Status     session.RecordStatus
	Override   bool
	DecidedAt  time.Time
}

// Capture is a face image awaiting a similarity score.
type Capture struct {
	SessionID  string
	StudentID  string
	ImageURL   string
	CapturedAt time.Time
}

func (QRClaim) Method() session.Method     { return session.MethodQR }
func (FaceClaim) Method() session.Method   { return session.MethodFace }
func (ManualClaim) Method() session.Method { return session.MethodManual }

// Outcome is the top-level verdict on a claim.
type Outcome string

const (
	Accepted Outcome = "accepted"
	Rejected Outcome = "rejected"
)

// Reason explains a rejection. Accepted results carry an empty reason.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonBadToken       Reason = "bad_token"
	ReasonSessionNotOpen Reason = "session_not_open"
	ReasonExpired        Reason = "expired"
	ReasonSuperseded     Reason = "superseded"
	ReasonDuplicate      Reason = "duplicate"
	ReasonLowConfidence  Reason = "low_confidence"
	ReasonNotAuthorized  Reason = "not_authorized"
	ReasonInvalid        Reason = "invalid"
	ReasonTimeout        Reason = "timeout"
)

// Retryable reports whether the client should fetch fresh input and try again.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonExpired, ReasonSuperseded, ReasonTimeout, ReasonLowConfidence:
		return true
	}
	return false
}

// Result is the adjudication of one claim.
type Result struct {
	Outcome   Outcome         `json:"result"`
	Reason    Reason          `json:"reason,omitempty"`
	Method    session.Method  `json:"method"`
	SessionID string          `json:"session_id,omitempty"`
	StudentID string          `json:"student_id,omitempty"`
	Record    *session.Record `json:"record,omitempty"`
	Replaced  bool            `json:"replaced,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

// Accepted reports whether the claim produced or replaced a record.
func (r Result) Accepted() bool { return r.Outcome == Accepted }
