// Package verify adjudicates attendance claims against the live session store.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"attendance-engine/internal/audit"
	"attendance-engine/internal/metrics"
	"attendance-engine/internal/session"
	"attendance-engine/internal/token"
)

// Sessions is the part of the session store the engine depends on.
type Sessions interface {
	Get(id string) (session.Session, error)
	RecordAttendance(ctx context.Context, id string, rec session.Record) (session.Outcome, session.Record, error)
	Override(ctx context.Context, id string, rec session.Record) (session.Record, error)
	Correct(ctx context.Context, id string, rec session.Record) (session.Record, error)
}

// Decoder verifies QR token strings.
type Decoder interface {
	Decode(raw string) (token.Payload, error)
}

// FaceMatcher scores a captured image against a student's enrolled face.
type FaceMatcher interface {
	Match(ctx context.Context, studentID, imageURL string) (float64, error)
}

// Config tunes claim policy.
type Config struct {
	ClaimTimeout  time.Duration
	MatchTimeout  time.Duration
	FaceThreshold float64
	LateAfter     time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ClaimTimeout:  2 * time.Second,
		MatchTimeout:  10 * time.Second,
		FaceThreshold: 0.85,
		LateAfter:     15 * time.Minute,
	}
}

// Options carries the engine's optional collaborators.
type Options struct {
	Matcher FaceMatcher
	Audit   audit.Sink
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Engine adjudicates claims.
type Engine struct {
	sessions Sessions
	codec    Decoder
	matcher  FaceMatcher
	audit    audit.Sink
	log      *slog.Logger
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

// New creates an engine.
func New(sessions Sessions, codec Decoder, cfg Config, opts Options) *Engine {
	def := DefaultConfig()
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	if cfg.MatchTimeout <= 0 {
		cfg.MatchTimeout = def.MatchTimeout
	}
	if cfg.FaceThreshold <= 0 {
		cfg.FaceThreshold = def.FaceThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		sessions: sessions,
		codec:    codec,
		matcher:  opts.Matcher,
		audit:    opts.Audit,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		cfg:      cfg,
		now:      opts.Now,
	}
}

// Submit adjudicates one claim. It never returns an error: every failure mode is a Reason.
func (e *Engine) Submit(ctx context.Context, claim Claim) Result {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ClaimTimeout)
	defer cancel()

	var res Result
	switch c := claim.(type) {
	case QRClaim:
		res = e.submitQR(ctx, c)
	case FaceClaim:
		res = e.submitFace(ctx, c)
	case ManualClaim:
		res = e.submitManual(ctx, c)
	default:
		res = reject(ReasonInvalid, "unsupported claim type")
	}
	if claim != nil {
		res.Method = claim.Method()
	}
	return e.observe(ctx, res, started)
}

// observe records the adjudication in metrics and the log.
func (e *Engine) observe(ctx context.Context, res Result, started time.Time) Result {
	e.metrics.ObserveClaim(string(res.Method), string(res.Outcome), string(res.Reason), time.Since(started).Seconds())
	level := slog.LevelDebug
	if res.Accepted() {
		level = slog.LevelInfo
	}
	e.log.Log(ctx, level, "claim adjudicated",
		"method", res.Method,
		"session_id", res.SessionID,
		"student_id", res.StudentID,
		"result", res.Outcome,
		"reason", res.Reason,
		"replaced", res.Replaced,
	)
	return res
}

func (e *Engine) submitQR(ctx context.Context, c QRClaim) Result {
	if c.StudentID == "" {
		return reject(ReasonInvalid, "student id required")
	}
	p, err := e.codec.Decode(c.Token)
	if err != nil {
		res := reject(ReasonBadToken, tokenDetail(err))
		res.StudentID = c.StudentID
		return res
	}

	sess, res, ok := e.openSession(p.SessionID, c.StudentID)
	if !ok {
		return res
	}

	// Sequence first: a rotated-out token is Superseded even when it is also expired.
	if cur, has := sess.CurrentSequence(); !has || p.Sequence != cur {
		res.Outcome, res.Reason = Rejected, ReasonSuperseded
		res.Detail = fmt.Sprintf("token sequence %d, current %d", p.Sequence, cur)
		return res
	}

	at := c.PresentedAt
	if at.IsZero() {
		at = e.now()
	}
	if p.Expired(at) {
		res.Outcome, res.Reason = Rejected, ReasonExpired
		return res
	}

	return e.insert(ctx, sess, res, session.Record{
		StudentID: c.StudentID,
		Method:    session.MethodQR,
		Timestamp: at,
		Status:    session.RecordPresent,
	})
}

func (e *Engine) submitFace(ctx context.Context, c FaceClaim) Result {
	if c.StudentID == "" || c.SessionID == "" {
		return reject(ReasonInvalid, "session id and student id required")
	}
	sess, res, ok := e.openSession(c.SessionID, c.StudentID)
	if !ok {
		return res
	}
	if !sess.Method.AcceptsFace() {
		res.Outcome, res.Reason = Rejected, ReasonSessionNotOpen
		res.Detail = fmt.Sprintf("session takes %s attendance", sess.Method)
		return res
	}

	threshold := sess.FaceThreshold
	if threshold <= 0 {
		threshold = e.cfg.FaceThreshold
	}
	if !(c.Confidence >= threshold) {
		res.Outcome, res.Reason = Rejected, ReasonLowConfidence
		res.Detail = fmt.Sprintf("confidence %.3f below %.3f", c.Confidence, threshold)
		return res
	}

	at := c.CapturedAt
	if at.IsZero() {
		at = e.now()
	}
	conf := c.Confidence
	return e.insert(ctx, sess, res, session.Record{
		StudentID:  c.StudentID,
		Method:     session.MethodFace,
		Timestamp:  at,
		Confidence: &conf,
		Status:     session.RecordPresent,
	})
}

func (e *Engine) submitManual(ctx context.Context, c ManualClaim) Result {
	if c.StudentID == "" || c.SessionID == "" {
		return reject(ReasonInvalid, "session id and student id required")
	}
	if c.Status != session.RecordPresent && c.Status != session.RecordRejected {
		return reject(ReasonInvalid, fmt.Sprintf("unknown status %q", c.Status))
	}
	if !c.Authorized {
		res := reject(ReasonNotAuthorized, "caller is not a lecturer of this class")
		res.SessionID, res.StudentID = c.SessionID, c.StudentID
		return res
	}

	sess, res, ok := e.openSession(c.SessionID, c.StudentID)
	if !ok {
		return res
	}

	at := c.DecidedAt
	if at.IsZero() {
		at = e.now()
	}
	rec := session.Record{
		StudentID: c.StudentID,
		Method:    session.MethodManual,
		Timestamp: at,
		Status:    c.Status,
		DecidedBy: c.LecturerID,
	}
	res = e.insert(ctx, sess, res, rec)
	if res.Reason != ReasonDuplicate {
		return res
	}

	rec.Late = e.late(sess, rec)
	var (
		prev session.Record
		err  error
	)
	switch {
	case c.Override:
		prev, err = e.sessions.Override(ctx, sess.ID, rec)
	case res.Record != nil && res.Record.Status == session.RecordRejected:
		// A rejection may be corrected once without the override flag.
		rec.Corrected = true
		prev, err = e.sessions.Correct(ctx, sess.ID, rec)
		if errors.Is(err, session.ErrNotCorrectable) {
			return res
		}
	default:
		return res
	}
	if err != nil {
		return storeFailure(res, err)
	}
	res.Outcome, res.Reason, res.Detail = Accepted, ReasonNone, ""
	res.Record = &rec
	res.Replaced = true
	e.recordOverride(ctx, sess, prev, rec)
	return res
}

// SubmitCapture scores a captured image with the face matcher and submits the resulting FaceClaim.
// Captures rejected before matching are observed like any other face claim.
func (e *Engine) SubmitCapture(ctx context.Context, c Capture) Result {
	started := time.Now()
	rejected := func(res Result) Result {
		res.Method = session.MethodFace
		return e.observe(ctx, res, started)
	}
	if e.matcher == nil {
		return rejected(reject(ReasonInvalid, "face matching is not configured"))
	}
	if c.ImageURL == "" {
		return rejected(reject(ReasonInvalid, "image url required"))
	}

	// Check the session before paying for a match.
	sess, res, ok := e.openSession(c.SessionID, c.StudentID)
	if !ok || !sess.Method.AcceptsFace() {
		res.Outcome, res.Reason = Rejected, ReasonSessionNotOpen
		return rejected(res)
	}

	mctx, cancel := context.WithTimeout(ctx, e.cfg.MatchTimeout)
	defer cancel()
	score, err := e.matcher.Match(mctx, c.StudentID, c.ImageURL)
	if err != nil {
		e.log.WarnContext(ctx, "face match failed", "session_id", c.SessionID, "student_id", c.StudentID, "err", err)
		res.Outcome, res.Reason = Rejected, ReasonLowConfidence
		res.Detail = "face match unavailable"
		return rejected(res)
	}

	return e.Submit(ctx, FaceClaim{
		SessionID:  c.SessionID,
		StudentID:  c.StudentID,
		Confidence: score,
		CapturedAt: c.CapturedAt,
	})
}

// openSession loads an open session. When ok is false the returned result is the rejection.
func (e *Engine) openSession(id, studentID string) (session.Session, Result, bool) {
	res := Result{SessionID: id, StudentID: studentID}
	sess, err := e.sessions.Get(id)
	if err != nil {
		res.Outcome, res.Reason = Rejected, ReasonSessionNotOpen
		if !errors.Is(err, session.ErrNotFound) {
			res.Detail = err.Error()
		}
		return session.Session{}, res, false
	}
	if sess.Status != session.StatusOpen {
		res.Outcome, res.Reason = Rejected, ReasonSessionNotOpen
		res.Detail = fmt.Sprintf("session is %s", sess.Status)
		return sess, res, false
	}
	return sess, res, true
}

func (e *Engine) insert(ctx context.Context, sess session.Session, res Result, rec session.Record) Result {
	rec.Late = e.late(sess, rec)
	out, stored, err := e.sessions.RecordAttendance(ctx, sess.ID, rec)
	if err != nil {
		return storeFailure(res, err)
	}
	switch out {
	case session.Inserted:
		res.Outcome = Accepted
		res.Record = &stored
	case session.AlreadyPresent:
		res.Outcome, res.Reason = Rejected, ReasonDuplicate
		res.Record = &stored
	default:
		res.Outcome, res.Reason = Rejected, ReasonSessionNotOpen
	}
	return res
}

func (e *Engine) late(sess session.Session, rec session.Record) bool {
	if rec.Status != session.RecordPresent || e.cfg.LateAfter <= 0 || sess.ScheduledStart.IsZero() {
		return false
	}
	return rec.Timestamp.After(sess.ScheduledStart.Add(e.cfg.LateAfter))
}

func (e *Engine) recordOverride(ctx context.Context, sess session.Session, prev, next session.Record) {
	if e.audit == nil {
		return
	}
	entry := audit.NewEntry(audit.KindManualOverride, e.now())
	entry.SessionID = sess.ID
	entry.StudentID = next.StudentID
	entry.RoomID = sess.RoomID
	entry.Actor = next.DecidedBy
	entry.Detail = map[string]string{
		"previous_status": string(prev.Status),
		"previous_method": string(prev.Method),
		"previous_at":     prev.Timestamp.UTC().Format(time.RFC3339),
		"next_status":     string(next.Status),
	}
	if next.Corrected {
		entry.Detail["correction"] = "true"
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.log.ErrorContext(ctx, "audit override failed", "session_id", sess.ID, "student_id", next.StudentID, "err", err)
	}
}

func storeFailure(res Result, err error) Result {
	res.Outcome = Rejected
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		res.Reason = ReasonTimeout
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrClosed):
		res.Reason = ReasonSessionNotOpen
	default:
		res.Reason = ReasonInvalid
	}
	res.Detail = err.Error()
	return res
}

func reject(reason Reason, detail string) Result {
	return Result{Outcome: Rejected, Reason: reason, Detail: detail}
}

func tokenDetail(err error) string {
	if errors.Is(err, token.ErrInvalidSignature) {
		return "invalid signature"
	}
	return "malformed token"
}
