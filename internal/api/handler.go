// Package api exposes the attendance engine over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"attendance-engine/internal/auth"
	"attendance-engine/internal/cloudinary"
	"attendance-engine/internal/lifecycle"
	"attendance-engine/internal/roomaccess"
	"attendance-engine/internal/session"
	"attendance-engine/internal/token"
	"attendance-engine/internal/verify"
)

// Engine is the lifecycle surface the handlers drive.
type Engine interface {
	OpenSession(ctx context.Context, req lifecycle.OpenRequest) (string, error)
	CloseSession(ctx context.Context, id string) error
	SubmitClaim(ctx context.Context, claim verify.Claim) verify.Result
	SubmitCapture(ctx context.Context, c verify.Capture) verify.Result
	ActiveToken(id string) (token.Token, error)
	Roster(id string) ([]session.Record, error)
	Session(id string) (session.Session, error)
	Sessions() []session.Session
	RoomState(roomID string) (roomaccess.State, error)
}

// Uploader stores a base64 capture and returns where the face service can fetch it.
type Uploader interface {
	UploadCapture(ctx context.Context, capture cloudinary.Capture, data string) (*cloudinary.UploadResult, error)
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) bool

// Handler holds the HTTP handlers.
type Handler struct {
	engine   Engine
	uploader Uploader // nil if Cloudinary not configured
	checks   map[string]Check
	log      *slog.Logger
}

// NewHandler creates the handlers.
func NewHandler(engine Engine, uploader Uploader, checks map[string]Check, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{engine: engine, uploader: uploader, checks: checks, log: log}
}

// ---------- Health ----------

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	out := gin.H{"status": "ok"}
	for name, check := range h.checks {
		ok := check(ctx)
		out[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			out["status"] = "degraded"
		}
	}
	c.JSON(status, out)
}

// ---------- Sessions ----------

type openRequest struct {
	ClassID        string         `json:"class_id" binding:"required"`
	RoomID         string         `json:"room_id" binding:"required"`
	Method         session.Method `json:"method"`
	WindowSeconds  int            `json:"window_seconds"`
	FaceThreshold  float64        `json:"face_threshold"`
	ScheduledStart time.Time      `json:"scheduled_start"`
	ScheduledEnd   time.Time      `json:"scheduled_end"`
}

// OpenSession opens a session for a class the caller teaches.
func (h *Handler) OpenSession(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)
	if !claims.CanManage(req.ClassID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a lecturer of this class"})
		return
	}

	id, err := h.engine.OpenSession(c.Request.Context(), lifecycle.OpenRequest{
		ClassID:        req.ClassID,
		RoomID:         req.RoomID,
		LecturerID:     claims.Subject,
		Method:         req.Method,
		Window:         time.Duration(req.WindowSeconds) * time.Second,
		FaceThreshold:  req.FaceThreshold,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	sess, err := h.engine.Session(id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// ListSessions returns the sessions the caller may manage, optionally filtered by status.
func (h *Handler) ListSessions(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	status := session.Status(c.Query("status"))

	out := make([]session.Session, 0)
	for _, s := range h.engine.Sessions() {
		if status != "" && s.Status != status {
			continue
		}
		if claims.CanManage(s.ClassID) {
			out = append(out, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// managed loads the session in the path and checks the caller may manage it.
func (h *Handler) managed(c *gin.Context) (session.Session, auth.Claims, bool) {
	sess, err := h.engine.Session(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return session.Session{}, auth.Claims{}, false
	}
	claims, _ := auth.FromContext(c)
	if !claims.CanManage(sess.ClassID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a lecturer of this class"})
		return session.Session{}, auth.Claims{}, false
	}
	return sess, claims, true
}

// CloseSession closes a session and locks its room if nothing else justifies it.
func (h *Handler) CloseSession(c *gin.Context) {
	sess, _, ok := h.managed(c)
	if !ok {
		return
	}
	if err := h.engine.CloseSession(c.Request.Context(), sess.ID); err != nil {
		h.fail(c, err)
		return
	}
	closed, err := h.engine.Session(sess.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, closed)
}

// GetSession returns a session.
func (h *Handler) GetSession(c *gin.Context) {
	sess, _, ok := h.managed(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess)
}

// ActiveToken returns the token the classroom display should render.
func (h *Handler) ActiveToken(c *gin.Context) {
	claims, _ := auth.FromContext(c)
	sess, err := h.engine.Session(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if claims.Role != auth.RoleDevice && !claims.CanManage(sess.ClassID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a lecturer of this class"})
		return
	}
	tok, err := h.engine.ActiveToken(sess.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      tok.Value,
		"sequence":   tok.Sequence,
		"issued_at":  tok.IssuedAt,
		"expires_at": tok.ExpiresAt,
	})
}

// Roster returns the session's attendance records.
func (h *Handler) Roster(c *gin.Context) {
	sess, _, ok := h.managed(c)
	if !ok {
		return
	}
	recs, err := h.engine.Roster(sess.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sess.ID, "status": sess.Status, "records": recs})
}

type manualRequest struct {
	StudentID string               `json:"student_id" binding:"required"`
	Status    session.RecordStatus `json:"status" binding:"required"`
	Override  bool                 `json:"override"`
}

// Manual records a lecturer's decision for one student.
func (h *Handler) Manual(c *gin.Context) {
	var req manualRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)
	sess, err := h.engine.Session(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	res := h.engine.SubmitClaim(c.Request.Context(), verify.ManualClaim{
		SessionID:  sess.ID,
		StudentID:  req.StudentID,
		LecturerID: claims.Subject,
		Authorized: claims.CanManage(sess.ClassID),
		Status:     req.Status,
		Override:   req.Override,
	})
	c.JSON(ResultStatus(res), res)
}

// ---------- Claims ----------

type qrRequest struct {
	Token string `json:"token" binding:"required"`
}

// QRClaim adjudicates a scanned token for the authenticated student.
func (h *Handler) QRClaim(c *gin.Context) {
	var req qrRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, _ := auth.FromContext(c)
	res := h.engine.SubmitClaim(c.Request.Context(), verify.QRClaim{
		Token:     req.Token,
		StudentID: claims.Subject,
	})
	c.JSON(ResultStatus(res), res)
}

type faceRequest struct {
	SessionID   string    `json:"session_id" binding:"required"`
	StudentID   string    `json:"student_id" binding:"required"`
	Confidence  *float64  `json:"confidence"`
	ImageURL    string    `json:"image_url"`
	ImageBase64 string    `json:"image_base64"`
	CapturedAt  time.Time `json:"captured_at"`
}

// FaceClaim adjudicates a face match from a classroom camera. Captures sent as base64 are
// uploaded first and scored by the face service.
func (h *Handler) FaceClaim(c *gin.Context) {
	var req faceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if req.ImageBase64 != "" {
		if h.uploader == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image upload not configured"})
			return
		}
		up, err := h.uploader.UploadCapture(ctx, cloudinary.Capture{
			SessionID: req.SessionID,
			StudentID: req.StudentID,
			TakenAt:   req.CapturedAt,
		}, req.ImageBase64)
		if err != nil {
			h.log.ErrorContext(ctx, "capture upload failed", "session_id", req.SessionID, "err", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to upload capture"})
			return
		}
		req.ImageURL = up.SecureURL
	}

	var res verify.Result
	switch {
	case req.ImageURL != "":
		res = h.engine.SubmitCapture(ctx, verify.Capture{
			SessionID:  req.SessionID,
			StudentID:  req.StudentID,
			ImageURL:   req.ImageURL,
			CapturedAt: req.CapturedAt,
		})
	case req.Confidence != nil:
		res = h.engine.SubmitClaim(ctx, verify.FaceClaim{
			SessionID:  req.SessionID,
			StudentID:  req.StudentID,
			Confidence: *req.Confidence,
			CapturedAt: req.CapturedAt,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "confidence, image_url or image_base64 required"})
		return
	}
	c.JSON(ResultStatus(res), res)
}

// ---------- Rooms ----------

// RoomAccess returns the controller's belief about a room's door.
func (h *Handler) RoomAccess(c *gin.Context) {
	st, err := h.engine.RoomState(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "err", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// ResultStatus maps a claim result to an HTTP status. Every rejection reason keeps its own code.
func ResultStatus(res verify.Result) int {
	if res.Accepted() {
		if res.Replaced {
			return http.StatusOK
		}
		return http.StatusCreated
	}
	switch res.Reason {
	case verify.ReasonBadToken, verify.ReasonInvalid:
		return http.StatusBadRequest
	case verify.ReasonNotAuthorized:
		return http.StatusForbidden
	case verify.ReasonSessionNotOpen, verify.ReasonSuperseded:
		return http.StatusConflict
	case verify.ReasonExpired:
		return http.StatusGone
	case verify.ReasonLowConfidence:
		return http.StatusUnprocessableEntity
	case verify.ReasonDuplicate:
		return http.StatusOK
	case verify.ReasonTimeout:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ErrorStatus maps engine errors to HTTP statuses.
func ErrorStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrNoActiveToken),
		errors.Is(err, roomaccess.ErrUnknownRoom):
		return http.StatusNotFound
	case errors.Is(err, roomaccess.ErrActuatorFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
