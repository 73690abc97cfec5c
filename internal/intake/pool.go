// Package intake feeds claims from the scanner bridge and camera pipeline into the engine.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"attendance-engine/internal/metrics"
	"attendance-engine/internal/queue"
	"attendance-engine/internal/verify"
)

// QRMessage is the body of a claim.qr message.
type QRMessage struct {
	Token       string    `json:"token"`
	StudentID   string    `json:"student_id"`
	PresentedAt time.Time `json:"presented_at"`
}

// FaceMessage is the body of a claim.face message. A message with an image URL is scored by
// the face matcher; otherwise Confidence is taken as already scored.
type FaceMessage struct {
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	Confidence float64   `json:"confidence"`
	ImageURL   string    `json:"image_url,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Submitter adjudicates claims.
type Submitter interface {
	SubmitClaim(ctx context.Context, claim verify.Claim) verify.Result
	SubmitCapture(ctx context.Context, c verify.Capture) verify.Result
}

// Pool runs Workers goroutines that drain the claim queue.
type Pool struct {
	Queue     queue.Queue
	Submitter Submitter
	Workers   int
	Log       *slog.Logger
	Metrics   *metrics.Metrics
}

// Run consumes until ctx ends. It returns nil on cancellation.
func (p *Pool) Run(ctx context.Context) error {
	if p.Log == nil {
		p.Log = slog.Default()
	}
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	messages, err := p.Queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for msg := range messages {
				res, err := p.Handle(gctx, msg)
				p.Metrics.ObserveIntake(msg.Type, err == nil)
				if err != nil {
					p.Log.WarnContext(gctx, "claim message dropped", "type", msg.Type, "err", err)
					continue
				}
				p.Log.DebugContext(gctx, "claim message handled", "type", msg.Type, "result", res.Outcome, "reason", res.Reason)
			}
			return nil
		})
	}
	p.Log.InfoContext(ctx, "claim intake started", "workers", workers)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle decodes and submits one message.
func (p *Pool) Handle(ctx context.Context, msg queue.Message) (verify.Result, error) {
	switch msg.Type {
	case queue.TypeQRClaim:
		var m QRMessage
		if err := msg.Decode(&m); err != nil {
			return verify.Result{}, err
		}
		return p.Submitter.SubmitClaim(ctx, verify.QRClaim{
			Token:       m.Token,
			StudentID:   m.StudentID,
			PresentedAt: m.PresentedAt,
		}), nil
	case queue.TypeFaceClaim:
		var m FaceMessage
		if err := msg.Decode(&m); err != nil {
			return verify.Result{}, err
		}
		if m.ImageURL != "" {
			return p.Submitter.SubmitCapture(ctx, verify.Capture{
				SessionID:  m.SessionID,
				StudentID:  m.StudentID,
				ImageURL:   m.ImageURL,
				CapturedAt: m.CapturedAt,
			}), nil
		}
		return p.Submitter.SubmitClaim(ctx, verify.FaceClaim{
			SessionID:  m.SessionID,
			StudentID:  m.StudentID,
			Confidence: m.Confidence,
			CapturedAt: m.CapturedAt,
		}), nil
	}
	return verify.Result{}, fmt.Errorf("unsupported message type %q", msg.Type)
}
