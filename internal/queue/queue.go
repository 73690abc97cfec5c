package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Message types carried between the engine, the camera pipeline and the archive worker.
const (
	TypeFaceClaim     = "claim.face"
	TypeQRClaim       = "claim.qr"
	TypeRosterArchive = "roster.archive"
	TypeAudit         = "audit.entry"
)

// Redis list keys. Claims are consumed by the engine, archive and audit messages by the worker.
const (
	KeyClaims  = "attendance:claims"
	KeyArchive = "attendance:archive"
)

// Message is the envelope on every queue. Body stays raw JSON so producers outside this
// module (scanner bridge, camera pipeline) can write it by hand.
type Message struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

// ParseMessage decodes a wire envelope, rejecting ones without a type or body.
func ParseMessage(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("parse envelope: %w", err)
	}
	if msg.Type == "" {
		return Message{}, errors.New("parse envelope: missing type")
	}
	if len(msg.Body) == 0 || string(msg.Body) == "null" {
		return Message{}, fmt.Errorf("parse envelope %s: missing body", msg.Type)
	}
	return msg, nil
}

// NewMessage builds a message whose body is the JSON encoding of v.
func NewMessage(typ string, v any) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", typ, err)
	}
	return Message{Type: typ, Body: body}, nil
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a channel-backed queue for single-process deployments and tests.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message. It only waits on ctx when the buffer is full.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers. It is closed when ctx ends.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
