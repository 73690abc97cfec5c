package roomaccess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// LockState is the door's lock position.
type LockState string

const (
	Locked   LockState = "locked"
	Unlocked LockState = "unlocked"
	// Unknown is the belief before the first confirmed command.
	Unknown LockState = "unknown"
)

// Actuator drives one physical door. Implementations may fail or time out at any call.
type Actuator interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	Status(ctx context.Context) (LockState, error)
}

// ActuatorFor resolves the actuator of a room.
type ActuatorFor func(roomID string) Actuator

// SimulatedDoor is an in-memory door used when no relay gateway is configured.
type SimulatedDoor struct {
	mu       sync.Mutex
	state    LockState
	failNext int
	delay    time.Duration
	commands []LockState
}

// NewSimulatedDoor returns a locked simulated door.
func NewSimulatedDoor() *SimulatedDoor { return &SimulatedDoor{state: Locked} }

// FailNext makes the next n commands fail.
func (d *SimulatedDoor) FailNext(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

// SetDelay makes every command take at least delay.
func (d *SimulatedDoor) SetDelay(delay time.Duration) {
	d.mu.Lock()
	d.delay = delay
	d.mu.Unlock()
}

// Commands returns every command received, including failed ones.
func (d *SimulatedDoor) Commands() []LockState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]LockState(nil), d.commands...)
}

func (d *SimulatedDoor) apply(ctx context.Context, want LockState) error {
	d.mu.Lock()
	d.commands = append(d.commands, want)
	delay := d.delay
	fail := d.failNext > 0
	if fail {
		d.failNext--
	}
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.New("simulated relay fault")
	}
	d.mu.Lock()
	d.state = want
	d.mu.Unlock()
	return nil
}

// Lock implements Actuator.
func (d *SimulatedDoor) Lock(ctx context.Context) error { return d.apply(ctx, Locked) }

// Unlock implements Actuator.
func (d *SimulatedDoor) Unlock(ctx context.Context) error { return d.apply(ctx, Unlocked) }

// Status implements Actuator.
func (d *SimulatedDoor) Status(context.Context) (LockState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state, nil
}

// SimulatedDoors hands out one SimulatedDoor per room.
type SimulatedDoors struct {
	mu    sync.Mutex
	doors map[string]*SimulatedDoor
}

// NewSimulatedDoors creates an empty bank.
func NewSimulatedDoors() *SimulatedDoors {
	return &SimulatedDoors{doors: make(map[string]*SimulatedDoor)}
}

// Door returns the simulated door of roomID, creating it on first use.
func (b *SimulatedDoors) Door(roomID string) *SimulatedDoor {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.doors[roomID]
	if !ok {
		d = NewSimulatedDoor()
		b.doors[roomID] = d
	}
	return d
}

// For adapts the bank to ActuatorFor.
func (b *SimulatedDoors) For(roomID string) Actuator { return b.Door(roomID) }

// HTTPDoor talks to a relay gateway exposing /doors/{room}/lock, /unlock and /status.
type HTTPDoor struct {
	BaseURL string
	RoomID  string
	HTTP    *http.Client
}

// NewHTTPDoors returns an ActuatorFor backed by the relay gateway at baseURL.
func NewHTTPDoors(baseURL string, client *http.Client) ActuatorFor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := strings.TrimRight(baseURL, "/")
	return func(roomID string) Actuator {
		return &HTTPDoor{BaseURL: base, RoomID: roomID, HTTP: client}
	}
}

func (d *HTTPDoor) endpoint(action string) string {
	return fmt.Sprintf("%s/doors/%s/%s", d.BaseURL, url.PathEscape(d.RoomID), action)
}

func (d *HTTPDoor) command(ctx context.Context, action string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint(action), nil)
	if err != nil {
		return err
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("door gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("door gateway error %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// Lock implements Actuator.
func (d *HTTPDoor) Lock(ctx context.Context) error { return d.command(ctx, "lock") }

// Unlock implements Actuator.
func (d *HTTPDoor) Unlock(ctx context.Context) error { return d.command(ctx, "unlock") }

// Status implements Actuator.
func (d *HTTPDoor) Status(ctx context.Context) (LockState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint("status"), nil)
	if err != nil {
		return Unknown, err
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return Unknown, fmt.Errorf("door gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Unknown, fmt.Errorf("door gateway error %s", resp.Status)
	}
	var out struct {
		State LockState `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Unknown, fmt.Errorf("failed to decode status: %w", err)
	}
	switch out.State {
	case Locked, Unlocked:
		return out.State, nil
	}
	return Unknown, fmt.Errorf("unexpected door state %q", out.State)
}
