// Package faceclient talks to the face recognition microservice that scores captures
// against enrolled students.
package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotLive is returned by Match when the capture fails the anti-spoofing check.
var ErrNotLive = errors.New("capture failed liveness check")

// FaceQuality contains face quality metrics.
type FaceQuality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	IsFrontal bool    `json:"is_frontal"`
}

// VerifyResult contains a 1:1 verification result.
type VerifyResult struct {
	UserID     string       `json:"user_id"`
	Verified   bool         `json:"verified"`
	Similarity float64      `json:"similarity"`
	Threshold  float64      `json:"threshold"`
	Quality    *FaceQuality `json:"quality"`
}

// LivenessResult contains the anti-spoofing verdict.
type LivenessResult struct {
	IsLive     bool    `json:"is_live"`
	Confidence float64 `json:"confidence"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Skip answers every call locally with SkipSimilarity.
	Skip           bool
	SkipSimilarity float64
	// RequireLiveness makes Match reject captures the service does not consider live.
	RequireLiveness bool
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		Skip:           skip,
		SkipSimilarity: 0.92,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // face processing can take time
		},
	}
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("face service error %s: %s", resp.Status, strings.TrimSpace(string(bodyBytes)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Verify performs 1:1 face verification against a specific enrolled student.
func (c *Client) Verify(ctx context.Context, userID, imageURL string) (*VerifyResult, error) {
	if c.Skip {
		return &VerifyResult{
			UserID:     userID,
			Verified:   true,
			Similarity: c.SkipSimilarity,
			Threshold:  0.45,
			Quality:    &FaceQuality{Score: 0.85, IsFrontal: true},
		}, nil
	}
	if userID == "" || imageURL == "" {
		return nil, errors.New("user id and image url required")
	}

	var out VerifyResult
	if err := c.post(ctx, "/verify", map[string]string{"user_id": userID, "image_url": imageURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Liveness checks if the face image is from a live person.
func (c *Client) Liveness(ctx context.Context, imageURL string) (*LivenessResult, error) {
	if c.Skip {
		return &LivenessResult{IsLive: true, Confidence: 0.85}, nil
	}
	var out LivenessResult
	if err := c.post(ctx, "/liveness", map[string]string{"image_url": imageURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Match returns the similarity between the capture at imageURL and studentID's enrolled face.
func (c *Client) Match(ctx context.Context, studentID, imageURL string) (float64, error) {
	if c.RequireLiveness {
		live, err := c.Liveness(ctx, imageURL)
		if err != nil {
			return 0, err
		}
		if !live.IsLive {
			return 0, fmt.Errorf("%w (confidence %.2f)", ErrNotLive, live.Confidence)
		}
	}
	res, err := c.Verify(ctx, studentID, imageURL)
	if err != nil {
		return 0, err
	}
	return res.Similarity, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}
