// Package cloudinary uploads face captures so the face service can fetch them by URL.
package cloudinary

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.cloudinary.com/v1_1"

// ErrEmptyImage is returned when a capture carries no image data.
var ErrEmptyImage = errors.New("cloudinary: empty image")

// APIError is a non-2xx answer from the upload API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloudinary: upload rejected (%d): %s", e.Status, e.Message)
}

// Capture identifies whose face an image is and in which session it was taken.
type Capture struct {
	SessionID string
	StudentID string
	TakenAt   time.Time
}

// publicID names the stored image <session>/<student>-<unix>, so captures of one session share a prefix.
func (c Capture) publicID() string {
	if c.SessionID == "" || c.StudentID == "" {
		return ""
	}
	return fmt.Sprintf("%s/%s-%d", c.SessionID, c.StudentID, c.TakenAt.Unix())
}

// Client uploads images to Cloudinary using their REST API.
type Client struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	BaseURL   string
	HTTP      *http.Client
	now       func() time.Time
}

// New creates a Cloudinary client.
func New(cloudName, apiKey, apiSecret, folder string) *Client {
	return &Client{
		CloudName: cloudName,
		APIKey:    apiKey,
		APISecret: apiSecret,
		Folder:    folder,
		BaseURL:   defaultBaseURL,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}
}

// UploadResult holds the response from Cloudinary after a successful upload.
type UploadResult struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Format    string `json:"format"`
	Bytes     int    `json:"bytes"`
}

// UploadCapture stores a capture. data may be a data URL ("data:image/jpeg;base64,...") or bare base64.
func (c *Client) UploadCapture(ctx context.Context, capture Capture, data string) (*UploadResult, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, ErrEmptyImage
	}
	if !strings.HasPrefix(data, "data:") {
		data = "data:image/jpeg;base64," + data
	}
	if capture.TakenAt.IsZero() {
		capture.TakenAt = c.now()
	}

	params := map[string]string{
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
		"folder":    c.Folder,
		"public_id": capture.publicID(),
	}
	if capture.SessionID != "" {
		params["tags"] = "session:" + capture.SessionID
	}
	params["signature"] = c.sign(params)
	params["api_key"] = c.APIKey

	var out UploadResult
	if err := c.postForm(ctx, params, data, &out); err != nil {
		return nil, err
	}
	if out.SecureURL == "" {
		return nil, errors.New("cloudinary: response carried no url")
	}
	return &out, nil
}

func (c *Client) postForm(ctx context.Context, params map[string]string, file string, out any) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range params {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return fmt.Errorf("cloudinary: build form: %w", err)
		}
	}
	if err := w.WriteField("file", file); err != nil {
		return fmt.Errorf("cloudinary: build form: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("cloudinary: build form: %w", err)
	}

	url := fmt.Sprintf("%s/%s/image/upload", strings.TrimRight(c.BaseURL, "/"), c.CloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("cloudinary: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("cloudinary: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("cloudinary: decode response: %w", err)
	}
	return nil
}

// errorMessage extracts {"error":{"message":...}} and falls back to the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return strings.TrimSpace(string(body))
}

// sign computes the upload signature: the sorted, non-empty signed params joined with & plus the secret.
func (c *Client) sign(params map[string]string) string {
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		switch k {
		case "api_key", "file", "resource_type", "signature":
			continue
		}
		if v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)

	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + c.APISecret))
	return hex.EncodeToString(sum[:])
}
