package faceclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func faceService(t *testing.T, live bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if in["user_id"] == "unknown" {
			http.Error(w, "user not enrolled", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"user_id": in["user_id"], "verified": true, "similarity": 0.91, "threshold": 0.45})
	})
	mux.HandleFunc("/liveness", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"is_live": live, "confidence": 0.3})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestMatch(t *testing.T) {
	srv := faceService(t, true)
	c := New(srv.URL+"/", false)
	ctx := context.Background()

	score, err := c.Match(ctx, "s-1", "https://cdn.example/cap.jpg")
	if err != nil || score != 0.91 {
		t.Fatalf("score=%v err=%v", score, err)
	}
	if _, err := c.Match(ctx, "unknown", "https://cdn.example/cap.jpg"); err == nil {
		t.Fatalf("expected error for unknown student")
	}
	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestMatch_RequiresLiveness(t *testing.T) {
	srv := faceService(t, false)
	c := New(srv.URL, false)
	c.RequireLiveness = true

	if _, err := c.Match(context.Background(), "s-1", "https://cdn.example/photo-of-photo.jpg"); !errors.Is(err, ErrNotLive) {
		t.Fatalf("err=%v", err)
	}
}

func TestSkipMode(t *testing.T) {
	c := New("http://127.0.0.1:1", true)
	c.SkipSimilarity = 0.5
	score, err := c.Match(context.Background(), "s-1", "")
	if err != nil || score != 0.5 {
		t.Fatalf("score=%v err=%v", score, err)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestHealth_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	if err := New(srv.URL, false).Health(context.Background()); err == nil {
		t.Fatalf("expected unhealthy error")
	}
}
