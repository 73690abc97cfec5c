package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"QR_WINDOW_DEFAULT", "FACE_THRESHOLD", "CLAIM_WORKERS", "FACE_SKIP", "QUEUE_BACKEND"} {
		t.Setenv(k, "")
	}
	cfg := Load()
	if cfg.QRWindowDefault != 5*time.Minute || cfg.QRWindowMin != 3*time.Minute || cfg.QRWindowMax != 10*time.Minute {
		t.Fatalf("windows=%s %s %s", cfg.QRWindowDefault, cfg.QRWindowMin, cfg.QRWindowMax)
	}
	if cfg.FaceThreshold != 0.85 || cfg.LateAfter != 15*time.Minute || !cfg.FaceSkip {
		t.Fatalf("cfg=%+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("QR_WINDOW_DEFAULT", "7m")
	t.Setenv("FACE_THRESHOLD", "0.9")
	t.Setenv("CLAIM_WORKERS", "12")
	t.Setenv("FACE_SKIP", "false")
	t.Setenv("ACTUATOR_TIMEOUT", "not-a-duration")

	cfg := Load()
	if cfg.QRWindowDefault != 7*time.Minute || cfg.FaceThreshold != 0.9 || cfg.ClaimWorkers != 12 || cfg.FaceSkip {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.ActuatorTimeout != 3*time.Second {
		t.Fatalf("bad duration should fall back, got %s", cfg.ActuatorTimeout)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		edit func(a *App)
		want string
	}{
		{"window default above max", func(a *App) { a.QRWindowDefault = time.Hour }, "QR_WINDOW_DEFAULT"},
		{"inverted bounds", func(a *App) { a.QRWindowMin, a.QRWindowMax = 10*time.Minute, 3*time.Minute }, "bounds"},
		{"threshold zero", func(a *App) { a.FaceThreshold = 0 }, "FACE_THRESHOLD"},
		{"short qr key", func(a *App) { a.QRSigningKey = "short" }, "QR_SIGNING_KEY"},
		{"no workers", func(a *App) { a.ClaimWorkers = 0 }, "CLAIM_WORKERS"},
		{"queue backend", func(a *App) { a.QueueBackend = "kafka" }, "QUEUE_BACKEND"},
		{"archive driver", func(a *App) { a.ArchiveDriver = "mysql" }, "ARCHIVE_DRIVER"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := Load()
			a.QueueBackend = "memory"
			tc.edit(&a)
			err := a.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("HTTP_PORT=9999\nAPP_ENV=staging\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("HTTP_PORT", "8081")
	t.Setenv("APP_ENV", "")
	os.Unsetenv("APP_ENV")

	LoadDotEnv(path, filepath.Join(dir, "missing.env"))
	t.Cleanup(func() { os.Unsetenv("APP_ENV") })

	cfg := Load()
	if cfg.HTTPPort != "8081" || cfg.Env != "staging" {
		t.Fatalf("port=%s env=%s", cfg.HTTPPort, cfg.Env)
	}
}

func TestReloadDotEnv_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reload.env")
	if err := os.WriteFile(path, []byte("QR_SIGNING_KEY=rotated-key-0123456789abcdef\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("QR_SIGNING_KEY", "previous-key-0123456789abcdef")

	if err := ReloadDotEnv(path); err != nil {
		t.Fatalf("ReloadDotEnv: %v", err)
	}
	if got := os.Getenv("QR_SIGNING_KEY"); got != "rotated-key-0123456789abcdef" {
		t.Fatalf("key=%q", got)
	}
	if err := ReloadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file err=%v", err)
	}
}

func TestLoad_AllowOrigins(t *testing.T) {
	t.Setenv("CORS_ALLOW_ORIGINS", " https://a.example , ,https://b.example")
	got := Load().AllowOrigins
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Fatalf("origins=%v", got)
	}
}

func TestArchiveDSN(t *testing.T) {
	a := App{ArchiveDriver: "sqlite", SQLitePath: "data/a.db", DatabaseURL: "postgres://x"}
	if a.ArchiveDSN() != "data/a.db" {
		t.Fatalf("sqlite dsn=%q", a.ArchiveDSN())
	}
	a.ArchiveDriver = "postgres"
	if a.ArchiveDSN() != "postgres://x" {
		t.Fatalf("postgres dsn=%q", a.ArchiveDSN())
	}
}
