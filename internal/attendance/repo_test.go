package attendance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"attendance-engine/internal/audit"
	"attendance-engine/internal/session"
	"attendance-engine/internal/store"
)

func TestRepository_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer db.Close()
	exerciseRepository(t, Open(db), "sess-sqlite")
}

// Enabled when ATTENDANCE_DATABASE_URL is set.
func TestRepository_Postgres(t *testing.T) {
	url := os.Getenv("ATTENDANCE_DATABASE_URL")
	if url == "" {
		t.Skip("ATTENDANCE_DATABASE_URL is not set; skipping Postgres integration test")
	}
	ctx := context.Background()
	db, err := store.NewDB(ctx, url)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	id := "it-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() {
		_, _ = db.Client.ExecContext(ctx, `DELETE FROM archived_sessions WHERE id = $1`, id)
		_, _ = db.Client.ExecContext(ctx, `DELETE FROM audit_log WHERE session_id = $1`, id)
	})
	exerciseRepository(t, NewRepository(db.Client), id)
}

func exerciseRepository(t *testing.T, repo *Repository, id string) {
	t.Helper()
	ctx := context.Background()
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema twice: %v", err)
	}

	sess, roster := closedSession()
	sess.ID = id
	a, err := FromSession(sess, roster)
	if err != nil {
		t.Fatalf("FromSession: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := repo.SaveSession(ctx, a); err != nil {
			t.Fatalf("SaveSession #%d: %v", i+1, err)
		}
	}
	got, err := repo.ArchivedRoster(ctx, a.ID)
	if err != nil {
		t.Fatalf("ArchivedRoster: %v", err)
	}
	if len(got) != 2 || got[0].StudentID != "s-1" || got[1].Confidence == nil || !got[1].Late {
		t.Fatalf("roster=%+v", got)
	}
	if got[0].Status != session.RecordPresent || !got[0].Timestamp.Equal(roster[0].Timestamp) {
		t.Fatalf("first record=%+v", got[0])
	}

	e := audit.NewEntry(audit.KindManualOverride, time.Now())
	e.SessionID = a.ID
	e.Detail = map[string]string{"previous_status": "present", "next_status": "rejected"}
	if err := repo.SaveAudit(ctx, e); err != nil {
		t.Fatalf("SaveAudit: %v", err)
	}
	if err := repo.SaveAudit(ctx, e); err != nil {
		t.Fatalf("SaveAudit again: %v", err)
	}
	trail, err := repo.AuditTrail(ctx, a.ID)
	if err != nil {
		t.Fatalf("AuditTrail: %v", err)
	}
	if len(trail) != 1 || trail[0].Detail["next_status"] != "rejected" {
		t.Fatalf("trail=%+v", trail)
	}

	if err := repo.SaveSession(ctx, ArchivedSession{}); err == nil {
		t.Fatalf("expected error for empty id")
	}
}
