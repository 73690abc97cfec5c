// Package attendance archives closed sessions and the audit trail in Postgres or SQLite.
package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"attendance-engine/internal/audit"
	"attendance-engine/internal/session"
	"attendance-engine/internal/store"
)

// The schema is shared; only the timestamp and document column types differ.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS archived_sessions (
	id              TEXT PRIMARY KEY,
	class_id        TEXT NOT NULL,
	room_id         TEXT NOT NULL,
	lecturer_id     TEXT NOT NULL DEFAULT '',
	method          TEXT NOT NULL,
	scheduled_start %[1]s NOT NULL,
	scheduled_end   %[1]s NOT NULL,
	opened_at       %[1]s NOT NULL,
	closed_at       %[1]s NOT NULL,
	archived_at     %[1]s NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS attendance_records (
	session_id  TEXT NOT NULL REFERENCES archived_sessions(id) ON DELETE CASCADE,
	student_id  TEXT NOT NULL,
	method      TEXT NOT NULL,
	status      TEXT NOT NULL,
	recorded_at %[1]s NOT NULL,
	confidence  DOUBLE PRECISION,
	late        BOOLEAN NOT NULL DEFAULT FALSE,
	decided_by  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, student_id)
);
CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	at         %[1]s NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	student_id TEXT NOT NULL DEFAULT '',
	room_id    TEXT NOT NULL DEFAULT '',
	actor      TEXT NOT NULL DEFAULT '',
	detail     %[2]s NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS audit_log_session_idx ON audit_log (session_id, at);
`

// ArchivedSession is a closed session with its frozen roster.
type ArchivedSession struct {
	ID             string           `json:"id"`
	ClassID        string           `json:"class_id"`
	RoomID         string           `json:"room_id"`
	LecturerID     string           `json:"lecturer_id,omitempty"`
	Method         session.Method   `json:"method"`
	ScheduledStart time.Time        `json:"scheduled_start"`
	ScheduledEnd   time.Time        `json:"scheduled_end"`
	OpenedAt       time.Time        `json:"opened_at"`
	ClosedAt       time.Time        `json:"closed_at"`
	Roster         []session.Record `json:"roster"`
}

// FromSession snapshots a closed session for archival.
func FromSession(s session.Session, roster []session.Record) (ArchivedSession, error) {
	if s.Status != session.StatusClosed || s.ClosedAt == nil {
		return ArchivedSession{}, fmt.Errorf("session %s is not closed", s.ID)
	}
	return ArchivedSession{
		ID:             s.ID,
		ClassID:        s.ClassID,
		RoomID:         s.RoomID,
		LecturerID:     s.LecturerID,
		Method:         s.Method,
		ScheduledStart: s.ScheduledStart,
		ScheduledEnd:   s.ScheduledEnd,
		OpenedAt:       s.OpenedAt,
		ClosedAt:       *s.ClosedAt,
		Roster:         roster,
	}, nil
}

func schemaFor(driver string) string {
	if driver == store.DriverSQLite {
		// go-sqlite3 only maps TIMESTAMP declared columns back to time.Time.
		return fmt.Sprintf(schemaTemplate, "TIMESTAMP", "TEXT")
	}
	return fmt.Sprintf(schemaTemplate, "TIMESTAMPTZ", "JSONB")
}

// Repository persists archived attendance data.
type Repository struct {
	db     *sql.DB
	schema string
}

// NewRepository creates a Postgres repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, schema: schemaFor(store.DriverPostgres)}
}

// Open creates a repo speaking the dialect of db.
func Open(db *store.DB) *Repository {
	return &Repository{db: db.Client, schema: schemaFor(db.Driver)}
}

// EnsureSchema creates the archive tables when they are missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, r.schema)
	return err
}

// SaveSession stores a session and its roster in one transaction. Saving the same session
// twice leaves the first copy in place.
func (r *Repository) SaveSession(ctx context.Context, a ArchivedSession) error {
	if a.ID == "" {
		return errors.New("session id required")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO archived_sessions (id, class_id, room_id, lecturer_id, method, scheduled_start, scheduled_end, opened_at, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.ClassID, a.RoomID, a.LecturerID, string(a.Method), a.ScheduledStart, a.ScheduledEnd, a.OpenedAt, a.ClosedAt); err != nil {
		return fmt.Errorf("insert session %s: %w", a.ID, err)
	}

	for _, rec := range a.Roster {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_records (session_id, student_id, method, status, recorded_at, confidence, late, decided_by)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (session_id, student_id) DO NOTHING
		`, a.ID, rec.StudentID, string(rec.Method), string(rec.Status), rec.Timestamp, rec.Confidence, rec.Late, rec.DecidedBy); err != nil {
			return fmt.Errorf("insert record %s/%s: %w", a.ID, rec.StudentID, err)
		}
	}
	return tx.Commit()
}

// SaveAudit appends an audit entry. Duplicate ids are ignored.
func (r *Repository) SaveAudit(ctx context.Context, e audit.Entry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return err
	}
	if e.Detail == nil {
		detail = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, kind, at, session_id, student_id, room_id, actor, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, string(e.Kind), e.At, e.SessionID, e.StudentID, e.RoomID, e.Actor, detail)
	return err
}

// ArchivedRoster returns the stored records of a session ordered by time.
func (r *Repository) ArchivedRoster(ctx context.Context, sessionID string) ([]session.Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id, method, status, recorded_at, confidence, late, decided_by
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY recorded_at, student_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		var (
			rec        session.Record
			method     string
			status     string
			confidence sql.NullFloat64
		)
		if err := rows.Scan(&rec.StudentID, &method, &status, &rec.Timestamp, &confidence, &rec.Late, &rec.DecidedBy); err != nil {
			return nil, err
		}
		rec.Method = session.Method(method)
		rec.Status = session.RecordStatus(status)
		if confidence.Valid {
			c := confidence.Float64
			rec.Confidence = &c
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AuditTrail returns the audit entries of a session ordered by time.
func (r *Repository) AuditTrail(ctx context.Context, sessionID string) ([]audit.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, at, session_id, student_id, room_id, actor, detail
		FROM audit_log
		WHERE session_id = $1
		ORDER BY at, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e      audit.Entry
			kind   string
			detail []byte
		)
		if err := rows.Scan(&e.ID, &kind, &e.At, &e.SessionID, &e.StudentID, &e.RoomID, &e.Actor, &detail); err != nil {
			return nil, err
		}
		e.Kind = audit.Kind(kind)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
