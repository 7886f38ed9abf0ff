package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance records in Postgres. Transitions rely on
// conditional writes so concurrent scans serialize at the row.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, session_id, student_id, status, entry_time, exit_time,
	submission_time, verification_method, confidence, discrepancy_note, created_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.EntryTime,
		&rec.ExitTime, &rec.SubmissionTime, &rec.VerificationMethod, &rec.Confidence,
		&rec.DiscrepancyNote, &rec.CreatedAt)
	return rec, err
}

// InsertIfAbsent creates the record unless one already exists for the
// (session, student) pair. The bool result reports whether a row was
// created; on conflict the existing row is returned untouched.
func (r *Repository) InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, session_id, student_id, status, entry_time, verification_method, confidence)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id, student_id) DO NOTHING
		RETURNING `+recordColumns+`
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.EntryTime, rec.VerificationMethod, rec.Confidence)

	inserted, err := scanRecord(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, err
	}

	existing := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records WHERE session_id = $1 AND student_id = $2
	`, rec.SessionID, rec.StudentID)
	found, err := scanRecord(existing)
	if err != nil {
		return Record{}, false, err
	}
	return found, false, nil
}

// Get returns a record by id, nil when absent.
func (r *Repository) Get(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records WHERE id = $1
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// TransitionExit applies PRESENT -> LEFT_WITHOUT_SUBMITTING, or directly
// to SUBMITTED when the exit carries a submission signal. Returns nil
// when the record was not PRESENT.
func (r *Repository) TransitionExit(ctx context.Context, id string, at time.Time, submitted bool) (*Record, error) {
	target := StatusLeft
	var submissionAt any
	if submitted {
		target = StatusSubmitted
		submissionAt = at
	}
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET status = $2, exit_time = $3, submission_time = COALESCE($4, submission_time)
		WHERE id = $1 AND status = 'PRESENT'
		RETURNING `+recordColumns+`
	`, id, target, at, submissionAt)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// TransitionSubmission applies {PRESENT, LEFT_WITHOUT_SUBMITTING} ->
// SUBMITTED. Returns nil when the record was in neither state.
func (r *Repository) TransitionSubmission(ctx context.Context, id string, at time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET status = 'SUBMITTED', submission_time = $2
		WHERE id = $1 AND status IN ('PRESENT', 'LEFT_WITHOUT_SUBMITTING')
		RETURNING `+recordColumns+`
	`, id, at)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListBySession returns a session's records ordered by entry time.
func (r *Repository) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records WHERE session_id = $1
		ORDER BY entry_time
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// InsertAudit writes one audit row; called by the worker.
func (r *Repository) InsertAudit(ctx context.Context, evt AuditEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_audit
			(id, record_id, session_id, student_id, from_status, to_status, method, confidence, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, uuid.NewString(), evt.RecordID, evt.SessionID, evt.StudentID,
		evt.FromStatus, evt.ToStatus, evt.Method, evt.Confidence, evt.At)
	return err
}
