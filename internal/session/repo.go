package session

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"scriptcustody/internal/fault"
	"scriptcustody/internal/geo"
)

// Repository persists sessions and rosters in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new session in NOT_STARTED.
func (r *Repository) Create(ctx context.Context, s ExamSession) (ExamSession, error) {
	if err := s.Validate(); err != nil {
		return ExamSession{}, err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StatusNotStarted
	}
	var lat, lng any
	if s.VenueAnchor != nil {
		lat, lng = s.VenueAnchor.Lat, s.VenueAnchor.Lng
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO exam_sessions
			(id, batch_code, course_code, venue, venue_lat, venue_lng, lecturer_id, origin_handler_id, status, expected_student_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at
	`, s.ID, s.BatchCode, s.CourseCode, s.Venue, lat, lng, s.LecturerID, s.OriginHandlerID, s.Status, s.ExpectedStudentCount)
	if err := row.Scan(&s.CreatedAt); err != nil {
		return ExamSession{}, err
	}
	return s, nil
}

// Get returns a session by id, nil when absent.
func (r *Repository) Get(ctx context.Context, id string) (*ExamSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, batch_code, course_code, venue, venue_lat, venue_lng,
		       lecturer_id, origin_handler_id, status, expected_student_count, created_at
		FROM exam_sessions WHERE id = $1
	`, id)
	return scanSession(row)
}

// GetByBatchCode resolves the session carrying a batch code.
func (r *Repository) GetByBatchCode(ctx context.Context, code string) (*ExamSession, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, batch_code, course_code, venue, venue_lat, venue_lng,
		       lecturer_id, origin_handler_id, status, expected_student_count, created_at
		FROM exam_sessions WHERE batch_code = $1
	`, code)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*ExamSession, error) {
	var s ExamSession
	var lat, lng sql.NullFloat64
	err := row.Scan(&s.ID, &s.BatchCode, &s.CourseCode, &s.Venue, &lat, &lng,
		&s.LecturerID, &s.OriginHandlerID, &s.Status, &s.ExpectedStudentCount, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lat.Valid && lng.Valid {
		s.VenueAnchor = &geo.Point{Lat: lat.Float64, Lng: lng.Float64}
	}
	return &s, nil
}

// SetStatus writes a lifecycle status from a handler or lecturer action.
func (r *Repository) SetStatus(ctx context.Context, id, status string) error {
	if !ValidStatus(status) {
		return fault.New(fault.Validation, fault.CodeBadInput, "unknown status %q", status)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE exam_sessions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, fault.CodeNotFound, "session %s not found", id)
	}
	return nil
}

// UpsertRoster replaces the expected-student roster for a session.
func (r *Repository) UpsertRoster(ctx context.Context, sessionID string, entries []RosterEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_roster WHERE session_id = $1`, sessionID); err != nil {
		return err
	}
	for _, e := range entries {
		if e.StudentID == "" {
			return fault.New(fault.Validation, fault.CodeBadInput, "roster entry missing student id")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_roster (session_id, student_id, index_number)
			VALUES ($1,$2,$3)
			ON CONFLICT (session_id, student_id) DO UPDATE SET index_number = EXCLUDED.index_number
		`, sessionID, e.StudentID, e.IndexNumber); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE exam_sessions SET expected_student_count = $2 WHERE id = $1
	`, sessionID, len(entries)); err != nil {
		return err
	}
	return tx.Commit()
}

// OnRoster reports whether a student id is expected in the session.
func (r *Repository) OnRoster(ctx context.Context, sessionID, studentID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM session_roster WHERE session_id = $1 AND student_id = $2)
	`, sessionID, studentID).Scan(&exists)
	return exists, err
}

// ResolveIndexNumber maps a roster index number to a student id.
// Empty result means the index number is not on the roster.
func (r *Repository) ResolveIndexNumber(ctx context.Context, sessionID, indexNumber string) (string, error) {
	var studentID string
	err := r.db.QueryRowContext(ctx, `
		SELECT student_id FROM session_roster WHERE session_id = $1 AND index_number = $2
	`, sessionID, indexNumber).Scan(&studentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return studentID, err
}
