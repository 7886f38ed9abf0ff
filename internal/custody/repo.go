package custody

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the Postgres transfer store. The partial unique index on
// (batch_id) WHERE status='PENDING' backs the one-in-flight invariant.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const transferColumns = `id, batch_id, from_handler_id, to_handler_id, scripts_expected,
	scripts_received, status, location, resolution_notes, initiated_at, responded_at`

func scanTransfer(row interface{ Scan(...any) error }) (Transfer, error) {
	var t Transfer
	err := row.Scan(&t.ID, &t.BatchID, &t.FromHandlerID, &t.ToHandlerID, &t.ScriptsExpected,
		&t.ScriptsReceived, &t.Status, &t.Location, &t.ResolutionNotes, &t.InitiatedAt, &t.RespondedAt)
	return t, err
}

// InsertPending creates the transfer unless the batch already has one in
// flight; the bool reports whether the row was taken.
func (r *Repository) InsertPending(ctx context.Context, t Transfer) (Transfer, bool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO custody_transfers
			(id, batch_id, from_handler_id, to_handler_id, scripts_expected, status, location, initiated_at)
		VALUES ($1,$2,$3,$4,$5,'PENDING',$6,$7)
		ON CONFLICT (batch_id) WHERE status = 'PENDING' DO NOTHING
		RETURNING `+transferColumns+`
	`, t.ID, t.BatchID, t.FromHandlerID, t.ToHandlerID, t.ScriptsExpected, t.Location, t.InitiatedAt)
	inserted, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, false, nil
	}
	if err != nil {
		return Transfer{}, false, err
	}
	return inserted, true, nil
}

// Get returns a transfer by id, nil when absent.
func (r *Repository) Get(ctx context.Context, id string) (*Transfer, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM custody_transfers WHERE id = $1
	`, id)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// LatestSettled returns the newest transfer that moved custody.
func (r *Repository) LatestSettled(ctx context.Context, batchID string) (*Transfer, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM custody_transfers
		WHERE batch_id = $1 AND status IN ('CONFIRMED', 'RESOLVED')
		ORDER BY responded_at DESC NULLS LAST
		LIMIT 1
	`, batchID)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TransitionRespond applies PENDING -> {CONFIRMED, DISCREPANCY_REPORTED}.
// Returns nil when the transfer was not PENDING.
func (r *Repository) TransitionRespond(ctx context.Context, id string, received int, status string, at time.Time) (*Transfer, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE custody_transfers
		SET status = $2, scripts_received = $3, responded_at = $4
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+transferColumns+`
	`, id, status, received, at)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TransitionResolve applies DISCREPANCY_REPORTED -> RESOLVED. Returns
// nil when the transfer was in any other state.
func (r *Repository) TransitionResolve(ctx context.Context, id, notes string, at time.Time) (*Transfer, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE custody_transfers
		SET status = 'RESOLVED', resolution_notes = $2, responded_at = $3
		WHERE id = $1 AND status = 'DISCREPANCY_REPORTED'
		RETURNING `+transferColumns+`
	`, id, notes, at)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByBatch returns a batch's transfers, newest first.
func (r *Repository) ListByBatch(ctx context.Context, batchID string) ([]Transfer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transferColumns+` FROM custody_transfers
		WHERE batch_id = $1
		ORDER BY initiated_at DESC
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ts []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		ts = append(ts, t)
	}
	return ts, rows.Err()
}
