package link

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"scriptcustody/internal/geo"
)

// Repository is the Postgres link store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const linkColumns = `id, token, session_id, created_by, expires_at, max_uses, uses_count,
	fence_lat, fence_lng, fence_radius_m, requires_location, is_active, created_at`

func scanLink(row interface{ Scan(...any) error }) (Link, error) {
	var l Link
	var maxUses sql.NullInt64
	var lat, lng, radius sql.NullFloat64
	err := row.Scan(&l.ID, &l.Token, &l.SessionID, &l.CreatedBy, &l.ExpiresAt, &maxUses,
		&l.UsesCount, &lat, &lng, &radius, &l.RequiresLocation, &l.IsActive, &l.CreatedAt)
	if err != nil {
		return Link{}, err
	}
	if maxUses.Valid {
		v := int(maxUses.Int64)
		l.MaxUses = &v
	}
	if lat.Valid && lng.Valid && radius.Valid {
		l.Fence = &geo.Fence{
			Center:       geo.Point{Lat: lat.Float64, Lng: lng.Float64},
			RadiusMeters: radius.Float64,
		}
	}
	return l, nil
}

// Insert writes a new link.
func (r *Repository) Insert(ctx context.Context, l Link) (Link, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	var maxUses any
	if l.MaxUses != nil {
		maxUses = *l.MaxUses
	}
	var lat, lng, radius any
	if l.Fence != nil {
		lat, lng, radius = l.Fence.Center.Lat, l.Fence.Center.Lng, l.Fence.RadiusMeters
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_links
			(id, token, session_id, created_by, expires_at, max_uses, fence_lat, fence_lng, fence_radius_m, requires_location, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at
	`, l.ID, l.Token, l.SessionID, l.CreatedBy, l.ExpiresAt, maxUses, lat, lng, radius, l.RequiresLocation, l.IsActive)
	if err := row.Scan(&l.CreatedAt); err != nil {
		return Link{}, err
	}
	return l, nil
}

// ByToken returns a link by token, nil when absent.
func (r *Repository) ByToken(ctx context.Context, token string) (*Link, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+` FROM attendance_links WHERE token = $1
	`, token)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ActiveTokenExists reports whether an active link in the session
// already carries the token.
func (r *Repository) ActiveTokenExists(ctx context.Context, sessionID, token string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_links
			WHERE session_id = $1 AND token = $2 AND is_active
		)
	`, sessionID, token).Scan(&exists)
	return exists, err
}

// CountActive counts unexpired active links for a session.
func (r *Repository) CountActive(ctx context.Context, sessionID string, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attendance_links
		WHERE session_id = $1 AND is_active AND expires_at > $2
	`, sessionID, now).Scan(&n)
	return n, err
}

// ConsumeUse atomically increments uses_count while the link remains
// eligible. Returns nil when no eligible row matched.
func (r *Repository) ConsumeUse(ctx context.Context, token string, now time.Time) (*Link, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_links
		SET uses_count = uses_count + 1
		WHERE token = $1
		  AND is_active
		  AND expires_at > $2
		  AND (max_uses IS NULL OR uses_count < max_uses)
		RETURNING `+linkColumns+`
	`, token, now)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// RefundUse hands back a consumed use after a downstream rejection.
func (r *Repository) RefundUse(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_links
		SET uses_count = uses_count - 1
		WHERE token = $1 AND uses_count > 0
	`, token)
	return err
}

// Deactivate revokes a link. Returns false when the token is unknown.
func (r *Repository) Deactivate(ctx context.Context, token string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_links SET is_active = FALSE WHERE token = $1
	`, token)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeactivateExpired sweeps links past expiry.
func (r *Repository) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_links SET is_active = FALSE
		WHERE is_active AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
