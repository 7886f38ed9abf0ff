package link

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"scriptcustody/internal/attendance"
	"scriptcustody/internal/fault"
	"scriptcustody/internal/geo"
)

// Token alphabet avoids confusable characters; tokens are meant to be
// read out and typed on a phone.
const tokenAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const maxTokenAttempts = 5

// Link is a short-lived self-mark attendance token. The token value is
// immutable once created.
type Link struct {
	ID               string     `json:"id"`
	Token            string     `json:"token"`
	SessionID        string     `json:"session_id"`
	CreatedBy        string     `json:"created_by"`
	ExpiresAt        time.Time  `json:"expires_at"`
	MaxUses          *int       `json:"max_uses,omitempty"`
	UsesCount        int        `json:"uses_count"`
	Fence            *geo.Fence `json:"geofence,omitempty"`
	RequiresLocation bool       `json:"requires_location"`
	IsActive         bool       `json:"is_active"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Store is the persistence surface for links. ConsumeUse must be atomic:
// it increments uses_count only while the link is active, unexpired, and
// under its use cap.
type Store interface {
	Insert(ctx context.Context, l Link) (Link, error)
	ByToken(ctx context.Context, token string) (*Link, error)
	ActiveTokenExists(ctx context.Context, sessionID, token string) (bool, error)
	CountActive(ctx context.Context, sessionID string, now time.Time) (int, error)
	ConsumeUse(ctx context.Context, token string, now time.Time) (*Link, error)
	RefundUse(ctx context.Context, token string) error
	Deactivate(ctx context.Context, token string) (bool, error)
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// Locker serializes redemptions per token. TryLock returning ok=false
// means another redemption holds the token right now.
type Locker interface {
	TryLock(ctx context.Context, token string) (release func(), ok bool, err error)
}

// Marker feeds successful redemptions into the attendance machine.
type Marker interface {
	RecordEntry(ctx context.Context, sessionID, studentID, method string, confidence *int) (attendance.EntryResult, error)
}

// GenerateParams are the handler-supplied link settings.
type GenerateParams struct {
	SessionID        string     `json:"session_id"`
	CreatedBy        string     `json:"created_by"`
	ExpiresInMinutes int        `json:"expires_in_minutes"`
	RequiresLocation bool       `json:"requires_location"`
	Fence            *geo.Fence `json:"geofence,omitempty"`
	MaxUses          *int       `json:"max_uses,omitempty"`
}

// GenerateResult carries the link plus a warning count of other links
// still valid for the same session. Existing links are never revoked.
type GenerateResult struct {
	Link             Link `json:"link"`
	OtherActiveLinks int  `json:"other_active_links"`
}

// Manager owns the attendance-link lifecycle.
type Manager struct {
	store  Store
	locker Locker
	marker Marker

	minTTL   time.Duration
	maxTTL   time.Duration
	tokenLen int
	now      func() time.Time
}

// NewManager builds a Manager. locker may be nil when a single instance
// runs against the database (the conditional update still serializes).
func NewManager(store Store, locker Locker, marker Marker, minTTL, maxTTL time.Duration, tokenLen int) *Manager {
	if tokenLen <= 0 {
		tokenLen = 8
	}
	if locker == nil {
		locker = noopLocker{}
	}
	return &Manager{
		store:    store,
		locker:   locker,
		marker:   marker,
		minTTL:   minTTL,
		maxTTL:   maxTTL,
		tokenLen: tokenLen,
		now:      time.Now,
	}
}

// Generate creates a new self-mark link. Out-of-range expiry is rejected,
// not clamped.
func (m *Manager) Generate(ctx context.Context, p GenerateParams) (GenerateResult, error) {
	if p.SessionID == "" || p.CreatedBy == "" {
		return GenerateResult{}, fault.New(fault.Validation, fault.CodeBadInput, "session and creator required")
	}
	ttl := time.Duration(p.ExpiresInMinutes) * time.Minute
	if ttl < m.minTTL || ttl > m.maxTTL {
		return GenerateResult{}, fault.New(fault.Validation, fault.CodeBadInput,
			"expiry %d minutes outside allowed range [%s, %s]", p.ExpiresInMinutes, m.minTTL, m.maxTTL)
	}
	if p.RequiresLocation && p.Fence == nil {
		return GenerateResult{}, fault.New(fault.Validation, fault.CodeBadInput,
			"geofence required when location is enforced")
	}
	if p.MaxUses != nil && *p.MaxUses <= 0 {
		return GenerateResult{}, fault.New(fault.Validation, fault.CodeBadInput, "max uses must be positive")
	}

	now := m.now().UTC()
	token, err := m.freshToken(ctx, p.SessionID)
	if err != nil {
		return GenerateResult{}, err
	}

	created, err := m.store.Insert(ctx, Link{
		Token:            token,
		SessionID:        p.SessionID,
		CreatedBy:        p.CreatedBy,
		ExpiresAt:        now.Add(ttl),
		MaxUses:          p.MaxUses,
		Fence:            p.Fence,
		RequiresLocation: p.RequiresLocation,
		IsActive:         true,
	})
	if err != nil {
		return GenerateResult{}, err
	}

	others, err := m.store.CountActive(ctx, p.SessionID, now)
	if err != nil {
		return GenerateResult{}, err
	}
	if others > 0 {
		others-- // exclude the link just created
	}
	return GenerateResult{Link: created, OtherActiveLinks: others}, nil
}

// Validate runs the ordered checks against a token without consuming a
// use. The returned fault carries the specific reason code.
func (m *Manager) Validate(ctx context.Context, token string, loc *geo.Point) (*Link, error) {
	l, err := m.store.ByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := m.checkLink(l, loc, m.now().UTC()); err != nil {
		return nil, err
	}
	return l, nil
}

// Redeem re-validates, atomically consumes a use, and feeds the
// attendance machine as a LINK_SELF_MARK entry. On a maxUses:1 link at
// most one concurrent redemption succeeds; losers get EXHAUSTED.
func (m *Manager) Redeem(ctx context.Context, token, studentID string, loc *geo.Point) (attendance.EntryResult, error) {
	if studentID == "" {
		return attendance.EntryResult{}, fault.New(fault.Validation, fault.CodeBadInput, "student id required")
	}

	release, ok, err := m.locker.TryLock(ctx, token)
	if err != nil {
		return attendance.EntryResult{}, err
	}
	if !ok {
		return attendance.EntryResult{}, fault.New(fault.Transient, fault.CodeUnavailable,
			"another redemption for this link is in flight; retry")
	}
	defer release()

	// Validation from a prior call is not trusted; state may have moved.
	if _, err := m.Validate(ctx, token, loc); err != nil {
		return attendance.EntryResult{}, err
	}

	now := m.now().UTC()
	consumed, err := m.store.ConsumeUse(ctx, token, now)
	if err != nil {
		return attendance.EntryResult{}, err
	}
	if consumed == nil {
		// The conditional update found no eligible row; recheck for the
		// precise reason, defaulting to the use cap.
		l, ferr := m.store.ByToken(ctx, token)
		if ferr == nil {
			if cerr := m.checkLink(l, loc, now); cerr != nil {
				return attendance.EntryResult{}, cerr
			}
		}
		return attendance.EntryResult{}, fault.New(fault.StateConflict, fault.CodeExhausted,
			"link has no remaining uses")
	}

	res, err := m.marker.RecordEntry(ctx, consumed.SessionID, studentID, attendance.MethodLinkSelf, nil)
	if err != nil {
		// The use was consumed but no attendance resulted; hand it back.
		_ = m.store.RefundUse(ctx, token)
		return attendance.EntryResult{}, err
	}
	return res, nil
}

// Revoke deactivates a link explicitly.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	found, err := m.store.Deactivate(ctx, token)
	if err != nil {
		return err
	}
	if !found {
		return fault.New(fault.NotFound, fault.CodeNotFound, "link %s not found", token)
	}
	return nil
}

// SweepExpired deactivates links past their expiry; run by the worker.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.store.DeactivateExpired(ctx, m.now().UTC())
}

// checkLink applies the ordered validation rules from the lifecycle
// contract: existence, active flag, expiry, use cap, then geofence.
func (m *Manager) checkLink(l *Link, loc *geo.Point, now time.Time) error {
	switch {
	case l == nil:
		return fault.New(fault.NotFound, fault.CodeNotFound, "link not found")
	case !l.IsActive:
		return fault.New(fault.StateConflict, fault.CodeInactive, "link has been revoked")
	case !now.Before(l.ExpiresAt):
		return fault.New(fault.StateConflict, fault.CodeExpired, "link expired at %s", l.ExpiresAt.Format(time.RFC3339))
	case l.MaxUses != nil && l.UsesCount >= *l.MaxUses:
		return fault.New(fault.StateConflict, fault.CodeExhausted, "link has no remaining uses")
	}
	if l.RequiresLocation {
		if l.Fence == nil {
			return fault.New(fault.Security, fault.CodeLocationNeeded, "link requires location but has no geofence")
		}
		res, err := geo.Check(loc, *l.Fence)
		if err != nil {
			return err
		}
		if !res.Within {
			return fault.New(fault.Security, fault.CodeOutOfRange,
				"%.0fm from venue, outside the %.0fm geofence", res.DistanceMeters, l.Fence.RadiusMeters)
		}
	}
	return nil
}

// freshToken draws random tokens until one does not collide with an
// active token for the session.
func (m *Manager) freshToken(ctx context.Context, sessionID string) (string, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := randomToken(m.tokenLen)
		if err != nil {
			return "", err
		}
		exists, err := m.store.ActiveTokenExists(ctx, sessionID, token)
		if err != nil {
			return "", err
		}
		if !exists {
			return token, nil
		}
	}
	return "", fault.New(fault.Transient, fault.CodeUnavailable, "token space congested; retry")
}

func randomToken(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fault.Wrap(fault.External, fault.CodeUnavailable, err, "token generation failed")
		}
		out[i] = tokenAlphabet[n.Int64()]
	}
	return string(out), nil
}

type noopLocker struct{}

func (noopLocker) TryLock(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}
