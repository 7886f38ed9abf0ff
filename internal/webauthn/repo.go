package webauthn

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Credential is an enrolled platform-authenticator key pair. Rows are
// read-only after insert; re-enrollment adds a new row.
type Credential struct {
	ID           string    `json:"id"`
	StudentID    string    `json:"student_id"`
	CredentialID string    `json:"credential_id"`
	PublicKey    string    `json:"public_key,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	Confidence   int       `json:"confidence"`
	EnrolledAt   time.Time `json:"enrolled_at"`
}

// CredentialStore persists biometric credentials.
type CredentialStore interface {
	Insert(ctx context.Context, cred Credential) (Credential, error)
	ByStudent(ctx context.Context, studentID string) ([]Credential, error)
	ByCredentialID(ctx context.Context, credentialID string) (*Credential, error)
}

// Repository is the Postgres credential store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes a new credential row.
func (r *Repository) Insert(ctx context.Context, cred Credential) (Credential, error) {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO biometric_credentials (id, student_id, credential_id, public_key, device_id, confidence)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING enrolled_at
	`, cred.ID, cred.StudentID, cred.CredentialID, cred.PublicKey, cred.DeviceID, cred.Confidence)
	if err := row.Scan(&cred.EnrolledAt); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// ByStudent lists a student's credentials, newest first.
func (r *Repository) ByStudent(ctx context.Context, studentID string) ([]Credential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, credential_id, public_key, device_id, confidence, enrolled_at
		FROM biometric_credentials
		WHERE student_id = $1
		ORDER BY enrolled_at DESC
	`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var creds []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.StudentID, &c.CredentialID, &c.PublicKey, &c.DeviceID, &c.Confidence, &c.EnrolledAt); err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// ByCredentialID fetches a single credential, nil when absent.
func (r *Repository) ByCredentialID(ctx context.Context, credentialID string) (*Credential, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, credential_id, public_key, device_id, confidence, enrolled_at
		FROM biometric_credentials WHERE credential_id = $1
	`, credentialID)
	var c Credential
	if err := row.Scan(&c.ID, &c.StudentID, &c.CredentialID, &c.PublicKey, &c.DeviceID, &c.Confidence, &c.EnrolledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}
