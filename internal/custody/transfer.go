package custody

import (
	"context"
	"time"

	"scriptcustody/internal/fault"
	"scriptcustody/internal/session"
)

// Transfer statuses: PENDING -> CONFIRMED, or
// PENDING -> DISCREPANCY_REPORTED -> RESOLVED.
const (
	StatusPending     = "PENDING"
	StatusConfirmed   = "CONFIRMED"
	StatusDiscrepancy = "DISCREPANCY_REPORTED"
	StatusResolved    = "RESOLVED"
)

// Transfer is one handoff of a script batch between handlers.
type Transfer struct {
	ID              string     `json:"id"`
	BatchID         string     `json:"batch_id"`
	FromHandlerID   string     `json:"from_handler_id"`
	ToHandlerID     string     `json:"to_handler_id"`
	ScriptsExpected int        `json:"scripts_expected"`
	ScriptsReceived *int       `json:"scripts_received,omitempty"`
	Status          string     `json:"status"`
	Location        *string    `json:"location,omitempty"`
	ResolutionNotes *string    `json:"resolution_notes,omitempty"`
	InitiatedAt     time.Time  `json:"initiated_at"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
}

// Store persists transfers. InsertPending must admit at most one PENDING
// transfer per batch; the bool result reports whether the row was taken.
type Store interface {
	InsertPending(ctx context.Context, t Transfer) (Transfer, bool, error)
	Get(ctx context.Context, id string) (*Transfer, error)
	// LatestSettled returns the newest CONFIRMED or RESOLVED transfer;
	// resolved discrepancies settle custody on the receiver too.
	LatestSettled(ctx context.Context, batchID string) (*Transfer, error)
	TransitionRespond(ctx context.Context, id string, received int, status string, at time.Time) (*Transfer, error)
	TransitionResolve(ctx context.Context, id, notes string, at time.Time) (*Transfer, error)
	ListByBatch(ctx context.Context, batchID string) ([]Transfer, error)
}

// Sessions is the slice of the session repo the machine needs to check
// batch existence and move lifecycle status.
type Sessions interface {
	Get(ctx context.Context, id string) (*session.ExamSession, error)
	SetStatus(ctx context.Context, id, status string) error
}

// Machine owns the batch handoff protocol.
type Machine struct {
	store    Store
	sessions Sessions
	now      func() time.Time
}

// NewMachine builds the custody machine.
func NewMachine(store Store, sessions Sessions) *Machine {
	return &Machine{store: store, sessions: sessions, now: time.Now}
}

// CurrentHandler derives custody: the toHandler of the latest CONFIRMED
// transfer, or the batch's origin handler when none exists.
func (m *Machine) CurrentHandler(ctx context.Context, batchID string) (string, error) {
	s, err := m.sessions.Get(ctx, batchID)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", fault.New(fault.NotFound, fault.CodeNotFound, "batch %s not found", batchID)
	}
	latest, err := m.store.LatestSettled(ctx, batchID)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return s.OriginHandlerID, nil
	}
	return latest.ToHandlerID, nil
}

// Initiate opens a PENDING transfer and puts the batch IN_TRANSIT.
// Rejected when the sender does not hold custody or a transfer is
// already in flight for the batch.
func (m *Machine) Initiate(ctx context.Context, batchID, fromHandlerID, toHandlerID string, scriptsExpected int, location *string) (Transfer, error) {
	if batchID == "" || fromHandlerID == "" || toHandlerID == "" {
		return Transfer{}, fault.New(fault.Validation, fault.CodeBadInput, "batch, sender and receiver required")
	}
	if fromHandlerID == toHandlerID {
		return Transfer{}, fault.New(fault.Validation, fault.CodeBadInput, "sender and receiver must differ")
	}
	if scriptsExpected < 0 {
		return Transfer{}, fault.New(fault.Validation, fault.CodeBadInput, "script count cannot be negative")
	}

	holder, err := m.CurrentHandler(ctx, batchID)
	if err != nil {
		return Transfer{}, err
	}
	if holder != fromHandlerID {
		return Transfer{}, fault.New(fault.Permission, fault.CodeNotAuthorized,
			"batch %s is in %s's custody, not %s's", batchID, holder, fromHandlerID)
	}

	t, created, err := m.store.InsertPending(ctx, Transfer{
		BatchID:         batchID,
		FromHandlerID:   fromHandlerID,
		ToHandlerID:     toHandlerID,
		ScriptsExpected: scriptsExpected,
		Status:          StatusPending,
		Location:        location,
		InitiatedAt:     m.now().UTC(),
	})
	if err != nil {
		return Transfer{}, err
	}
	if !created {
		return Transfer{}, fault.New(fault.StateConflict, fault.CodeInvalidState,
			"batch %s already has a PENDING transfer", batchID)
	}

	// The transfer row exists at this point; hand it back with the error
	// so a failed status write does not hide the transfer id.
	if err := m.sessions.SetStatus(ctx, batchID, session.StatusInTransit); err != nil {
		return t, fault.Wrap(fault.Transient, fault.CodeUnavailable, err,
			"transfer %s created but batch %s could not be marked %s", t.ID, batchID, session.StatusInTransit)
	}
	return t, nil
}

// Respond records the receiver's count. Matching counts confirm the
// transfer and move custody; a mismatch reports a discrepancy and leaves
// custody unresolved. Only the designated receiver may respond.
func (m *Machine) Respond(ctx context.Context, transferID, actorID string, scriptsReceived int) (Transfer, error) {
	t, err := m.store.Get(ctx, transferID)
	if err != nil {
		return Transfer{}, err
	}
	if t == nil {
		return Transfer{}, fault.New(fault.NotFound, fault.CodeNotFound, "transfer %s not found", transferID)
	}
	if actorID != t.ToHandlerID {
		return Transfer{}, fault.New(fault.Permission, fault.CodeNotAuthorized,
			"only the designated receiver may respond to transfer %s", transferID)
	}

	target := StatusConfirmed
	if scriptsReceived != t.ScriptsExpected {
		target = StatusDiscrepancy
	}
	updated, err := m.store.TransitionRespond(ctx, transferID, scriptsReceived, target, m.now().UTC())
	if err != nil {
		return Transfer{}, err
	}
	if updated == nil {
		return Transfer{}, fault.New(fault.StateConflict, fault.CodeInvalidState,
			"cannot respond to transfer in %s (requires %s)", t.Status, StatusPending)
	}

	if updated.Status == StatusConfirmed {
		if err := m.settleBatch(ctx, updated); err != nil {
			return Transfer{}, err
		}
	}
	return *updated, nil
}

// Resolve closes a reported discrepancy. Only an admin or the receiving
// handler may resolve, and only from DISCREPANCY_REPORTED; custody
// settles on the receiver at the last reported count.
func (m *Machine) Resolve(ctx context.Context, transferID, actorID, actorRole, notes string) (Transfer, error) {
	if notes == "" {
		return Transfer{}, fault.New(fault.Validation, fault.CodeBadInput, "resolution notes required")
	}
	t, err := m.store.Get(ctx, transferID)
	if err != nil {
		return Transfer{}, err
	}
	if t == nil {
		return Transfer{}, fault.New(fault.NotFound, fault.CodeNotFound, "transfer %s not found", transferID)
	}
	if actorRole != "admin" && actorID != t.ToHandlerID {
		return Transfer{}, fault.New(fault.Permission, fault.CodeNotAuthorized,
			"resolution requires an authorized actor")
	}

	updated, err := m.store.TransitionResolve(ctx, transferID, notes, m.now().UTC())
	if err != nil {
		return Transfer{}, err
	}
	if updated == nil {
		return Transfer{}, fault.New(fault.StateConflict, fault.CodeInvalidState,
			"cannot resolve transfer in %s (requires %s)", t.Status, StatusDiscrepancy)
	}

	if err := m.settleBatch(ctx, updated); err != nil {
		return Transfer{}, err
	}
	return *updated, nil
}

// History lists a batch's transfers, newest first.
func (m *Machine) History(ctx context.Context, batchID string) ([]Transfer, error) {
	return m.store.ListByBatch(ctx, batchID)
}

// settleBatch moves the batch status after custody lands with the
// receiver: WITH_LECTURER when the receiver is the session's lecturer,
// SUBMITTED otherwise.
func (m *Machine) settleBatch(ctx context.Context, t *Transfer) error {
	s, err := m.sessions.Get(ctx, t.BatchID)
	if err != nil {
		return err
	}
	if s == nil {
		return fault.New(fault.NotFound, fault.CodeNotFound, "batch %s not found", t.BatchID)
	}
	status := session.StatusSubmitted
	if t.ToHandlerID == s.LecturerID {
		status = session.StatusWithLecturer
	}
	return m.sessions.SetStatus(ctx, t.BatchID, status)
}
