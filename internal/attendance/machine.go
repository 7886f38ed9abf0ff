package attendance

import (
	"context"
	"time"

	"scriptcustody/internal/fault"
	"scriptcustody/internal/qr"
)

// Store is the persistence surface the machine needs. Implementations
// must make InsertIfAbsent and the transition updates atomic per record.
type Store interface {
	InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	Get(ctx context.Context, id string) (*Record, error)
	TransitionExit(ctx context.Context, id string, at time.Time, submitted bool) (*Record, error)
	TransitionSubmission(ctx context.Context, id string, at time.Time) (*Record, error)
	ListBySession(ctx context.Context, sessionID string) ([]Record, error)
}

// Roster answers expected-student questions for a session.
type Roster interface {
	OnRoster(ctx context.Context, sessionID, studentID string) (bool, error)
	ResolveIndexNumber(ctx context.Context, sessionID, indexNumber string) (string, error)
}

// Sink receives audit events for every accepted transition.
type Sink interface {
	Emit(ctx context.Context, evt AuditEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt AuditEvent)

func (f SinkFunc) Emit(ctx context.Context, evt AuditEvent) { f(ctx, evt) }

// Machine enforces the per-(session, student) attendance state machine:
// ABSENT -> PRESENT -> {SUBMITTED | LEFT_WITHOUT_SUBMITTING}.
type Machine struct {
	store  Store
	roster Roster
	sink   Sink
	now    func() time.Time
}

// NewMachine builds the state machine. sink may be nil.
func NewMachine(store Store, roster Roster, sink Sink) *Machine {
	if sink == nil {
		sink = SinkFunc(func(context.Context, AuditEvent) {})
	}
	return &Machine{store: store, roster: roster, sink: sink, now: time.Now}
}

// RecordEntry admits a student into the session. Allowed only from the
// implicit ABSENT state; a duplicate scan returns the existing record
// with AlreadyRecorded set instead of failing.
func (m *Machine) RecordEntry(ctx context.Context, sessionID, studentID, method string, confidence *int) (EntryResult, error) {
	if sessionID == "" || studentID == "" {
		return EntryResult{}, fault.New(fault.Validation, fault.CodeBadInput, "session and student required")
	}
	if !validMethod(method) {
		return EntryResult{}, fault.New(fault.Validation, fault.CodeBadInput, "unknown verification method %q", method)
	}

	expected, err := m.roster.OnRoster(ctx, sessionID, studentID)
	if err != nil {
		return EntryResult{}, err
	}
	if !expected {
		return EntryResult{}, fault.New(fault.Security, fault.CodeNotExpected,
			"student %s is not on the roster for session %s", studentID, sessionID)
	}

	now := m.now().UTC()
	rec, created, err := m.store.InsertIfAbsent(ctx, Record{
		SessionID:          sessionID,
		StudentID:          studentID,
		Status:             StatusPresent,
		EntryTime:          now,
		VerificationMethod: method,
		Confidence:         confidence,
	})
	if err != nil {
		return EntryResult{}, err
	}
	if created {
		m.sink.Emit(ctx, AuditEvent{
			RecordID: rec.ID, SessionID: sessionID, StudentID: studentID,
			FromStatus: "ABSENT", ToStatus: StatusPresent,
			Method: method, Confidence: confidence, At: now,
		})
	}
	return EntryResult{Record: rec, AlreadyRecorded: !created}, nil
}

// RecordExit marks a student leaving the venue. Allowed from PRESENT;
// a repeat exit scan returns the record unchanged. With submitted set
// the record goes directly to SUBMITTED, stamping both exit and
// submission times.
func (m *Machine) RecordExit(ctx context.Context, recordID string, submitted bool) (Record, error) {
	existing, err := m.store.Get(ctx, recordID)
	if err != nil {
		return Record{}, err
	}
	if existing == nil {
		return Record{}, fault.New(fault.NotFound, fault.CodeNotEntered, "attendance record %s not found", recordID)
	}
	// Repeat exit scans are benign, like duplicate entries.
	if !submitted && (existing.Status == StatusLeft || existing.Status == StatusSubmitted) {
		return *existing, nil
	}
	if submitted && existing.Status == StatusSubmitted {
		return *existing, nil
	}

	now := m.now().UTC()
	rec, err := m.store.TransitionExit(ctx, recordID, now, submitted)
	if err != nil {
		return Record{}, err
	}
	if rec == nil {
		// Lost the race or the record was never PRESENT; report the
		// state we actually saw.
		return Record{}, fault.New(fault.StateConflict, fault.CodeInvalidState,
			"cannot record exit from %s (requires %s)", existing.Status, StatusPresent)
	}
	m.sink.Emit(ctx, AuditEvent{
		RecordID: rec.ID, SessionID: rec.SessionID, StudentID: rec.StudentID,
		FromStatus: StatusPresent, ToStatus: rec.Status,
		Method: rec.VerificationMethod, At: now,
	})
	return *rec, nil
}

// RecordSubmission marks the script handed in. Allowed from PRESENT or
// LEFT_WITHOUT_SUBMITTING; SUBMITTED is terminal.
func (m *Machine) RecordSubmission(ctx context.Context, recordID string) (Record, error) {
	existing, err := m.store.Get(ctx, recordID)
	if err != nil {
		return Record{}, err
	}
	if existing == nil {
		return Record{}, fault.New(fault.NotFound, fault.CodeNotEntered, "attendance record %s not found", recordID)
	}
	if existing.Status == StatusSubmitted {
		// Duplicate submission scans are benign, like duplicate entries.
		return *existing, nil
	}

	now := m.now().UTC()
	rec, err := m.store.TransitionSubmission(ctx, recordID, now)
	if err != nil {
		return Record{}, err
	}
	if rec == nil {
		return Record{}, fault.New(fault.StateConflict, fault.CodeInvalidState,
			"cannot record submission from %s (requires %s or %s)",
			existing.Status, StatusPresent, StatusLeft)
	}
	m.sink.Emit(ctx, AuditEvent{
		RecordID: rec.ID, SessionID: rec.SessionID, StudentID: rec.StudentID,
		FromStatus: existing.Status, ToStatus: StatusSubmitted,
		Method: rec.VerificationMethod, At: now,
	})
	return *rec, nil
}

// IngestStudentScan resolves a STUDENT QR payload against the roster and
// records an entry. Payloads carrying only an index number are resolved
// to the rostered student id; unresolved identifiers are NOT_EXPECTED
// and produce no record.
func (m *Machine) IngestStudentScan(ctx context.Context, sessionID string, p qr.Payload, confidence *int) (EntryResult, error) {
	if p.Type != qr.TypeStudent {
		return EntryResult{}, fault.New(fault.Validation, fault.CodeInvalidQR,
			"expected STUDENT payload, got %q", p.Type)
	}
	studentID := p.ID
	if studentID == "" {
		resolved, err := m.roster.ResolveIndexNumber(ctx, sessionID, p.IndexNumber)
		if err != nil {
			return EntryResult{}, err
		}
		if resolved == "" {
			return EntryResult{}, fault.New(fault.Security, fault.CodeNotExpected,
				"index number %s is not on the roster for session %s", p.IndexNumber, sessionID)
		}
		studentID = resolved
	}
	return m.RecordEntry(ctx, sessionID, studentID, MethodQRScan, confidence)
}

// ListBySession returns the session's attendance records.
func (m *Machine) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	return m.store.ListBySession(ctx, sessionID)
}
