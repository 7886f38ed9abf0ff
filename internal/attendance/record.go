package attendance

import "time"

// Record statuses. ABSENT is implicit: no row exists until the first
// successful verification.
const (
	StatusPresent   = "PRESENT"
	StatusLeft      = "LEFT_WITHOUT_SUBMITTING"
	StatusSubmitted = "SUBMITTED"
)

// Verification methods.
const (
	MethodQRScan      = "QR_SCAN"
	MethodManualEntry = "MANUAL_ENTRY"
	MethodBiometric   = "BIOMETRIC"
	MethodLinkSelf    = "LINK_SELF_MARK"
)

// Record is the per-(session, student) attendance row. Rows are never
// deleted; entry time is immutable once set.
type Record struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	StudentID          string     `json:"student_id"`
	Status             string     `json:"status"`
	EntryTime          time.Time  `json:"entry_time"`
	ExitTime           *time.Time `json:"exit_time,omitempty"`
	SubmissionTime     *time.Time `json:"submission_time,omitempty"`
	VerificationMethod string     `json:"verification_method"`
	Confidence         *int       `json:"confidence,omitempty"`
	DiscrepancyNote    *string    `json:"discrepancy_note,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// EntryResult wraps a record with the duplicate-scan signal. A repeat
// entry scan is the common case in the field, so it is informational
// rather than an error.
type EntryResult struct {
	Record          Record `json:"record"`
	AlreadyRecorded bool   `json:"already_recorded"`
}

// AuditEvent is one logged transition, published to the audit queue.
type AuditEvent struct {
	RecordID   string    `json:"record_id"`
	SessionID  string    `json:"session_id"`
	StudentID  string    `json:"student_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Method     string    `json:"method"`
	Confidence *int      `json:"confidence,omitempty"`
	At         time.Time `json:"at"`
}

func validMethod(m string) bool {
	switch m {
	case MethodQRScan, MethodManualEntry, MethodBiometric, MethodLinkSelf:
		return true
	}
	return false
}
