package session

import (
	"time"

	"scriptcustody/internal/fault"
	"scriptcustody/internal/geo"
)

// Batch lifecycle statuses. Status is owned by the custody transfer
// machine and session lifecycle actions; the attendance machine never
// writes it.
const (
	StatusNotStarted   = "NOT_STARTED"
	StatusInProgress   = "IN_PROGRESS"
	StatusSubmitted    = "SUBMITTED"
	StatusInTransit    = "IN_TRANSIT"
	StatusWithLecturer = "WITH_LECTURER"
	StatusUnderGrading = "UNDER_GRADING"
	StatusGraded       = "GRADED"
	StatusReturned     = "RETURNED"
	StatusCompleted    = "COMPLETED"
)

var validStatuses = map[string]bool{
	StatusNotStarted:   true,
	StatusInProgress:   true,
	StatusSubmitted:    true,
	StatusInTransit:    true,
	StatusWithLecturer: true,
	StatusUnderGrading: true,
	StatusGraded:       true,
	StatusReturned:     true,
	StatusCompleted:    true,
}

// ValidStatus reports whether s is a known batch status.
func ValidStatus(s string) bool { return validStatuses[s] }

// ExamSession is a sitting of an exam; its id doubles as the script
// batch id for custody purposes.
type ExamSession struct {
	ID                   string     `json:"id"`
	BatchCode            string     `json:"batch_code"`
	CourseCode           string     `json:"course_code"`
	Venue                string     `json:"venue"`
	VenueAnchor          *geo.Point `json:"venue_anchor,omitempty"`
	LecturerID           string     `json:"lecturer_id"`
	OriginHandlerID      string     `json:"origin_handler_id"`
	Status               string     `json:"status"`
	ExpectedStudentCount int        `json:"expected_student_count"`
	CreatedAt            time.Time  `json:"created_at"`
}

// RosterEntry is one expected student for a session.
type RosterEntry struct {
	SessionID   string `json:"session_id"`
	StudentID   string `json:"student_id"`
	IndexNumber string `json:"index_number"`
}

// Validate checks the fields required to create a session.
func (s ExamSession) Validate() error {
	if s.BatchCode == "" || s.CourseCode == "" {
		return fault.New(fault.Validation, fault.CodeBadInput, "batch code and course code required")
	}
	if s.LecturerID == "" || s.OriginHandlerID == "" {
		return fault.New(fault.Validation, fault.CodeBadInput, "lecturer and origin handler required")
	}
	if s.Status != "" && !ValidStatus(s.Status) {
		return fault.New(fault.Validation, fault.CodeBadInput, "unknown status %q", s.Status)
	}
	return nil
}
