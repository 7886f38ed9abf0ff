package qr

import (
	"encoding/json"

	"scriptcustody/internal/fault"
)

// Payload types accepted from scanners.
const (
	TypeExamBatch = "EXAM_BATCH"
	TypeStudent   = "STUDENT"
)

// Payload is the client-generated QR body. Exactly one shape per type:
// EXAM_BATCH carries id+courseCode, STUDENT carries id+indexNumber.
type Payload struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	CourseCode  string `json:"courseCode,omitempty"`
	IndexNumber string `json:"indexNumber,omitempty"`
}

// Parse decodes and validates a raw QR payload. Malformed JSON or an
// unknown type is rejected as INVALID_QR.
func Parse(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fault.Wrap(fault.Validation, fault.CodeInvalidQR, err, "malformed QR payload")
	}
	switch p.Type {
	case TypeExamBatch:
		if p.ID == "" {
			return Payload{}, fault.New(fault.Validation, fault.CodeInvalidQR, "EXAM_BATCH payload missing id")
		}
	case TypeStudent:
		if p.ID == "" && p.IndexNumber == "" {
			return Payload{}, fault.New(fault.Validation, fault.CodeInvalidQR, "STUDENT payload missing id and indexNumber")
		}
	default:
		return Payload{}, fault.New(fault.Validation, fault.CodeInvalidQR, "unknown QR payload type %q", p.Type)
	}
	return p, nil
}
