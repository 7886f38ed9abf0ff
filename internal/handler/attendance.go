package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"scriptcustody/internal/attendance"
	"scriptcustody/internal/metrics"
	"scriptcustody/internal/qr"
	"scriptcustody/internal/realtime"
)

type scanRequest struct {
	// Payload is the raw QR body as scanned.
	Payload json.RawMessage `json:"payload" binding:"required"`
	// Confidence accompanies biometric-verified scans.
	Confidence *int `json:"confidence"`
}

// Scan ingests a QR scan for a session. STUDENT payloads record an
// entry; duplicate scans come back 200 with already_recorded set.
func (h *Handler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := qr.Parse(req.Payload)
	if err != nil {
		metrics.Scans.WithLabelValues(attendance.MethodQRScan, "rejected").Inc()
		respondErr(c, err)
		return
	}

	sessionID := c.Param("id")
	res, err := h.machine.IngestStudentScan(c.Request.Context(), sessionID, payload, req.Confidence)
	if err != nil {
		metrics.Scans.WithLabelValues(attendance.MethodQRScan, "rejected").Inc()
		respondErr(c, err)
		return
	}
	metrics.Scans.WithLabelValues(attendance.MethodQRScan, "ok").Inc()

	if !res.AlreadyRecorded {
		h.bridge.Publish(c.Request.Context(), realtime.Event{
			Kind: realtime.KindAttendanceRecorded,
			Room: realtime.SessionRoom(sessionID),
			ID:   res.Record.ID,
		})
	}
	c.JSON(http.StatusOK, res)
}

// ManualEntry records an entry keyed in by an invigilator.
func (h *Handler) ManualEntry(c *gin.Context) {
	var req struct {
		StudentID string `json:"student_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessionID := c.Param("id")
	res, err := h.machine.RecordEntry(c.Request.Context(), sessionID, req.StudentID, attendance.MethodManualEntry, nil)
	if err != nil {
		metrics.Scans.WithLabelValues(attendance.MethodManualEntry, "rejected").Inc()
		respondErr(c, err)
		return
	}
	metrics.Scans.WithLabelValues(attendance.MethodManualEntry, "ok").Inc()
	if !res.AlreadyRecorded {
		h.bridge.Publish(c.Request.Context(), realtime.Event{
			Kind: realtime.KindAttendanceRecorded,
			Room: realtime.SessionRoom(sessionID),
			ID:   res.Record.ID,
		})
	}
	c.JSON(http.StatusOK, res)
}

// RecordExit marks a student leaving; with submitted=true the record
// lands directly in SUBMITTED.
func (h *Handler) RecordExit(c *gin.Context) {
	var req struct {
		Submitted bool `json:"submitted"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.machine.RecordExit(c.Request.Context(), c.Param("recordID"), req.Submitted)
	if err != nil {
		respondErr(c, err)
		return
	}
	h.bridge.Publish(c.Request.Context(), realtime.Event{
		Kind: realtime.KindAttendanceRecorded,
		Room: realtime.SessionRoom(rec.SessionID),
		ID:   rec.ID,
	})
	c.JSON(http.StatusOK, rec)
}

// RecordSubmission marks the script handed in.
func (h *Handler) RecordSubmission(c *gin.Context) {
	rec, err := h.machine.RecordSubmission(c.Request.Context(), c.Param("recordID"))
	if err != nil {
		respondErr(c, err)
		return
	}
	h.bridge.Publish(c.Request.Context(), realtime.Event{
		Kind: realtime.KindAttendanceRecorded,
		Room: realtime.SessionRoom(rec.SessionID),
		ID:   rec.ID,
	})
	c.JSON(http.StatusOK, rec)
}

// ListAttendance returns the session's attendance records.
func (h *Handler) ListAttendance(c *gin.Context) {
	recs, err := h.machine.ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}
