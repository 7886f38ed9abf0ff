package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"scriptcustody/internal/attendance"
	"scriptcustody/internal/auth"
	"scriptcustody/internal/metrics"
	"scriptcustody/internal/realtime"
	"scriptcustody/internal/webauthn"
)

// RegisterOptions begins the enrollment ceremony for the authenticated
// student.
func (h *Handler) RegisterOptions(c *gin.Context) {
	claims := auth.FromContext(c)
	opts, err := h.ceremony.BeginEnrollment(c.Request.Context(), claims.Subject)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

// RegisterFinish completes enrollment and persists the credential.
func (h *Handler) RegisterFinish(c *gin.Context) {
	var result webauthn.CeremonyResult
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	cred, err := h.ceremony.FinishEnrollment(c.Request.Context(), claims.Subject, result)
	if err != nil {
		metrics.Ceremonies.WithLabelValues("enroll", "rejected").Inc()
		respondErr(c, err)
		return
	}
	metrics.Ceremonies.WithLabelValues("enroll", "ok").Inc()
	c.JSON(http.StatusCreated, cred)
}

// AuthenticateOptions begins the assertion ceremony.
func (h *Handler) AuthenticateOptions(c *gin.Context) {
	claims := auth.FromContext(c)
	opts, err := h.ceremony.BeginAssertion(c.Request.Context(), claims.Subject)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, opts)
}

type authenticateFinishRequest struct {
	SessionID string                  `json:"session_id" binding:"required"`
	Result    webauthn.CeremonyResult `json:"result" binding:"required"`
	// Required confidence may be raised per session; zero uses the
	// configured default.
	RequiredConfidence int `json:"required_confidence"`
}

// AuthenticateFinish completes an assertion and, on a sufficient
// confidence score, records a biometric-verified entry.
func (h *Handler) AuthenticateFinish(c *gin.Context) {
	var req authenticateFinishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	verified, err := h.ceremony.FinishAssertion(c.Request.Context(), claims.Subject, req.Result, req.RequiredConfidence)
	if err != nil {
		metrics.Ceremonies.WithLabelValues("assert", "rejected").Inc()
		respondErr(c, err)
		return
	}
	metrics.Ceremonies.WithLabelValues("assert", "ok").Inc()

	res, err := h.machine.RecordEntry(c.Request.Context(), req.SessionID, verified.StudentID,
		attendance.MethodBiometric, &verified.Confidence)
	if err != nil {
		respondErr(c, err)
		return
	}
	if !res.AlreadyRecorded {
		h.bridge.Publish(c.Request.Context(), realtime.Event{
			Kind: realtime.KindAttendanceRecorded,
			Room: realtime.SessionRoom(req.SessionID),
			ID:   res.Record.ID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"verification": verified, "attendance": res})
}

// DeviceSupport echoes the client capability probe so front-ends share
// one fallback decision. An unsupported device must be offered the
// QR or manual-entry path instead of a dead end.
func (h *Handler) DeviceSupport(c *gin.Context) {
	var probe webauthn.DeviceSupport
	if err := c.ShouldBindJSON(&probe); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fallback := ""
	if !probe.Available {
		fallback = "qr_or_manual"
	}
	c.JSON(http.StatusOK, gin.H{"support": probe, "fallback": fallback})
}
