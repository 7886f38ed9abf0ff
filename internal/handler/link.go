package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"scriptcustody/internal/auth"
	"scriptcustody/internal/fault"
	"scriptcustody/internal/geo"
	"scriptcustody/internal/link"
	"scriptcustody/internal/metrics"
	"scriptcustody/internal/realtime"
)

type generateLinkRequest struct {
	ExpiresInMinutes int        `json:"expires_in_minutes" binding:"required"`
	RequiresLocation bool       `json:"requires_location"`
	Geofence         *geo.Fence `json:"geofence"`
	MaxUses          *int       `json:"max_uses"`
}

// GenerateLink creates a self-mark attendance link for a session.
func (h *Handler) GenerateLink(c *gin.Context) {
	var req generateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	res, err := h.links.Generate(c.Request.Context(), link.GenerateParams{
		SessionID:        c.Param("id"),
		CreatedBy:        claims.Subject,
		ExpiresInMinutes: req.ExpiresInMinutes,
		RequiresLocation: req.RequiresLocation,
		Fence:            req.Geofence,
		MaxUses:          req.MaxUses,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ValidateLink is the student-facing pre-flight check; it consumes
// nothing and reports the specific failure reason.
func (h *Handler) ValidateLink(c *gin.Context) {
	var req struct {
		Location *geo.Point `json:"location"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l, err := h.links.Validate(c.Request.Context(), c.Param("token"), req.Location)
	if err != nil {
		if fe := fault.As(err); fe != nil {
			c.JSON(http.StatusOK, gin.H{"valid": false, "reason": fe.Code, "error": fe.Message})
			return
		}
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "session_id": l.SessionID, "expires_at": l.ExpiresAt})
}

// RedeemLink self-marks attendance through a link. The student identity
// comes from the bearer token, not the request body.
func (h *Handler) RedeemLink(c *gin.Context) {
	var req struct {
		Location *geo.Point `json:"location"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	res, err := h.links.Redeem(c.Request.Context(), c.Param("token"), claims.Subject, req.Location)
	if err != nil {
		metrics.LinkRedemptions.WithLabelValues(redemptionOutcome(err)).Inc()
		respondErr(c, err)
		return
	}
	metrics.LinkRedemptions.WithLabelValues("ok").Inc()
	if !res.AlreadyRecorded {
		h.bridge.Publish(c.Request.Context(), realtime.Event{
			Kind: realtime.KindAttendanceRecorded,
			Room: realtime.SessionRoom(res.Record.SessionID),
			ID:   res.Record.ID,
		})
	}
	c.JSON(http.StatusOK, res)
}

// RevokeLink deactivates a link explicitly.
func (h *Handler) RevokeLink(c *gin.Context) {
	if err := h.links.Revoke(c.Request.Context(), c.Param("token")); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func redemptionOutcome(err error) string {
	if code := fault.CodeOf(err); code != "" {
		return code
	}
	return "error"
}
