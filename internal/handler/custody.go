package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"scriptcustody/internal/auth"
	"scriptcustody/internal/custody"
	"scriptcustody/internal/fault"
	"scriptcustody/internal/metrics"
	"scriptcustody/internal/realtime"
)

type initiateTransferRequest struct {
	// Pointer so an empty batch (zero scripts) still binds.
	ScriptsExpected *int    `json:"scripts_expected" binding:"required"`
	BatchID         string  `json:"batch_id" binding:"required"`
	ToHandlerID     string  `json:"to_handler_id" binding:"required"`
	Location        *string `json:"location"`
}

// InitiateTransfer opens a handoff; the sender is the authenticated
// actor.
func (h *Handler) InitiateTransfer(c *gin.Context) {
	var req initiateTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	t, err := h.custody.Initiate(c.Request.Context(), req.BatchID, claims.Subject,
		req.ToHandlerID, *req.ScriptsExpected, req.Location)
	if err != nil {
		// The transfer may exist even when the batch status write failed;
		// surface it so the caller can respond or resolve it.
		if t.ID != "" {
			c.JSON(fault.HTTPStatus(err), gin.H{
				"error": err.Error(), "code": fault.CodeOf(err), "transfer": t,
			})
			return
		}
		respondErr(c, err)
		return
	}
	metrics.Transfers.WithLabelValues(t.Status).Inc()
	h.publishTransfer(c, t)
	c.JSON(http.StatusCreated, t)
}

// RespondTransfer records the receiver's script count.
func (h *Handler) RespondTransfer(c *gin.Context) {
	var req struct {
		ScriptsReceived *int `json:"scripts_received" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	t, err := h.custody.Respond(c.Request.Context(), c.Param("id"), claims.Subject, *req.ScriptsReceived)
	if err != nil {
		respondErr(c, err)
		return
	}
	metrics.Transfers.WithLabelValues(t.Status).Inc()
	h.publishTransfer(c, t)
	c.JSON(http.StatusOK, t)
}

// ResolveTransfer closes a reported discrepancy.
func (h *Handler) ResolveTransfer(c *gin.Context) {
	var req struct {
		Notes string `json:"notes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	t, err := h.custody.Resolve(c.Request.Context(), c.Param("id"), claims.Subject, claims.Role, req.Notes)
	if err != nil {
		respondErr(c, err)
		return
	}
	metrics.Transfers.WithLabelValues(t.Status).Inc()
	h.publishTransfer(c, t)
	c.JSON(http.StatusOK, t)
}

// BatchCustody reports the current handler and transfer history for a
// batch.
func (h *Handler) BatchCustody(c *gin.Context) {
	batchID := c.Param("id")
	holder, err := h.custody.CurrentHandler(c.Request.Context(), batchID)
	if err != nil {
		respondErr(c, err)
		return
	}
	history, err := h.custody.History(c.Request.Context(), batchID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "current_handler": holder, "transfers": history})
}

func (h *Handler) publishTransfer(c *gin.Context, t custody.Transfer) {
	h.bridge.Publish(c.Request.Context(), realtime.Event{
		Kind: realtime.KindTransferUpdated,
		Room: realtime.BatchRoom(t.BatchID),
		ID:   t.ID,
	})
	h.bridge.Publish(c.Request.Context(), realtime.Event{
		Kind: realtime.KindBatchStatusUpdated,
		Room: realtime.BatchRoom(t.BatchID),
		ID:   t.BatchID,
	})
}
