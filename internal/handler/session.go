package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"scriptcustody/internal/auth"
	"scriptcustody/internal/fault"
	"scriptcustody/internal/geo"
	"scriptcustody/internal/realtime"
	"scriptcustody/internal/session"
)

type createSessionRequest struct {
	BatchCode            string     `json:"batch_code" binding:"required"`
	CourseCode           string     `json:"course_code" binding:"required"`
	Venue                string     `json:"venue"`
	VenueAnchor          *geo.Point `json:"venue_anchor"`
	LecturerID           string     `json:"lecturer_id" binding:"required"`
	ExpectedStudentCount int        `json:"expected_student_count"`
}

// CreateSession registers an exam sitting; the caller becomes the
// batch's origin handler.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims := auth.FromContext(c)
	s, err := h.sessions.Create(c.Request.Context(), session.ExamSession{
		BatchCode:            req.BatchCode,
		CourseCode:           req.CourseCode,
		Venue:                req.Venue,
		VenueAnchor:          req.VenueAnchor,
		LecturerID:           req.LecturerID,
		OriginHandlerID:      claims.Subject,
		ExpectedStudentCount: req.ExpectedStudentCount,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

// GetSession returns a session by id.
func (h *Handler) GetSession(c *gin.Context) {
	s, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if s == nil {
		respondErr(c, fault.New(fault.NotFound, fault.CodeNotFound, "session not found"))
		return
	}
	c.JSON(http.StatusOK, s)
}

// SetSessionStatus applies a lifecycle status from a handler or lecturer
// action and fans the change out to the batch room.
func (h *Handler) SetSessionStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.sessions.SetStatus(c.Request.Context(), id, req.Status); err != nil {
		respondErr(c, err)
		return
	}
	h.bridge.Publish(c.Request.Context(), realtime.Event{
		Kind: realtime.KindBatchStatusUpdated,
		Room: realtime.BatchRoom(id),
		ID:   id,
	})
	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}

// UploadRoster replaces the session's expected-student roster.
func (h *Handler) UploadRoster(c *gin.Context) {
	var req struct {
		Entries []session.RosterEntry `json:"entries" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.sessions.UpsertRoster(c.Request.Context(), id, req.Entries); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "roster_size": len(req.Entries)})
}
