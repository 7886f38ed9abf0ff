package handler

import (
	"github.com/gin-gonic/gin"

	"scriptcustody/internal/attendance"
	"scriptcustody/internal/config"
	"scriptcustody/internal/custody"
	"scriptcustody/internal/fault"
	"scriptcustody/internal/link"
	"scriptcustody/internal/realtime"
	"scriptcustody/internal/session"
	"scriptcustody/internal/webauthn"
)

// Handler binds the HTTP surface to the domain services.
type Handler struct {
	cfg      config.App
	sessions *session.Repository
	machine  *attendance.Machine
	links    *link.Manager
	custody  *custody.Machine
	ceremony *webauthn.Adapter
	bridge   *realtime.Bridge
}

// New wires a handler.
func New(cfg config.App, sessions *session.Repository, machine *attendance.Machine,
	links *link.Manager, custodyMachine *custody.Machine, ceremony *webauthn.Adapter,
	bridge *realtime.Bridge) *Handler {
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		machine:  machine,
		links:    links,
		custody:  custodyMachine,
		ceremony: ceremony,
		bridge:   bridge,
	}
}

// respondErr maps a fault onto an HTTP response. Every rejection carries
// a reason code and a retryable hint so field clients can distinguish
// "try again" from "this cannot succeed".
func respondErr(c *gin.Context, err error) {
	status := fault.HTTPStatus(err)
	body := gin.H{"error": err.Error(), "retryable": fault.Retryable(err)}
	if fe := fault.As(err); fe != nil {
		body["error"] = fe.Message
		body["code"] = fe.Code
		body["category"] = string(fe.Category)
	}
	c.JSON(status, body)
}
