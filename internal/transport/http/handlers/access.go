package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/usecase"
)

// AccessHandler exposes access decisions for a subject.
type AccessHandler struct {
	access    *usecase.AccessService
	heartbeat time.Duration
}

// NewAccessHandler constructs an access handler.
func NewAccessHandler(access *usecase.AccessService) *AccessHandler {
	return &AccessHandler{access: access, heartbeat: defaultHeartbeat}
}

// WithHeartbeat sets the keep-alive interval of access streams.
func (h *AccessHandler) WithHeartbeat(d time.Duration) *AccessHandler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

// RegisterRoutes binds access routes under a subject-scoped group. refresh guards the forced refresh.
func (h *AccessHandler) RegisterRoutes(r *gin.RouterGroup, refresh ...gin.HandlerFunc) {
	r.GET("/access", h.Get)
	r.POST("/access/refresh", append(append([]gin.HandlerFunc{}, refresh...), h.Refresh)...)
	r.GET("/access/stream", h.Stream)
}

// Get returns the current decision, served from cache when fresh.
func (h *AccessHandler) Get(c *gin.Context) {
	subjectID := c.Param("subject")
	decision, err := h.access.Check(c.Request.Context(), subjectID)
	if err != nil {
		RespondWithMappedError(c, err, requestErrorCases, http.StatusInternalServerError, "failed to evaluate access")
		return
	}
	c.JSON(http.StatusOK, newAccessResponse(subjectID, decision, h.access.Warnings(decision)))
}

// Refresh re-reads the access facts from the source of truth.
func (h *AccessHandler) Refresh(c *gin.Context) {
	subjectID := c.Param("subject")
	decision, err := h.access.Refresh(c.Request.Context(), subjectID)
	if err != nil {
		RespondWithMappedError(c, err, requestErrorCases, http.StatusInternalServerError, "failed to refresh access")
		return
	}
	c.JSON(http.StatusOK, newAccessResponse(subjectID, decision, h.access.Warnings(decision)))
}

// Stream pushes a new decision whenever it changes, until the client disconnects.
func (h *AccessHandler) Stream(c *gin.Context) {
	subjectID := c.Param("subject")
	serveStream(c, h.heartbeat, func(ctx context.Context, events latestEvents) error {
		return h.access.Watch(ctx, subjectID, func(decision domain.AccessDecision, warnings string) {
			events.offer(streamEvent{name: "access", data: newAccessResponse(subjectID, decision, warnings)})
		})
	})
}
