package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/datasync"
	"github.com/arklim/portal-sync/internal/usecase"
)

// DashboardHandler exposes role dashboards for a subject.
type DashboardHandler struct {
	dashboards *usecase.DashboardService
	heartbeat  time.Duration
}

// NewDashboardHandler constructs a dashboard handler.
func NewDashboardHandler(dashboards *usecase.DashboardService) *DashboardHandler {
	return &DashboardHandler{dashboards: dashboards, heartbeat: defaultHeartbeat}
}

// WithHeartbeat sets the keep-alive interval of dashboard streams.
func (h *DashboardHandler) WithHeartbeat(d time.Duration) *DashboardHandler {
	if d > 0 {
		h.heartbeat = d
	}
	return h
}

// RegisterRoutes binds dashboard routes under a subject-scoped group. refresh guards the forced refresh.
func (h *DashboardHandler) RegisterRoutes(r *gin.RouterGroup, refresh ...gin.HandlerFunc) {
	r.GET("/dashboard", h.Get)
	r.POST("/dashboard/refresh", append(append([]gin.HandlerFunc{}, refresh...), h.Refresh)...)
	r.GET("/dashboard/stream", h.Stream)
}

// Get loads every resource of the dashboard in parallel. Failed resources are reported inline.
func (h *DashboardHandler) Get(c *gin.Context) {
	subjectID := c.Param("subject")
	role, ok := roleFromQuery(c)
	if !ok {
		return
	}

	snap, err := h.dashboards.Load(c.Request.Context(), role, subjectID)
	if err != nil {
		RespondWithMappedError(c, err, requestErrorCases, http.StatusInternalServerError, "failed to load dashboard")
		return
	}
	c.JSON(http.StatusOK, newDashboardResponse(subjectID, role, snap))
}

// Refresh refetches the resources named by the repeated resource query parameter, or all of them.
func (h *DashboardHandler) Refresh(c *gin.Context) {
	subjectID := c.Param("subject")
	role, ok := roleFromQuery(c)
	if !ok {
		return
	}

	snap, err := h.dashboards.Refresh(c.Request.Context(), role, subjectID, c.QueryArray("resource")...)
	if err != nil {
		RespondWithMappedError(c, err, requestErrorCases, http.StatusInternalServerError, "failed to refresh dashboard")
		return
	}
	c.JSON(http.StatusOK, newDashboardResponse(subjectID, role, snap))
}

// Stream keeps the dashboard live and pushes every change until the client disconnects.
func (h *DashboardHandler) Stream(c *gin.Context) {
	subjectID := c.Param("subject")
	role, ok := roleFromQuery(c)
	if !ok {
		return
	}

	serveStream(c, h.heartbeat, func(ctx context.Context, events latestEvents) error {
		return h.dashboards.Watch(ctx, role, subjectID, func(snap datasync.Snapshot) {
			events.offer(streamEvent{name: "dashboard", data: newDashboardResponse(subjectID, role, snap)})
		})
	})
}

func roleFromQuery(c *gin.Context) (domain.Role, bool) {
	raw := c.DefaultQuery("role", string(domain.RoleStudent))
	role, ok := domain.ParseRole(raw)
	if !ok {
		RespondWithMappedError(c, fmt.Errorf("%w: %q", usecase.ErrUnknownRole, raw), requestErrorCases,
			http.StatusBadRequest, "unknown role")
		return "", false
	}
	return role, true
}
