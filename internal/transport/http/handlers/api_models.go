package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/portal-sync/internal/core/domain"
	"github.com/arklim/portal-sync/internal/datasync"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: c.GetString("trace_id"),
	}
}

// HealthResponse describes the service health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse describes readiness check results with dependency checks.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AccessResponse is an access decision together with its user-facing warnings.
type AccessResponse struct {
	SubjectID string                `json:"subject_id"`
	Decision  domain.AccessDecision `json:"decision"`
	Warnings  string                `json:"warnings,omitempty"`
}

// ResourceState is the state of one dashboard resource.
type ResourceState struct {
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Loading bool   `json:"loading,omitempty"`
}

// DashboardResponse is a role dashboard assembled from independently loaded resources. Partial is
// set when at least one resource failed; the others are still returned.
type DashboardResponse struct {
	SubjectID string                   `json:"subject_id"`
	Role      domain.Role              `json:"role"`
	Resources map[string]ResourceState `json:"resources"`
	Partial   bool                     `json:"partial"`
}

// CachePurgeResponse reports how many cache entries were dropped for a subject.
type CachePurgeResponse struct {
	SubjectID string `json:"subject_id"`
	Removed   int    `json:"removed"`
}

func newAccessResponse(subjectID string, decision domain.AccessDecision, warnings string) AccessResponse {
	return AccessResponse{SubjectID: subjectID, Decision: decision, Warnings: warnings}
}

func newDashboardResponse(subjectID string, role domain.Role, snap datasync.Snapshot) DashboardResponse {
	resp := DashboardResponse{
		SubjectID: subjectID,
		Role:      role,
		Resources: make(map[string]ResourceState, len(snap)),
	}
	for name, st := range snap {
		state := ResourceState{Loading: st.Loading}
		switch {
		case st.Err != nil:
			state.Error = resourceErrorMessage(name)
			resp.Partial = true
		case st.HasData:
			state.Data = st.Data
		}
		resp.Resources[name] = state
	}
	return resp
}

func resourceErrorMessage(resource string) string {
	return "Unable to load " + resource + ". Please try again later."
}
