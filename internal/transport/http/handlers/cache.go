package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/portal-sync/internal/cache"
	"github.com/arklim/portal-sync/internal/usecase"
)

// CacheHandler lets a subject drop everything cached about them, for example on logout.
type CacheHandler struct {
	cache *cache.Cache
}

// NewCacheHandler constructs a cache handler.
func NewCacheHandler(c *cache.Cache) *CacheHandler {
	return &CacheHandler{cache: c}
}

// RegisterRoutes binds cache routes under a subject-scoped group.
func (h *CacheHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.DELETE("/cache", h.Purge)
}

// Purge removes every cached entry of the subject.
func (h *CacheHandler) Purge(c *gin.Context) {
	subjectID := c.Param("subject")
	removed, err := usecase.PurgeSubject(h.cache, subjectID)
	if err != nil {
		RespondWithMappedError(c, err, requestErrorCases, http.StatusInternalServerError, "failed to purge cache")
		return
	}
	c.JSON(http.StatusOK, CachePurgeResponse{SubjectID: subjectID, Removed: removed})
}
