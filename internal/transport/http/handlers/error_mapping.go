package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/portal-sync/internal/datasync"
	"github.com/arklim/portal-sync/internal/repository"
	"github.com/arklim/portal-sync/internal/usecase"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Message string
}

// requestErrorCases are the caller mistakes shared by every subject endpoint.
var requestErrorCases = []ErrorCase{
	{Err: usecase.ErrSubjectIDRequired, Status: http.StatusBadRequest, Message: "subject id is required"},
	{Err: usecase.ErrUnknownRole, Status: http.StatusBadRequest, Message: "unknown role"},
	{Err: datasync.ErrUnknownSource, Status: http.StatusBadRequest, Message: "unknown resource"},
	{Err: repository.ErrNotFound, Status: http.StatusNotFound, Message: "subject not found"},
}

// RespondWithMappedError resolves the provided error against known cases or falls back to a generic response.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	for _, cs := range cases {
		if cs.Err == nil {
			continue
		}
		if errors.Is(err, cs.Err) {
			c.JSON(cs.Status, NewErrorResponse(c, cs.Message))
			return
		}
	}

	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackMessage))
}
