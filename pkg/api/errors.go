package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ruleiq/orchestrator/pkg/fault"
)

// ErrorResponse is the JSON body of every non-2xx API response.
type ErrorResponse struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// statusForKind maps fault kinds to HTTP status codes. Kinds that only
// describe run-level failures fall through to 500; they reach clients
// through the run view, not as request errors.
func statusForKind(k fault.Kind) int {
	switch k {
	case fault.KindInvalidInput:
		return http.StatusBadRequest
	case fault.KindUnauthorized:
		return http.StatusUnauthorized
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindVersionConflict, fault.KindCancelled:
		return http.StatusConflict
	case fault.KindBudgetExceeded:
		return http.StatusTooManyRequests
	case fault.KindModelsUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as a JSON error response. Internal faults are
// masked; the cause goes to the log, never to the client.
func writeError(c *gin.Context, err error) {
	kind := fault.KindOf(err)
	status := statusForKind(kind)

	msg := string(kind)
	var fe *fault.Error
	if errors.As(err, &fe) {
		msg = fe.Public()
	}
	if status == http.StatusInternalServerError {
		slog.Error("Unexpected service error", "error", err)
		msg = "internal server error"
	}

	c.JSON(status, &ErrorResponse{Kind: string(kind), Error: msg})
}
