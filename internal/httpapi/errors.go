package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/internal/observe"
)

// errorBody is the JSON error contract: a stable machine code and a
// human-readable reason. Codes are part of the API; reasons are free text.
type errorBody struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// writeError maps a fault to its HTTP status and writes the error body.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= 500 {
		observe.Logger(c.Request.Context()).Error("request failed",
			"method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, errorBody{
		Code:   fault.CodeOf(err),
		Reason: reasonFor(err),
	})
}

// statusFor picks the HTTP status. Specific codes override the class default:
// lookups map to 404, conflicts to 409, the rest follow the fault class.
func statusFor(err error) int {
	switch code := fault.CodeOf(err); {
	case strings.HasSuffix(code, "_not_found"):
		return http.StatusNotFound
	case code == "meeting_exists", code == "busy":
		return http.StatusConflict
	case code == "unauthenticated":
		return http.StatusUnauthorized
	case code == "tenant_required", code == "forbidden":
		return http.StatusForbidden
	}

	switch fault.ClassOf(err) {
	case fault.ClassClient:
		return http.StatusBadRequest
	case fault.ClassCircuitOpen, fault.ClassTransient:
		return http.StatusServiceUnavailable
	case fault.ClassPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// reasonFor returns the fault's reason without internal wrapping noise for
// 5xx responses, where the full chain belongs in the log, not the body.
func reasonFor(err error) string {
	if statusFor(err) >= 500 {
		return "internal error; see server logs (code " + fault.CodeOf(err) + ")"
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return err.Error()
}
