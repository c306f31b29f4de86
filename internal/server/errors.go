package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/prepflow/billinghooks/internal/account/domain"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	providerdomain "github.com/prepflow/billinghooks/internal/provider/domain"
	subscriptiondomain "github.com/prepflow/billinghooks/internal/subscription/domain"
	webhookdomain "github.com/prepflow/billinghooks/internal/webhook/domain"
	"gorm.io/gorm"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// mapError translates domain sentinels into the wire status. Signature and
// source failures deliberately stay indistinguishable from the payload: a
// 401 tells the sender nothing about which check failed.
func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, webhookdomain.ErrUnauthorizedSource),
		errors.Is(err, webhookdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, webhookdomain.ErrStaleTimestamp),
		errors.Is(err, webhookdomain.ErrMalformedPayload),
		errors.Is(err, webhookdomain.ErrMissingFields),
		errors.Is(err, webhookdomain.ErrUnsupportedEvent),
		errors.Is(err, accountdomain.ErrInvalidEmail),
		errors.Is(err, auditdomain.ErrInvalidAction),
		errors.Is(err, auditdomain.ErrInvalidActor),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}
	case errors.Is(err, webhookdomain.ErrDuplicateEvent),
		errors.Is(err, subscriptiondomain.ErrVersionConflict),
		errors.Is(err, subscriptiondomain.ErrIllegalTransition):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, webhookdomain.ErrEventNotFound),
		errors.Is(err, webhookdomain.ErrEntryNotFound),
		errors.Is(err, webhookdomain.ErrTaskNotFound),
		errors.Is(err, subscriptiondomain.ErrNotFound),
		errors.Is(err, providerdomain.ErrTransactionNotFound),
		errors.Is(err, providerdomain.ErrSubscriptionNotFound),
		errors.Is(err, providerdomain.ErrUnknownProvider),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, providerdomain.ErrCircuitOpen):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "provider temporarily unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
