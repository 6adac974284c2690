package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/storewise/charging/internal/charging"
	"github.com/storewise/charging/internal/ordering/domain"
	"github.com/storewise/charging/internal/payment"
	"github.com/storewise/charging/internal/payout"
	"github.com/storewise/charging/internal/usage"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware translates errors recorded on the gin context
// into a JSON error body once the handler chain finishes.
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

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, usage.ErrNotOrgMember),
		errors.Is(err, charging.ErrNotAuthorized):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}
	case errors.Is(err, charging.ErrChargeInProgress),
		errors.Is(err, payout.ErrPayoutInProgress),
		errors.Is(err, charging.ErrNoPendingPayment),
		errors.Is(err, charging.ErrNothingToRenew),
		errors.Is(err, charging.ErrNoUsageToCharge):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case payment.IsGatewayError(err):
		// The gateway's own status codes and bodies stay in the logs.
		return http.StatusBadGateway, errorPayload{
			Type:    "gateway_error",
			Message: "payment operation could not be completed",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, domain.ErrInvalidConcept),
		errors.Is(err, usage.ErrInvalidValue),
		errors.Is(err, usage.ErrUnknownCustomer),
		errors.Is(err, usage.ErrNoUsagePricing),
		errors.Is(err, usage.ErrInvalidCorrelation),
		errors.Is(err, usage.ErrStaleTimestamp),
		errors.Is(err, usage.ErrUnknownUnit):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrContractNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
