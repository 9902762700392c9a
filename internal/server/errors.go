package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/storelift/metering/internal/account/domain"
	promodomain "github.com/storelift/metering/internal/promo/domain"
	purchasedomain "github.com/storelift/metering/internal/purchase/domain"
	quotadomain "github.com/storelift/metering/internal/quota/domain"
	reservationdomain "github.com/storelift/metering/internal/reservation/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

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

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// mapError turns domain errors into HTTP rejections with messages that tell
// the merchant what to do next, not just what went wrong.
func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, accountdomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_balance",
			Message: "not enough tokens for this operation; purchase more tokens to continue",
		}
	case errors.Is(err, quotadomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: "monthly query limit reached; upgrade your plan to keep going",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests; slow down and retry shortly",
		}
	case errors.Is(err, quotadomain.ErrProviderNotAllowed):
		return http.StatusForbidden, errorPayload{
			Type:    "provider_not_allowed",
			Message: "this AI provider is not included in your plan; upgrade to unlock it",
		}
	case errors.Is(err, promodomain.ErrNotFoundOrExpired):
		return http.StatusNotFound, errorPayload{
			Type:    "promo_not_found_or_expired",
			Message: "promo code not found or expired; check the code and try again",
		}
	case errors.Is(err, promodomain.ErrMaxUsesReached):
		return http.StatusGone, errorPayload{
			Type:    "promo_max_uses_reached",
			Message: "promo code has reached its redemption limit",
		}
	case errors.Is(err, purchasedomain.ErrDuplicateCharge):
		return http.StatusConflict, errorPayload{
			Type:    "duplicate_charge",
			Message: "this charge was already recorded",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, accountdomain.ErrInvalidShopDomain),
		errors.Is(err, accountdomain.ErrInvalidAmount),
		errors.Is(err, reservationdomain.ErrInvalidEstimate),
		errors.Is(err, reservationdomain.ErrInvalidActualTokens),
		errors.Is(err, reservationdomain.ErrInvalidReservationID),
		errors.Is(err, reservationdomain.ErrInvalidFeature),
		errors.Is(err, purchasedomain.ErrInvalidTokens),
		errors.Is(err, purchasedomain.ErrInvalidUSD),
		errors.Is(err, purchasedomain.ErrInvalidChargeID),
		errors.Is(err, quotadomain.ErrInvalidConsumeCount),
		errors.Is(err, quotadomain.ErrInvalidProvider),
		errors.Is(err, quotadomain.ErrUnknownPlan),
		errors.Is(err, promodomain.ErrInvalidPromoCode),
		errors.Is(err, promodomain.ErrInvalidPromoRequest):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, reservationdomain.ErrReservationNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

// classifyErrorForLog labels request errors for the access log.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server_error", payload.Type
	case status >= http.StatusBadRequest:
		return "client_error", payload.Type
	default:
		return "", payload.Type
	}
}
