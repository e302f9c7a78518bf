package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/keyplane/billing/internal/billing/domain"
)

type errorPayload struct {
	Type    string         `json:"type"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
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

func invalidRequestError(field string) error {
	return &domain.ValidationError{
		Code:    "INVALID_REQUEST",
		Message: "invalid request",
		Details: map[string]any{"field": field},
	}
}

func parseCustomerID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("customer_id"), 10, 64)
	if err != nil || id <= 0 {
		AbortWithError(c, invalidRequestError("customer_id"))
		return 0, false
	}
	return id, true
}

func mapError(err error) (int, errorPayload) {
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    vErr.Code,
			Message: vErr.Message,
			Details: vErr.Details,
		}
	}

	switch {
	case errors.Is(err, domain.ErrCustomerNotFound),
		errors.Is(err, domain.ErrServiceInstanceNotFound),
		errors.Is(err, domain.ErrBillingRecordNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, domain.ErrLockTimeout):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "customer is busy, retry later",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
