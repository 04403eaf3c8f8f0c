// Package responses defines the standard API response envelope and the
// mapping from engine errors to HTTP status codes.
package responses

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	perrors "github.com/merkle-trade/perp-engine/common/errors"
)

// StandardResponse is the envelope for every API reply.
type StandardResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Success sends a 200 with data.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, StandardResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// Created sends a 201 with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, StandardResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// BadRequest sends a 400 with the given message.
func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, StandardResponse{
		Success:   false,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	})
}

// Error maps an engine error onto the appropriate status code.
func Error(c *gin.Context, err error) {
	c.JSON(statusFor(err), StandardResponse{
		Success:   false,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, perrors.ErrMarketNotFound),
		errors.Is(err, perrors.ErrVaultNotFound),
		errors.Is(err, perrors.ErrOrderNotFound),
		errors.Is(err, perrors.ErrPositionNotFound),
		errors.Is(err, perrors.ErrPlanNotFound):
		return http.StatusNotFound
	case errors.Is(err, perrors.ErrMarketExists),
		errors.Is(err, perrors.ErrVaultExists),
		errors.Is(err, perrors.ErrPlanExists):
		return http.StatusConflict
	case errors.Is(err, perrors.ErrUnauthorized),
		errors.Is(err, perrors.ErrCapabilityUnknown),
		errors.Is(err, perrors.ErrCapabilityPending):
		return http.StatusForbidden
	case errors.Is(err, perrors.ErrMarketPaused),
		errors.Is(err, perrors.ErrHardBreaker),
		errors.Is(err, perrors.ErrSoftBreaker):
		return http.StatusLocked
	case errors.Is(err, perrors.ErrPriceStale):
		return http.StatusServiceUnavailable
	case errors.Is(err, perrors.ErrPriceNotReached),
		errors.Is(err, perrors.ErrNotLiquidatable),
		errors.Is(err, perrors.ErrRedeemTooEarly):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
