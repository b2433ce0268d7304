package httpapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
	"github.com/MarkoPoloResearchLab/billing/pkg/payevent"
	"github.com/MarkoPoloResearchLab/billing/pkg/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (server *Server) writeError(c *gin.Context, err error) {
	var insufficient *billing.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":           "insufficient balance",
			"current_cents":   insufficient.CurrentCents.Int64(),
			"requested_cents": insufficient.RequestedCents.Int64(),
		})
		return
	}
	switch {
	case errors.Is(err, billing.ErrOrganizationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "organization not found"})
	case errors.Is(err, billing.ErrLockTimeout), errors.Is(err, billing.ErrTransientStore):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transient store failure, retry with backoff"})
	case errors.Is(err, payevent.ErrStaleEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "event older than maximum age"})
	case errors.Is(err, payevent.ErrFutureEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "event timestamp too far in the future"})
	case isValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		server.deps.Logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func isValidationError(err error) bool {
	validationTargets := []error{
		billing.ErrInvalidOrganizationID,
		billing.ErrInvalidUserID,
		billing.ErrInvalidAmountCents,
		billing.ErrInvalidTransactionType,
		billing.ErrInvalidMetadata,
		billing.ErrInvalidUsageSpec,
		billing.ErrInvalidListLimit,
		payevent.ErrInvalidEvent,
		ratelimit.ErrInvalidLimiterConfig,
		ratelimit.ErrInvalidLimiterKey,
	}
	for _, target := range validationTargets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
