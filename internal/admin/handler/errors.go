// Package handler is the thin HTTP surface over the governance core: gin
// handlers for amendments, the audit ledger, the read-side queries and the
// partition health check, plus the shared middleware (auth, rate limiting,
// metrics).
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/concord-gov/concord/internal/auditchain"
	"github.com/concord-gov/concord/internal/governance"
)

// writeError maps a service error onto the API's status-code taxonomy:
// validation 400, missing 404, state/concurrency conflicts 409, quarantine
// 422, everything else 500. Unmapped errors are logged but not echoed.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	var stateErr *governance.StateError
	var driftErr *governance.DriftError
	var quarantineErr *auditchain.QuarantineError

	switch {
	case errors.Is(err, governance.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, governance.ErrNotFound),
		errors.Is(err, auditchain.ErrNoChain),
		errors.Is(err, auditchain.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &stateErr),
		errors.As(err, &driftErr),
		errors.Is(err, governance.ErrAlreadyVoted),
		errors.Is(err, governance.ErrNotYetEffective),
		errors.Is(err, auditchain.ErrDuplicateEntry):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &quarantineErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      quarantineErr.Error(),
			"code":       quarantineErr.Code,
			"domain_tag": quarantineErr.DomainTag,
		})
	default:
		logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
