package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/concord-gov/concord/internal/auditchain"
	"github.com/concord-gov/concord/internal/identity"
)

// LedgerHandler exposes the audit chain's operational endpoints: the per-tag
// overview, integrity verification and the circuit breaker.
type LedgerHandler struct {
	ledger auditchain.Ledger
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger auditchain.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

// SetTokenIssuer configures the governance token issuer for the breaker
// reset route.
func (h *LedgerHandler) SetTokenIssuer(tokens *identity.TokenIssuer) {
	h.tokens = tokens
}

func (h *LedgerHandler) requireToken() gin.HandlerFunc {
	if h.tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return identity.RequireToken(h.tokens)
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/breaker", h.Breaker)
		l.POST("/breaker/reset", h.requireToken(), h.ResetBreaker)
	}
}

// Overview handles GET /ledger: every chain head plus the entry count.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	heads, err := h.ledger.Heads(ctx)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if heads == nil {
		heads = []auditchain.ChainHead{}
	}
	count, err := h.ledger.Count(ctx, "")
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": count,
		"chains":  heads,
	})
}

// Verify handles GET /ledger/verify?domain_tag=&limit=&from. Limit and from
// must parse as non-negative integers; the underlying walk applies its own
// safety bound to an unscoped, unlimited call.
func (h *LedgerHandler) Verify(c *gin.Context) {
	opts := auditchain.VerifyOptions{DomainTag: c.Query("domain_tag")}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		opts.Limit = limit
	}
	if raw := c.Query("from"); raw != "" {
		from, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || from < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
			return
		}
		opts.FromSeq = from
	}

	res, err := h.ledger.Verify(c.Request.Context(), opts)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	RecordChainVerification(res.Valid)
	c.JSON(http.StatusOK, res)
}

// Breaker handles GET /ledger/breaker: the quarantine snapshot.
func (h *LedgerHandler) Breaker(c *gin.Context) {
	snap := h.ledger.BreakerSnapshot()
	SetQuarantinedGauge(float64(len(snap.AffectedDomainTags)))
	c.JSON(http.StatusOK, snap)
}

type breakerResetRequest struct {
	DomainTag string `json:"domain_tag" binding:"required"`
}

// ResetBreaker handles POST /ledger/breaker/reset: lifts the quarantine
// for one domain tag.
func (h *LedgerHandler) ResetBreaker(c *gin.Context) {
	var req breakerResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.ledger.ResetCircuitBreaker(req.DomainTag)
	snap := h.ledger.BreakerSnapshot()
	SetQuarantinedGauge(float64(len(snap.AffectedDomainTags)))

	h.logger.Info("circuit breaker reset",
		zap.String("domain_tag", req.DomainTag),
		zap.String("state", string(snap.State)),
	)
	c.JSON(http.StatusOK, snap)
}
