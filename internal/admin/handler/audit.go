package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/concord-gov/concord/internal/auditchain"
	"github.com/concord-gov/concord/internal/auditquery"
)

// auditQuerySvc is the interface expected by AuditHandler, satisfied by
// *auditquery.Service.
type auditQuerySvc interface {
	Events(ctx context.Context, f auditquery.Filter) ([]*auditchain.Entry, error)
	Interactions(ctx context.Context, f auditquery.Filter) ([]auditquery.Interaction, error)
	PairwiseInteractions(ctx context.Context, a, b string, from, to time.Time) ([]auditquery.Interaction, error)
	ScoreDistribution(ctx context.Context, opts auditquery.DistributionOptions) (*auditquery.Distribution, error)
	Export(ctx context.Context, opts auditquery.ExportOptions) (*auditquery.Exporter, error)
	Stats(ctx context.Context, f auditquery.Filter) (*auditquery.Stats, error)
}

// AuditHandler exposes the ledger's read side: range queries, projections,
// the score distribution, aggregate stats and the JSON Lines export stream.
type AuditHandler struct {
	queries auditQuerySvc
	logger  *zap.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(queries auditQuerySvc, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{queries: queries, logger: logger}
}

// Register mounts the audit read routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	{
		a.GET("/events", h.Events)
		a.GET("/interactions", h.Interactions)
		a.GET("/interactions/pairwise", h.Pairwise)
		a.GET("/distribution", h.Distribution)
		a.GET("/stats", h.Stats)
		a.GET("/export", h.Export)
	}
}

// parseFilter reads the shared query parameters into a Filter. Timestamps
// are RFC 3339.
func parseFilter(c *gin.Context) (auditquery.Filter, bool) {
	f := auditquery.Filter{
		DomainTag: c.Query("domain_tag"),
		EventType: c.Query("event_type"),
		ActorID:   c.Query("actor_id"),
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be an RFC 3339 timestamp"})
			return f, false
		}
		f.From = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be an RFC 3339 timestamp"})
			return f, false
		}
		f.To = t
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return f, false
		}
		f.Limit = limit
	}
	return f, true
}

// Events handles GET /audit/events.
func (h *AuditHandler) Events(c *gin.Context) {
	f, ok := parseFilter(c)
	if !ok {
		return
	}
	entries, err := h.queries.Events(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*auditchain.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

// Interactions handles GET /audit/interactions: the flattened projection.
func (h *AuditHandler) Interactions(c *gin.Context) {
	f, ok := parseFilter(c)
	if !ok {
		return
	}
	records, err := h.queries.Interactions(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if records == nil {
		records = []auditquery.Interaction{}
	}
	c.JSON(http.StatusOK, gin.H{"interactions": records})
}

// Pairwise handles GET /audit/interactions/pairwise?a=&b=.
func (h *AuditHandler) Pairwise(c *gin.Context) {
	a, b := c.Query("a"), c.Query("b")
	if a == "" || b == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "both a and b identifiers are required"})
		return
	}
	f, ok := parseFilter(c)
	if !ok {
		return
	}
	records, err := h.queries.PairwiseInteractions(c.Request.Context(), a, b, f.From, f.To)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if records == nil {
		records = []auditquery.Interaction{}
	}
	c.JSON(http.StatusOK, gin.H{"interactions": records})
}

// Distribution handles GET /audit/distribution?min=&max=&buckets=.
func (h *AuditHandler) Distribution(c *gin.Context) {
	f, ok := parseFilter(c)
	if !ok {
		return
	}

	min, err := strconv.ParseFloat(c.DefaultQuery("min", "0"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "min must be a number"})
		return
	}
	max, err := strconv.ParseFloat(c.DefaultQuery("max", "1"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max must be a number"})
		return
	}
	buckets, err := strconv.Atoi(c.DefaultQuery("buckets", "10"))
	if err != nil || buckets <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buckets must be a positive integer"})
		return
	}

	dist, err := h.queries.ScoreDistribution(c.Request.Context(), auditquery.DistributionOptions{
		DomainTag: f.DomainTag,
		EventType: f.EventType,
		From:      f.From,
		To:        f.To,
		Min:       min,
		Max:       max,
		Buckets:   buckets,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dist)
}

// Stats handles GET /audit/stats.
func (h *AuditHandler) Stats(c *gin.Context) {
	f, ok := parseFilter(c)
	if !ok {
		return
	}
	st, err := h.queries.Stats(c.Request.Context(), f)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Export handles GET /audit/export: streams JSON Lines. The exporter is
// closed on every path, including a consumer that disconnects mid-stream.
func (h *AuditHandler) Export(c *gin.Context) {
	f, ok := parseFilter(c)
	if !ok {
		return
	}
	opts := auditquery.ExportOptions{
		Filter:            f,
		IncludeProvenance: c.Query("provenance") == "true",
	}

	ctx := c.Request.Context()
	exp, err := h.queries.Export(ctx, opts)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	defer exp.Close(ctx) //nolint:errcheck

	c.Header("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(c.Writer)
	for exp.Next(ctx) {
		if err := enc.Encode(exp.Record()); err != nil {
			// Consumer went away; the deferred Close reclaims the cursor.
			h.logger.Debug("export stream interrupted", zap.Error(err))
			return
		}
	}
	if err := exp.Err(); err != nil {
		h.logger.Error("export stream failed", zap.Error(err))
	}
}
