package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/concord-gov/concord/internal/governance"
	"github.com/concord-gov/concord/internal/identity"
	"github.com/concord-gov/concord/pkg/conviction"
)

// amendmentSvc is the interface expected by AmendmentHandler, satisfied by
// *governance.Service.
type amendmentSvc interface {
	Propose(ctx context.Context, in governance.ProposeInput) (*governance.Amendment, error)
	Vote(ctx context.Context, in governance.VoteInput) (*governance.VoteOutcome, error)
	Enact(ctx context.Context, amendmentID, enactorID string) (*governance.Amendment, error)
	ExpireStale(ctx context.Context) (int, error)
	Amendment(ctx context.Context, id string) (*governance.Amendment, error)
	List(ctx context.Context, status governance.Status, limit int) ([]*governance.Amendment, error)
	Parameter(ctx context.Context, key string) (*governance.Parameter, error)
}

// AmendmentHandler exposes the amendment lifecycle over HTTP.
type AmendmentHandler struct {
	svc    amendmentSvc
	tokens *identity.TokenIssuer
	logger *zap.Logger
}

// NewAmendmentHandler creates an AmendmentHandler.
func NewAmendmentHandler(svc amendmentSvc, logger *zap.Logger) *AmendmentHandler {
	return &AmendmentHandler{svc: svc, logger: logger}
}

// SetTokenIssuer configures the governance token issuer for protected
// routes. Without one, write routes are open, development mode only.
func (h *AmendmentHandler) SetTokenIssuer(tokens *identity.TokenIssuer) {
	h.tokens = tokens
}

func (h *AmendmentHandler) requireToken() gin.HandlerFunc {
	if h.tokens == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return identity.RequireToken(h.tokens)
}

// Register mounts the amendment and parameter routes on the router group.
func (h *AmendmentHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/amendments")
	{
		a.POST("", h.requireToken(), h.Propose)
		a.GET("", h.List)
		a.GET("/:id", h.Get)
		a.POST("/:id/votes", h.requireToken(), h.Vote)
		a.POST("/:id/enact", h.requireToken(), h.Enact)
		a.POST("/expire", h.requireToken(), h.Expire)
	}
	rg.GET("/parameters/:key", h.GetParameter)
}

type proposeRequest struct {
	AmendmentType     string    `json:"amendment_type" binding:"required"`
	ProposedBy        string    `json:"proposed_by"`
	EffectiveAt       time.Time `json:"effective_at" binding:"required"`
	ParameterKey      string    `json:"parameter_key" binding:"required"`
	ProposedValue     any       `json:"proposed_value"`
	ApprovalThreshold float64   `json:"approval_threshold" binding:"required"`
}

// Propose handles POST /amendments.
func (h *AmendmentHandler) Propose(c *gin.Context) {
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// A token overrides whatever the body claims about the actor.
	if claims := identity.ClaimsFromCtx(c); claims != nil {
		req.ProposedBy = claims.ActorID
	}

	a, err := h.svc.Propose(c.Request.Context(), governance.ProposeInput{
		AmendmentType:     req.AmendmentType,
		ProposedBy:        req.ProposedBy,
		EffectiveAt:       req.EffectiveAt,
		ParameterKey:      req.ParameterKey,
		ProposedValue:     req.ProposedValue,
		ApprovalThreshold: req.ApprovalThreshold,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	RecordAmendmentEvent("proposed")
	RecordAuditAppend()
	c.JSON(http.StatusCreated, a)
}

// List handles GET /amendments?status=&limit=.
func (h *AmendmentHandler) List(c *gin.Context) {
	var status governance.Status
	if raw := c.Query("status"); raw != "" {
		parsed, err := governance.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		status = parsed
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	amendments, err := h.svc.List(c.Request.Context(), status, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if amendments == nil {
		amendments = []*governance.Amendment{}
	}
	c.JSON(http.StatusOK, gin.H{"amendments": amendments})
}

// Get handles GET /amendments/:id.
func (h *AmendmentHandler) Get(c *gin.Context) {
	a, err := h.svc.Amendment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type voteRequest struct {
	VoterID   string   `json:"voter_id"`
	Decision  string   `json:"decision" binding:"required"`
	Tier      string   `json:"governance_tier"`
	Weight    *float64 `json:"conviction_weight"`
	Rationale string   `json:"rationale"`
}

// Vote handles POST /amendments/:id/votes. The voter and tier come from the
// governance token when one is presented; the body fields only matter in
// unauthenticated development mode.
func (h *AmendmentHandler) Vote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if claims := identity.ClaimsFromCtx(c); claims != nil {
		req.VoterID = claims.ActorID
		req.Tier = claims.Tier
	}

	out, err := h.svc.Vote(c.Request.Context(), governance.VoteInput{
		AmendmentID: c.Param("id"),
		VoterID:     req.VoterID,
		Decision:    conviction.Decision(req.Decision),
		Tier:        conviction.Tier(req.Tier),
		Weight:      req.Weight,
		Rationale:   req.Rationale,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	RecordAmendmentEvent("vote_cast")
	RecordAuditAppend()
	c.JSON(http.StatusOK, out)
}

// Enact handles POST /amendments/:id/enact.
func (h *AmendmentHandler) Enact(c *gin.Context) {
	enactorID := ""
	if claims := identity.ClaimsFromCtx(c); claims != nil {
		enactorID = claims.ActorID
	} else {
		var req struct {
			EnactorID string `json:"enactor_id"`
		}
		_ = c.ShouldBindJSON(&req)
		enactorID = req.EnactorID
	}

	a, err := h.svc.Enact(c.Request.Context(), c.Param("id"), enactorID)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	RecordAmendmentEvent("enacted")
	RecordAuditAppend()
	c.JSON(http.StatusOK, a)
}

// Expire handles POST /amendments/expire: runs the stale sweep now.
func (h *AmendmentHandler) Expire(c *gin.Context) {
	count, err := h.svc.ExpireStale(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if count > 0 {
		RecordAmendmentEvent("expired")
		RecordAuditAppend()
	}
	c.JSON(http.StatusOK, gin.H{"expired": count})
}

// GetParameter handles GET /parameters/:key.
func (h *AmendmentHandler) GetParameter(c *gin.Context) {
	p, err := h.svc.Parameter(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
