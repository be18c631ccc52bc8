// Package governance drives the amendment state machine over governance
// parameters: propose → vote → enact, with a time-based expiry sweep for
// proposals that never resolve. Every write runs through the governed
// mutation service, so the amendment change and its audit entry commit
// together or not at all.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/concord-gov/concord/internal/auditchain"
	"github.com/concord-gov/concord/internal/mutation"
	"github.com/concord-gov/concord/pkg/conviction"
)

// Audit event types emitted by the amendment lifecycle.
const (
	EventAmendmentProposed = "governance_amendment_proposed"
	EventVoteCast          = "governance_vote_cast"
	EventAmendmentEnacted  = "governance_amendment_enacted"
	EventAmendmentsExpired = "governance_amendments_expired"
)

// Config carries the service's policy knobs.
type Config struct {
	// DomainTag is the sub-ledger governance audit events append to.
	DomainTag string
	// StaleAfter is how long a proposal may sit unresolved before the
	// expiry sweep flips it to expired.
	StaleAfter time.Duration
}

const (
	DefaultDomainTag  = "governance"
	DefaultStaleAfter = 30 * 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.DomainTag == "" {
		c.DomainTag = DefaultDomainTag
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// Service orchestrates the amendment lifecycle.
type Service struct {
	pool   *pgxpool.Pool
	store  *Store
	muts   *mutation.Service
	chain  *auditchain.PostgresLedger
	cfg    Config
	logger *zap.Logger

	// now is swappable in tests.
	now func() time.Time

	mu        sync.RWMutex
	overrides map[conviction.Tier]float64
}

// NewService creates the amendment service. A nil logger is replaced with a
// no-op logger.
func NewService(pool *pgxpool.Pool, muts *mutation.Service, chain *auditchain.PostgresLedger, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:   pool,
		store:  NewStore(pool),
		muts:   muts,
		chain:  chain,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

// SetWeightOverrides replaces the conviction weight override table. Safe to
// call while votes are in flight; the config watcher uses this for hot
// reload.
func (s *Service) SetWeightOverrides(overrides map[conviction.Tier]float64) {
	copied := make(map[conviction.Tier]float64, len(overrides))
	for tier, w := range overrides {
		copied[tier] = w
	}
	s.mu.Lock()
	s.overrides = copied
	s.mu.Unlock()
}

func (s *Service) weightOverrides() map[conviction.Tier]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overrides
}

// ProposeInput describes a new amendment.
type ProposeInput struct {
	AmendmentType     string    `json:"amendment_type"`
	ProposedBy        string    `json:"proposed_by"`
	EffectiveAt       time.Time `json:"effective_at"`
	ParameterKey      string    `json:"parameter_key"`
	ProposedValue     any       `json:"proposed_value"`
	ApprovalThreshold float64   `json:"approval_threshold"`
}

func (in ProposeInput) validate(now time.Time) error {
	if in.AmendmentType == "" {
		return fmt.Errorf("%w: amendment_type is required", ErrInvalid)
	}
	if in.ProposedBy == "" {
		return fmt.Errorf("%w: proposed_by is required", ErrInvalid)
	}
	if in.ParameterKey == "" {
		return fmt.Errorf("%w: parameter_key is required", ErrInvalid)
	}
	if !in.EffectiveAt.After(now) {
		return fmt.Errorf("%w: effective_at must be strictly in the future", ErrInvalid)
	}
	if in.ApprovalThreshold <= 0 {
		return fmt.Errorf("%w: approval_threshold must be positive", ErrInvalid)
	}
	return nil
}

// Propose creates a new amendment in the proposed state, snapshotting the
// target parameter's current value and version. The snapshot anchors the
// optimistic concurrency check at enactment time.
func (s *Service) Propose(ctx context.Context, in ProposeInput) (*Amendment, error) {
	now := s.now().UTC()
	if err := in.validate(now); err != nil {
		return nil, err
	}
	proposedValue, err := json.Marshal(in.ProposedValue)
	if err != nil {
		return nil, fmt.Errorf("marshal proposed value: %w", err)
	}

	a := &Amendment{
		ID:                uuid.NewString(),
		Status:            StatusProposed,
		AmendmentType:     in.AmendmentType,
		ProposedBy:        in.ProposedBy,
		ProposedAt:        now,
		EffectiveAt:       in.EffectiveAt.UTC(),
		ParameterKey:      in.ParameterKey,
		ProposedValue:     proposedValue,
		ApprovalThreshold: in.ApprovalThreshold,
	}

	req := mutation.Request{
		MutationID: fmt.Sprintf("amendment:%s:proposed", a.ID),
		DomainTag:  s.cfg.DomainTag,
		EventType:  EventAmendmentProposed,
		ActorID:    in.ProposedBy,
		AuditPayload: map[string]any{
			"amendment_id":       a.ID,
			"amendment_type":     a.AmendmentType,
			"parameter_key":      a.ParameterKey,
			"approval_threshold": a.ApprovalThreshold,
			"effective_at":       a.EffectiveAt,
		},
	}
	out, err := mutation.Execute(ctx, s.muts, req, func(tx pgx.Tx) (*Amendment, error) {
		param, err := s.store.parameter(ctx, tx, in.ParameterKey)
		switch {
		case err == nil:
			a.ParameterVersion = param.Version
			a.CurrentValue = param.Value
		case isNotFound(err):
			// First amendment for a brand-new key: snapshot null at
			// version 0.
		default:
			return nil, err
		}
		if err := s.store.insertAmendment(ctx, tx, a); err != nil {
			return nil, err
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("amendment proposed",
		zap.String("amendment_id", a.ID),
		zap.String("parameter_key", a.ParameterKey),
		zap.Float64("approval_threshold", a.ApprovalThreshold),
	)
	return out.Result, nil
}

// VoteInput describes one ballot. Weight is resolved from the tier when nil;
// a supplied zero is recorded as zero and counts as an abstention.
type VoteInput struct {
	AmendmentID string              `json:"amendment_id"`
	VoterID     string              `json:"voter_id"`
	Decision    conviction.Decision `json:"decision"`
	Tier        conviction.Tier     `json:"governance_tier"`
	Weight      *float64            `json:"conviction_weight,omitempty"`
	Rationale   string              `json:"rationale,omitempty"`
}

func (in VoteInput) validate() error {
	if in.AmendmentID == "" {
		return fmt.Errorf("%w: amendment_id is required", ErrInvalid)
	}
	if in.VoterID == "" {
		return fmt.Errorf("%w: voter_id is required", ErrInvalid)
	}
	if !in.Decision.Valid() {
		return fmt.Errorf("%w: decision must be %q or %q", ErrInvalid, conviction.DecisionApprove, conviction.DecisionReject)
	}
	if in.Tier == "" {
		return fmt.Errorf("%w: governance_tier is required", ErrInvalid)
	}
	return nil
}

// VoteOutcome is the amendment state after one ballot, with the aggregate
// conviction result that produced it.
type VoteOutcome struct {
	Amendment *Amendment        `json:"amendment"`
	Result    conviction.Result `json:"result"`
}

// Vote casts one ballot and recomputes the amendment's aggregate result
// under a row lock. A rejection, veto or threshold-crossing, wins over any
// pending approval and is final: later votes get the wrong-state error.
func (s *Service) Vote(ctx context.Context, in VoteInput) (*VoteOutcome, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	overrides := s.weightOverrides()
	weight := conviction.ResolveWeight(in.Tier, overrides)
	if in.Weight != nil {
		weight = *in.Weight
	}

	req := mutation.Request{
		// A fresh id per call: the duplicate-voter guard inside the
		// transaction decides idempotency here, not entry-id replay.
		MutationID: uuid.NewString(),
		DomainTag:  s.cfg.DomainTag,
		EventType:  EventVoteCast,
		ActorID:    in.VoterID,
		AuditPayload: map[string]any{
			"amendment_id":      in.AmendmentID,
			"decision":          in.Decision,
			"governance_tier":   in.Tier,
			"conviction_weight": weight,
		},
	}
	out, err := mutation.Execute(ctx, s.muts, req, func(tx pgx.Tx) (*VoteOutcome, error) {
		a, err := s.store.amendmentForUpdate(ctx, tx, in.AmendmentID)
		if err != nil {
			return nil, err
		}
		if a.Status != StatusProposed {
			return nil, &StateError{AmendmentID: a.ID, Status: a.Status, Op: "vote on"}
		}
		voted, err := s.store.hasVoted(ctx, tx, a.ID, in.VoterID)
		if err != nil {
			return nil, err
		}
		if voted {
			return nil, fmt.Errorf("voter %q on amendment %q: %w", in.VoterID, a.ID, ErrAlreadyVoted)
		}

		vote := &Vote{
			AmendmentID: a.ID,
			VoterID:     in.VoterID,
			Decision:    in.Decision,
			Tier:        in.Tier,
			Weight:      weight,
			Rationale:   in.Rationale,
			VotedAt:     s.now().UTC(),
		}
		if err := s.store.insertVote(ctx, tx, vote); err != nil {
			return nil, err
		}

		votes, err := s.store.votes(ctx, tx, a.ID)
		if err != nil {
			return nil, err
		}
		res := conviction.Compute(ballots(votes), a.ApprovalThreshold, overrides)

		// Rejection wins over approval however the totals land.
		switch {
		case res.Rejected:
			a.Status = StatusRejected
		case res.Approved:
			a.Status = StatusApproved
		}
		if a.Status != StatusProposed {
			if err := s.store.setStatus(ctx, tx, a.ID, a.Status); err != nil {
				return nil, err
			}
		}
		a.Votes = votes
		return &VoteOutcome{Amendment: a, Result: res}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("vote cast",
		zap.String("amendment_id", in.AmendmentID),
		zap.String("voter_id", in.VoterID),
		zap.String("decision", string(in.Decision)),
		zap.String("status", string(out.Result.Amendment.Status)),
	)
	return out.Result, nil
}

// Enact applies an approved amendment to its parameter. The live parameter
// version must still equal the proposal-time snapshot; a mismatch fails with
// a DriftError and changes nothing. The parameter write, the status flip and
// the audit entry commit in one transaction.
func (s *Service) Enact(ctx context.Context, amendmentID, enactorID string) (*Amendment, error) {
	if amendmentID == "" {
		return nil, fmt.Errorf("%w: amendment_id is required", ErrInvalid)
	}
	if enactorID == "" {
		return nil, fmt.Errorf("%w: enactor_id is required", ErrInvalid)
	}

	req := mutation.Request{
		// Deterministic id: a retried enactment replays its committed
		// outcome instead of failing the wrong-state guard.
		MutationID: fmt.Sprintf("amendment:%s:enacted", amendmentID),
		DomainTag:  s.cfg.DomainTag,
		EventType:  EventAmendmentEnacted,
		ActorID:    enactorID,
		AuditPayload: map[string]any{
			"amendment_id": amendmentID,
			"enacted_by":   enactorID,
		},
	}
	out, err := mutation.Execute(ctx, s.muts, req, func(tx pgx.Tx) (*Amendment, error) {
		a, err := s.store.amendmentForUpdate(ctx, tx, amendmentID)
		if err != nil {
			return nil, err
		}
		if a.Status != StatusApproved {
			return nil, &StateError{AmendmentID: a.ID, Status: a.Status, Op: "enact"}
		}
		now := s.now().UTC()
		if now.Before(a.EffectiveAt) {
			return nil, fmt.Errorf("amendment %q: %w until %s", a.ID, ErrNotYetEffective, a.EffectiveAt.Format(time.RFC3339))
		}

		liveVersion := int64(0)
		param, err := s.store.parameter(ctx, tx, a.ParameterKey)
		switch {
		case err == nil:
			liveVersion = param.Version
		case isNotFound(err):
		default:
			return nil, err
		}
		if liveVersion != a.ParameterVersion {
			return nil, &DriftError{
				ParameterKey:    a.ParameterKey,
				SnapshotVersion: a.ParameterVersion,
				LiveVersion:     liveVersion,
			}
		}

		if err := s.store.writeParameter(ctx, tx, a.ParameterKey, a.ProposedValue, liveVersion+1); err != nil {
			return nil, err
		}
		if err := s.store.markEnacted(ctx, tx, a.ID, enactorID, now); err != nil {
			return nil, err
		}
		a.Status = StatusEnacted
		a.EnactedBy = enactorID
		a.EnactedAt = &now
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	if out.Replayed {
		// The first call committed; hand back the stored state.
		return s.store.Amendment(ctx, amendmentID)
	}

	s.logger.Info("amendment enacted",
		zap.String("amendment_id", amendmentID),
		zap.String("parameter_key", out.Result.ParameterKey),
		zap.Int64("parameter_version", out.Result.ParameterVersion+1),
	)
	return out.Result, nil
}

// ExpireStale flips every proposal older than the configured window to
// expired and returns the count. One audit event records the whole sweep;
// a sweep that expires nothing appends nothing.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.cfg.StaleAfter)

	var expired []string
	err := auditchain.RunSerializable(ctx, s.pool, auditchain.Config{}, s.logger, func(tx pgx.Tx) error {
		ids, err := s.store.expireStale(ctx, tx, cutoff)
		if err != nil {
			return err
		}
		expired = ids
		if len(ids) == 0 {
			return nil
		}
		_, err = s.chain.AppendTx(ctx, tx, auditchain.AppendInput{
			EntryID:   uuid.NewString(),
			DomainTag: s.cfg.DomainTag,
			EventType: EventAmendmentsExpired,
			ActorID:   "system",
			Payload: map[string]any{
				"count":         len(ids),
				"amendment_ids": ids,
				"cutoff":        cutoff,
			},
		})
		if err != nil {
			return fmt.Errorf("audit append: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(expired) > 0 {
		s.logger.Info("stale amendments expired", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// Amendment loads one amendment with its votes.
func (s *Service) Amendment(ctx context.Context, id string) (*Amendment, error) {
	return s.store.Amendment(ctx, id)
}

// List returns amendments, newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Amendment, error) {
	return s.store.List(ctx, status, limit)
}

// Parameter loads one governance parameter.
func (s *Service) Parameter(ctx context.Context, key string) (*Parameter, error) {
	return s.store.Parameter(ctx, key)
}

// ballots converts stored votes into the aggregator's shape.
func ballots(votes []Vote) []conviction.Ballot {
	out := make([]conviction.Ballot, len(votes))
	for i, v := range votes {
		w := v.Weight
		out[i] = conviction.Ballot{Decision: v.Decision, Tier: v.Tier, Weight: &w}
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
