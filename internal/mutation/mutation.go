// Package mutation executes a caller-supplied business write and its audit
// append in one SERIALIZABLE transaction, guaranteeing both-or-neither. It
// is the enforcement boundary for conservation-law invariants: the caller's
// mutate closure is expected to verify them and any error it returns aborts
// the whole transaction, audit record included.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/concord-gov/concord/internal/auditchain"
)

// Request describes one governed mutation. MutationID doubles as the audit
// entry's id, which makes retried calls with the same id idempotent rather
// than duplicative.
type Request struct {
	MutationID      string
	DomainTag       string
	EventType       string
	ActorID         string
	EventTime       time.Time // defaults to now
	ContractVersion string
	AuditPayload    any
}

// Outcome carries the mutation result alongside its audit twin. Replayed is
// set when the mutation id had already been committed; the stored entry is
// returned and Result is the zero value, since the business write from the
// first call is already in place.
type Outcome[T any] struct {
	Result     T
	AuditEntry *auditchain.Entry
	Replayed   bool
}

// Service runs governed mutations against one database. Retry policy is
// explicit per instance.
type Service struct {
	pool   *pgxpool.Pool
	chain  *auditchain.PostgresLedger
	cfg    auditchain.Config
	logger *zap.Logger
}

// NewService creates a governed mutation service sharing the given chain's
// append semantics. A nil logger is replaced with a no-op logger.
func NewService(pool *pgxpool.Pool, chain *auditchain.PostgresLedger, cfg auditchain.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{pool: pool, chain: chain, cfg: cfg, logger: logger}
}

// Execute runs mutate and the audit append in one SERIALIZABLE transaction,
// retrying serialization conflicts as a unit. A package-level generic
// function rather than a method, since Go methods cannot carry type
// parameters.
func Execute[T any](ctx context.Context, s *Service, req Request, mutate func(pgx.Tx) (T, error)) (Outcome[T], error) {
	var out Outcome[T]

	if req.MutationID == "" {
		return out, fmt.Errorf("mutation id is required")
	}
	in := auditchain.AppendInput{
		EntryID:         req.MutationID,
		DomainTag:       req.DomainTag,
		EventType:       req.EventType,
		ActorID:         req.ActorID,
		Payload:         req.AuditPayload,
		EventTime:       req.EventTime,
		ContractVersion: req.ContractVersion,
	}
	if err := in.Validate(); err != nil {
		return out, err
	}
	// Fail fast on a quarantined tag before running the caller's write;
	// the append would only reject it afterwards.
	if s.chain.Quarantined(in.DomainTag) {
		return out, auditchain.NewQuarantineError(in.DomainTag)
	}

	err := auditchain.RunSerializable(ctx, s.pool, s.cfg, s.logger, func(tx pgx.Tx) error {
		existing, err := s.chain.EntryByIDTx(ctx, tx, req.MutationID)
		if err == nil {
			out = Outcome[T]{AuditEntry: existing, Replayed: true}
			return nil
		}
		if !errors.Is(err, auditchain.ErrEntryNotFound) {
			return err
		}

		result, err := mutate(tx)
		if err != nil {
			return err
		}
		entry, err := s.chain.AppendTx(ctx, tx, in)
		if err != nil {
			return fmt.Errorf("audit append: %w", err)
		}
		out = Outcome[T]{Result: result, AuditEntry: entry}
		return nil
	})
	if err != nil {
		return Outcome[T]{}, err
	}

	if out.Replayed {
		s.logger.Debug("governed mutation replayed",
			zap.String("mutation_id", req.MutationID),
			zap.String("domain_tag", req.DomainTag),
		)
	}
	return out, nil
}
