// Package ingest is the thin append port that event-ingestion collaborators
// write through. The port is fail-closed on both sides: the chain-backed
// recorder propagates every ledger failure, and the placeholder used before
// the ledger is wired up always errors, so an integrator can never silently
// drop events.
package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/concord-gov/concord/internal/auditchain"
)

// ErrRecorderUnavailable is returned by Unavailable for every call.
var ErrRecorderUnavailable = errors.New("audit recorder not yet available")

// Event is one classified platform event to record.
type Event struct {
	DomainTag string
	EventType string
	ActorID   string
	Payload   any
	EventTime time.Time
}

// Recorder appends classified events to the audit ledger. Implementations
// must propagate failures; an append that did not happen must never look
// like one that did.
type Recorder interface {
	Record(ctx context.Context, ev Event) (*auditchain.Entry, error)
}

// ChainRecorder writes events straight to the hash-chained ledger.
type ChainRecorder struct {
	ledger auditchain.Ledger
	logger *zap.Logger
}

// NewChainRecorder creates a Recorder over the given ledger. A nil logger is
// replaced with a no-op logger.
func NewChainRecorder(ledger auditchain.Ledger, logger *zap.Logger) *ChainRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainRecorder{ledger: ledger, logger: logger}
}

// Record appends one event. Any ledger failure, quarantine included, is
// returned to the caller untouched.
func (r *ChainRecorder) Record(ctx context.Context, ev Event) (*auditchain.Entry, error) {
	entry, err := r.ledger.Append(ctx, auditchain.AppendInput{
		DomainTag: ev.DomainTag,
		EventType: ev.EventType,
		ActorID:   ev.ActorID,
		Payload:   ev.Payload,
		EventTime: ev.EventTime,
	})
	if err != nil {
		r.logger.Error("event ingest append failed",
			zap.String("domain_tag", ev.DomainTag),
			zap.String("event_type", ev.EventType),
			zap.Error(err),
		)
		return nil, err
	}
	return entry, nil
}

// Unavailable is the stand-in Recorder for deployments where the ledger is
// not wired up yet. Every call fails with ErrRecorderUnavailable.
type Unavailable struct{}

// Record implements Recorder by always failing.
func (Unavailable) Record(context.Context, Event) (*auditchain.Entry, error) {
	return nil, ErrRecorderUnavailable
}
