package auditchain

import (
	"context"
	"errors"
	"time"
)

// ErrNoChain is returned by Head when a domain tag has no entries yet.
var ErrNoChain = errors.New("no chain for domain tag")

// ErrDuplicateEntry is returned when an append reuses an existing entry id.
var ErrDuplicateEntry = errors.New("duplicate entry id")

// ErrEntryNotFound is returned by entry lookups that match nothing.
var ErrEntryNotFound = errors.New("audit entry not found")

// ChainHead is the per-domain-tag pointer to the latest entry. It is updated
// exactly once per successful append, in the same transaction as the insert.
type ChainHead struct {
	DomainTag string    `json:"domain_tag"`
	EntryHash string    `json:"entry_hash"`
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config carries the ledger's operational policy. Zero values fall back to
// the defaults below, so a zero Config is usable. Policy is passed in
// explicitly so multiple ledger instances can run with independent settings.
type Config struct {
	// MaxRetries bounds transparent retries of serialization conflicts.
	MaxRetries int
	// RetryBackoff is the base delay between retries, growing linearly.
	RetryBackoff time.Duration
	// VerifySafetyLimit caps an unscoped, unbounded verify.
	VerifySafetyLimit int
	// QuarantineThreshold is the consecutive-failure count that trips the
	// circuit breaker for a domain tag.
	QuarantineThreshold int
}

const (
	DefaultMaxRetries          = 3
	DefaultRetryBackoff        = 50 * time.Millisecond
	DefaultVerifySafetyLimit   = 10_000
	DefaultQuarantineThreshold = 3
)

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.VerifySafetyLimit <= 0 {
		c.VerifySafetyLimit = DefaultVerifySafetyLimit
	}
	if c.QuarantineThreshold <= 0 {
		c.QuarantineThreshold = DefaultQuarantineThreshold
	}
	return c
}

// Ledger is the interface for the append-only audit chain.
// Both MemoryLedger and PostgresLedger implement this interface.
type Ledger interface {
	// Append adds a new entry chained onto the domain tag's current head.
	Append(ctx context.Context, in AppendInput) (*Entry, error)

	// Verify walks entries in seq order and checks hash consistency.
	Verify(ctx context.Context, opts VerifyOptions) (*VerifyResult, error)

	// Head returns the chain head for one domain tag, or ErrNoChain.
	Head(ctx context.Context, domainTag string) (*ChainHead, error)

	// Heads returns every chain head, ordered by domain tag.
	Heads(ctx context.Context) ([]ChainHead, error)

	// Count returns the number of entries for a domain tag, or across all
	// tags when domainTag is empty.
	Count(ctx context.Context, domainTag string) (int64, error)

	// BreakerSnapshot reports the circuit breaker's state.
	BreakerSnapshot() BreakerSnapshot

	// Quarantined reports whether appends for the tag currently fail fast.
	Quarantined(domainTag string) bool

	// ResetCircuitBreaker lifts the quarantine for one domain tag.
	ResetCircuitBreaker(domainTag string)
}
