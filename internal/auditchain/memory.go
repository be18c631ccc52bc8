package auditchain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []*Entry
	heads   map[string]*ChainHead
	byID    map[string]struct{}
	breaker *Breaker
	cfg     Config
	logger  *zap.Logger
}

// New creates an empty MemoryLedger. A nil logger is replaced with a no-op
// logger.
func New(cfg Config, logger *zap.Logger) *MemoryLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &MemoryLedger{
		heads:   make(map[string]*ChainHead),
		byID:    make(map[string]struct{}),
		breaker: NewBreaker(cfg.QuarantineThreshold),
		cfg:     cfg,
		logger:  logger,
	}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, in AppendInput) (*Entry, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if l.breaker.Quarantined(in.DomainTag) {
		return nil, NewQuarantineError(in.DomainTag)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if in.EntryID != "" {
		if _, exists := l.byID[in.EntryID]; exists {
			return nil, fmt.Errorf("entry %q: %w", in.EntryID, ErrDuplicateEntry)
		}
	}

	prevHash := GenesisHash
	if head, ok := l.heads[in.DomainTag]; ok {
		prevHash = head.EntryHash
	}

	entry, err := newEntry(in, prevHash)
	if err != nil {
		return nil, err
	}
	entry.Seq = int64(len(l.entries)) + 1
	entry.RecordedAt = time.Now().UTC()

	l.entries = append(l.entries, entry)
	l.byID[entry.EntryID] = struct{}{}
	l.heads[in.DomainTag] = &ChainHead{
		DomainTag: in.DomainTag,
		EntryHash: entry.EntryHash,
		Seq:       entry.Seq,
		UpdatedAt: entry.RecordedAt,
	}
	return entry, nil
}

// Verify implements Ledger.
func (l *MemoryLedger) Verify(_ context.Context, opts VerifyOptions) (*VerifyResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if opts.DomainTag == "" && limit == 0 {
		limit = l.cfg.VerifySafetyLimit
		l.logger.Warn("unscoped verify without limit, applying safety bound",
			zap.Int("limit", limit),
		)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	walker := newChainWalker(opts.FromSeq == 0)
	var broken *Entry
	for _, e := range l.entries {
		if e.Seq < opts.FromSeq {
			continue
		}
		if opts.DomainTag != "" && e.DomainTag != opts.DomainTag {
			continue
		}
		if limit > 0 && walker.checked >= limit {
			break
		}
		if !walker.observe(e) {
			broken = e
			break
		}
	}

	res := walker.result(broken)
	recordVerifyOutcome(l.breaker, l.logger, res, walker.seenTags())
	return res, nil
}

// Head implements Ledger.
func (l *MemoryLedger) Head(_ context.Context, domainTag string) (*ChainHead, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	head, ok := l.heads[domainTag]
	if !ok {
		return nil, fmt.Errorf("domain tag %q: %w", domainTag, ErrNoChain)
	}
	h := *head
	return &h, nil
}

// Heads implements Ledger.
func (l *MemoryLedger) Heads(_ context.Context) ([]ChainHead, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	heads := make([]ChainHead, 0, len(l.heads))
	for _, head := range l.heads {
		heads = append(heads, *head)
	}
	sort.Slice(heads, func(i, j int) bool { return heads[i].DomainTag < heads[j].DomainTag })
	return heads, nil
}

// Count implements Ledger.
func (l *MemoryLedger) Count(_ context.Context, domainTag string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if domainTag == "" {
		return int64(len(l.entries)), nil
	}
	var n int64
	for _, e := range l.entries {
		if e.DomainTag == domainTag {
			n++
		}
	}
	return n, nil
}

// BreakerSnapshot implements Ledger.
func (l *MemoryLedger) BreakerSnapshot() BreakerSnapshot {
	return l.breaker.Snapshot()
}

// Quarantined implements Ledger.
func (l *MemoryLedger) Quarantined(domainTag string) bool {
	return l.breaker.Quarantined(domainTag)
}

// ResetCircuitBreaker implements Ledger.
func (l *MemoryLedger) ResetCircuitBreaker(domainTag string) {
	l.breaker.Reset(domainTag)
}
