package auditchain

import (
	"fmt"

	"go.uber.org/zap"
)

// VerifyOptions scopes a verification walk. The zero value verifies
// everything, subject to the unscoped safety bound.
type VerifyOptions struct {
	// DomainTag restricts the walk to one sub-ledger. A scoped walk is
	// naturally bounded and applies no implicit limit.
	DomainTag string
	// Limit caps the number of entries examined. Zero means "not given":
	// an unscoped walk then falls back to the configured safety bound.
	Limit int
	// FromSeq starts the walk at the given seq. Walks starting at zero are
	// anchored: the first entry seen per domain tag must chain from
	// GenesisHash.
	FromSeq int64
}

func (o VerifyOptions) validate() error {
	if o.Limit < 0 {
		return fmt.Errorf("limit must be a non-negative integer, got %d", o.Limit)
	}
	if o.FromSeq < 0 {
		return fmt.Errorf("from seq must be a non-negative integer, got %d", o.FromSeq)
	}
	return nil
}

// VerifyResult reports the outcome of a verification walk. BrokenAt is the
// seq of the first entry whose hash or linkage diverges.
type VerifyResult struct {
	Valid           bool   `json:"valid"`
	BrokenAt        int64  `json:"broken_at,omitempty"`
	BrokenDomainTag string `json:"broken_domain_tag,omitempty"`
	Checked         int    `json:"checked"`
}

// chainWalker validates entries incrementally in seq order, tracking the
// expected previous hash per domain tag. Both ledger backends drive it, one
// from a slice and one from streamed rows, so the verification semantics
// live in exactly one place.
type chainWalker struct {
	anchored bool
	heads    map[string]string
	checked  int
}

// newChainWalker creates a walker. anchored means the walk starts at the
// beginning of history, so each domain tag's first entry must chain from
// GenesisHash; an unanchored walk trusts the stored previous hash of the
// first entry it sees per tag.
func newChainWalker(anchored bool) *chainWalker {
	return &chainWalker{anchored: anchored, heads: make(map[string]string)}
}

// observe validates one entry against the walk so far. It returns false at
// the first break; the walker must not be fed further entries after that.
func (w *chainWalker) observe(e *Entry) bool {
	w.checked++

	prev, seen := w.heads[e.DomainTag]
	if !seen {
		if w.anchored && e.PreviousHash != GenesisHash {
			return false
		}
	} else if e.PreviousHash != prev {
		return false
	}
	if hashEntry(e) != e.EntryHash {
		return false
	}

	w.heads[e.DomainTag] = e.EntryHash
	return true
}

// result assembles the final VerifyResult. broken, when non-nil, is the
// entry at which observe returned false.
func (w *chainWalker) result(broken *Entry) *VerifyResult {
	if broken != nil {
		return &VerifyResult{
			BrokenAt:        broken.Seq,
			BrokenDomainTag: broken.DomainTag,
			Checked:         w.checked,
		}
	}
	return &VerifyResult{Valid: true, Checked: w.checked}
}

// seenTags returns the domain tags encountered during the walk.
func (w *chainWalker) seenTags() []string {
	tags := make([]string, 0, len(w.heads))
	for tag := range w.heads {
		tags = append(tags, tag)
	}
	return tags
}

// recordVerifyOutcome feeds a verification result into the breaker: a break
// counts one failure against the broken tag (tripping quarantine at the
// threshold), a clean walk clears the counts of every tag it covered.
func recordVerifyOutcome(b *Breaker, logger *zap.Logger, res *VerifyResult, seenTags []string) {
	if res.Valid {
		for _, tag := range seenTags {
			b.RecordSuccess(tag)
		}
		return
	}

	logger.Warn("audit chain verification failed",
		zap.Int64("broken_at", res.BrokenAt),
		zap.String("domain_tag", res.BrokenDomainTag),
	)
	if b.RecordFailure(res.BrokenDomainTag) {
		logger.Error("domain tag quarantined after repeated integrity failures",
			zap.String("domain_tag", res.BrokenDomainTag),
		)
	}
}
