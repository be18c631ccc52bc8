package auditchain

import (
	"fmt"
	"sort"
	"sync"
)

// CodeAuditQuarantine identifies quarantine errors across process and wire
// boundaries.
const CodeAuditQuarantine = "AUDIT_QUARANTINE"

// QuarantineError is returned by Append when the target domain tag has been
// quarantined after repeated integrity failures. It is distinct from
// database errors and is never itself counted as a breaker failure.
type QuarantineError struct {
	Code      string `json:"code"`
	DomainTag string `json:"domain_tag"`
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("%s: appends suspended for domain tag %q", e.Code, e.DomainTag)
}

// NewQuarantineError builds the error appends fail fast with while a domain
// tag is quarantined.
func NewQuarantineError(domainTag string) *QuarantineError {
	return &QuarantineError{Code: CodeAuditQuarantine, DomainTag: domainTag}
}

// BreakerState is the overall circuit state: open while any domain tag is
// quarantined, closed otherwise.
type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

// BreakerSnapshot is a point-in-time view of the circuit breaker.
type BreakerSnapshot struct {
	State              BreakerState `json:"state"`
	AffectedDomainTags []string     `json:"affected_domain_tags"`
}

// Breaker tracks consecutive verification failures per domain tag and
// quarantines a tag once its count reaches the threshold. A successful
// verification clears the count but never lifts an existing quarantine;
// integrity failures are not auto-healed, so recovery is always an explicit
// Reset.
type Breaker struct {
	mu         sync.Mutex
	threshold  int
	failCounts map[string]int
	affected   map[string]struct{}
}

// NewBreaker creates a breaker that trips a domain tag after threshold
// consecutive failures.
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = DefaultQuarantineThreshold
	}
	return &Breaker{
		threshold:  threshold,
		failCounts: make(map[string]int),
		affected:   make(map[string]struct{}),
	}
}

// RecordFailure counts one verification failure against the tag and reports
// whether this failure tripped the quarantine.
func (b *Breaker) RecordFailure(domainTag string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failCounts[domainTag]++
	if b.failCounts[domainTag] < b.threshold {
		return false
	}
	if _, already := b.affected[domainTag]; already {
		return false
	}
	b.affected[domainTag] = struct{}{}
	return true
}

// RecordSuccess resets the consecutive-failure count for the tag.
func (b *Breaker) RecordSuccess(domainTag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failCounts, domainTag)
}

// Quarantined reports whether appends for the tag are currently suspended.
func (b *Breaker) Quarantined(domainTag string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.affected[domainTag]
	return ok
}

// Reset lifts the quarantine for one tag and zeroes its failure count. The
// breaker returns to the closed state once the affected set is empty.
func (b *Breaker) Reset(domainTag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.affected, domainTag)
	delete(b.failCounts, domainTag)
}

// Snapshot returns the current state and the sorted set of quarantined tags.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	tags := make([]string, 0, len(b.affected))
	for tag := range b.affected {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	state := BreakerClosed
	if len(tags) > 0 {
		state = BreakerOpen
	}
	return BreakerSnapshot{State: state, AffectedDomainTags: tags}
}
