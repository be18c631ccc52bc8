package auditchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestGenesisHash_isSHA256OfEmptyString(t *testing.T) {
	sum := sha256.Sum256(nil)
	if got := hex.EncodeToString(sum[:]); got != GenesisHash {
		t.Errorf("GenesisHash constant = %q, want %q", GenesisHash, got)
	}
}

func TestHashEntry_deterministic(t *testing.T) {
	e := &Entry{
		EntryID:         "e-1",
		DomainTag:       "reputation:coll-1",
		EventType:       "reputation_event",
		ActorID:         "actor-1",
		Payload:         json.RawMessage(`{"score":0.7}`),
		EventTime:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ContractVersion: "v1",
		PreviousHash:    GenesisHash,
	}
	h1 := hashEntry(e)
	h2 := hashEntry(e)
	if h1 != h2 {
		t.Errorf("hashEntry not deterministic: %q vs %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}

	e.Payload = json.RawMessage(`{"score":0.8}`)
	if hashEntry(e) == h1 {
		t.Error("hash unchanged after payload change")
	}
}

func TestCanonicalPayload_keyOrderStable(t *testing.T) {
	a, err := canonicalPayload(json.RawMessage(`{"b": 1, "a": 2}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := canonicalPayload(json.RawMessage(`{"a": 2, "b": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical forms differ: %s vs %s", a, b)
	}
	if string(a) != `{"a":2,"b":1}` {
		t.Errorf("canonical form = %s, want sorted compact object", a)
	}
}

func TestCanonicalPayload_preservesNumbers(t *testing.T) {
	got, err := canonicalPayload(map[string]any{"balance": json.Number("12345678901234567890"), "score": 0.7})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"balance":12345678901234567890,"score":0.7}`
	if string(got) != want {
		t.Errorf("canonical form = %s, want %s", got, want)
	}
}

func TestCanonicalPayload_nil(t *testing.T) {
	got, err := canonicalPayload(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "null" {
		t.Errorf("canonical nil payload = %s, want null", got)
	}
}

func TestChainLockKey_perTag(t *testing.T) {
	k1 := chainLockKey("reputation:coll-1")
	k2 := chainLockKey("reputation:coll-1")
	k3 := chainLockKey("reputation:coll-2")
	if k1 != k2 {
		t.Errorf("lock key unstable: %d vs %d", k1, k2)
	}
	if k1 == k3 {
		t.Errorf("different tags share lock key %d", k1)
	}
}

func TestVerify_detectsCorruptedPayload(t *testing.T) {
	ctx := context.Background()
	l := New(Config{}, nil)

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, AppendInput{
			DomainTag: "reputation:coll-1",
			EventType: "reputation_event",
			ActorID:   "actor-1",
			Payload:   map[string]any{"n": i},
		}); err != nil {
			t.Fatal(err)
		}
	}

	// Tamper with the middle entry's stored payload.
	l.entries[1].Payload = json.RawMessage(`{"n":99}`)

	res, err := l.Verify(ctx, VerifyOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Valid {
		t.Fatal("Verify() passed on a tampered chain")
	}
	if res.BrokenAt != 2 {
		t.Errorf("BrokenAt = %d, want 2", res.BrokenAt)
	}
	if res.BrokenDomainTag != "reputation:coll-1" {
		t.Errorf("BrokenDomainTag = %q", res.BrokenDomainTag)
	}
}

func TestVerify_repeatedFailuresQuarantineTag(t *testing.T) {
	ctx := context.Background()
	l := New(Config{QuarantineThreshold: 2}, nil)

	if _, err := l.Append(ctx, AppendInput{
		DomainTag: "reputation:coll-1",
		EventType: "reputation_event",
		ActorID:   "actor-1",
		Payload:   map[string]string{"k": "v"},
	}); err != nil {
		t.Fatal(err)
	}
	l.entries[0].Payload = json.RawMessage(`{"k":"tampered"}`)

	for i := 0; i < 2; i++ {
		res, err := l.Verify(ctx, VerifyOptions{DomainTag: "reputation:coll-1"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Valid {
			t.Fatal("expected verification failure")
		}
	}

	snap := l.BreakerSnapshot()
	if snap.State != BreakerOpen {
		t.Errorf("breaker state = %q, want open", snap.State)
	}

	_, err := l.Append(ctx, AppendInput{
		DomainTag: "reputation:coll-1",
		EventType: "reputation_event",
		ActorID:   "actor-1",
	})
	var qErr *QuarantineError
	if !errors.As(err, &qErr) {
		t.Fatalf("append on quarantined tag: got %v, want QuarantineError", err)
	}
	if qErr.Code != CodeAuditQuarantine || qErr.DomainTag != "reputation:coll-1" {
		t.Errorf("quarantine error = %+v", qErr)
	}

	// Other tags keep working.
	if _, err := l.Append(ctx, AppendInput{
		DomainTag: "reputation:coll-2",
		EventType: "reputation_event",
		ActorID:   "actor-1",
	}); err != nil {
		t.Errorf("append on unaffected tag failed: %v", err)
	}

	l.ResetCircuitBreaker("reputation:coll-1")
	if snap := l.BreakerSnapshot(); snap.State != BreakerClosed {
		t.Errorf("breaker state after reset = %q, want closed", snap.State)
	}
}

func TestBreaker_quarantineErrorsDoNotSelfCount(t *testing.T) {
	b := NewBreaker(2)
	b.RecordFailure("tag")
	b.RecordFailure("tag")
	if !b.Quarantined("tag") {
		t.Fatal("tag not quarantined at threshold")
	}

	// The failed appends that follow quarantine never reach RecordFailure,
	// so the count must still be exactly at the threshold after a reset
	// plus one new failure.
	b.Reset("tag")
	if b.Quarantined("tag") {
		t.Fatal("tag still quarantined after reset")
	}
	if tripped := b.RecordFailure("tag"); tripped {
		t.Error("single failure after reset must not re-trip the breaker")
	}
}
