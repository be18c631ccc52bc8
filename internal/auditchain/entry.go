package auditchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash anchors every chain: the hex SHA-256 of the empty string.
// A domain tag with no chain head yet chains its first entry from this
// constant rather than from a computed value.
const GenesisHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// DefaultContractVersion is stamped on entries whose append input does not
// name an explicit payload contract version.
const DefaultContractVersion = "v1"

// Entry is a single immutable audit record. Entries are created once by an
// append and never updated or deleted.
type Entry struct {
	Seq             int64           `json:"seq"`
	EntryID         string          `json:"entry_id"`
	DomainTag       string          `json:"domain_tag"`
	EventType       string          `json:"event_type"`
	ActorID         string          `json:"actor_id"`
	Payload         json.RawMessage `json:"payload"`
	EventTime       time.Time       `json:"event_time"`
	ContractVersion string          `json:"contract_version"`
	EntryHash       string          `json:"entry_hash"`
	PreviousHash    string          `json:"previous_hash"`
	RecordedAt      time.Time       `json:"recorded_at"`
}

// AppendInput describes one entry to append. EntryID is optional and
// caller-suppliable for idempotency; a UUID is generated when empty.
type AppendInput struct {
	EntryID         string
	DomainTag       string
	EventType       string
	ActorID         string
	Payload         any
	EventTime       time.Time // defaults to now
	ContractVersion string    // defaults to DefaultContractVersion
}

// Validate rejects structurally incomplete input before any I/O happens.
func (in AppendInput) Validate() error {
	if in.DomainTag == "" {
		return fmt.Errorf("domain_tag is required")
	}
	if in.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if in.ActorID == "" {
		return fmt.Errorf("actor_id is required")
	}
	return nil
}

// newEntry builds an entry chained onto prevHash. Seq and RecordedAt are
// assigned by the backend on insert.
func newEntry(in AppendInput, prevHash string) (*Entry, error) {
	payload, err := canonicalPayload(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	eventTime := in.EventTime
	if eventTime.IsZero() {
		eventTime = time.Now()
	}
	// timestamptz keeps microseconds; anything finer would not survive a
	// round trip and would break hash recomputation during Verify.
	eventTime = eventTime.UTC().Truncate(time.Microsecond)

	entryID := in.EntryID
	if entryID == "" {
		entryID = uuid.NewString()
	}
	contractVersion := in.ContractVersion
	if contractVersion == "" {
		contractVersion = DefaultContractVersion
	}

	e := &Entry{
		EntryID:         entryID,
		DomainTag:       in.DomainTag,
		EventType:       in.EventType,
		ActorID:         in.ActorID,
		Payload:         payload,
		EventTime:       eventTime,
		ContractVersion: contractVersion,
		PreviousHash:    prevHash,
	}
	e.EntryHash = hashEntry(e)
	return e, nil
}

// hashEntry computes the deterministic SHA-256 hash over an entry's fields
// and its predecessor's hash. The field order is part of the chain contract
// and must never change.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		e.PreviousHash, e.DomainTag, e.EventType, e.ActorID,
		e.Payload, e.EventTime.UTC().Format(time.RFC3339Nano),
		e.ContractVersion,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalPayload renders a payload as canonical JSON: decoded into generic
// form and re-encoded, so map-key order and number rendering are stable. The
// same normalisation is applied to payload bytes read back from jsonb
// storage, which keeps append-time and verify-time hashing in agreement.
func canonicalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// chainLockKey derives the advisory lock key for a domain tag: the first
// eight bytes of a namespaced SHA-256, folded into the bigint key space.
// Appenders to the same tag contend on this key; appenders to different tags
// never do.
func chainLockKey(domainTag string) int64 {
	sum := sha256.Sum256([]byte("auditchain:" + domainTag))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
