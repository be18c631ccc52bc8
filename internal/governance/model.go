package governance

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/concord-gov/concord/pkg/conviction"
)

// Status is an amendment's lifecycle state. The only transitions are
// proposed → approved, proposed → rejected, proposed → expired and
// approved → enacted; enacted, rejected and expired are terminal.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusEnacted  Status = "enacted"
	StatusExpired  Status = "expired"
)

// ParseStatus converts a raw string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusProposed, StatusApproved, StatusRejected, StatusEnacted, StatusExpired:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown amendment status %q", s)
}

// Amendment is one proposed change to a governance parameter. The parameter's
// value and version are snapshotted at proposal time; enactment compares the
// live version against the snapshot and refuses to apply over drift.
type Amendment struct {
	ID                string          `json:"amendment_id"`
	Status            Status          `json:"status"`
	AmendmentType     string          `json:"amendment_type"`
	ProposedBy        string          `json:"proposed_by"`
	ProposedAt        time.Time       `json:"proposed_at"`
	EffectiveAt       time.Time       `json:"effective_at"`
	ParameterKey      string          `json:"parameter_key"`
	ParameterVersion  int64           `json:"parameter_version"`
	CurrentValue      json.RawMessage `json:"current_value,omitempty"`
	ProposedValue     json.RawMessage `json:"proposed_value"`
	ApprovalThreshold float64         `json:"approval_threshold"`
	EnactedBy         string          `json:"enacted_by,omitempty"`
	EnactedAt         *time.Time      `json:"enacted_at,omitempty"`
	Votes             []Vote          `json:"votes,omitempty"`
}

// Vote is one cast ballot on an amendment, immutable once recorded.
type Vote struct {
	AmendmentID string              `json:"amendment_id"`
	VoterID     string              `json:"voter_id"`
	Decision    conviction.Decision `json:"decision"`
	Tier        conviction.Tier     `json:"governance_tier"`
	Weight      float64             `json:"conviction_weight"`
	Rationale   string              `json:"rationale,omitempty"`
	VotedAt     time.Time           `json:"voted_at"`
}

// Parameter is a shared governance parameter. Version increments on every
// enactment and never otherwise.
type Parameter struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"current_value"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ErrInvalid marks validation failures, which are rejected before any I/O.
var ErrInvalid = errors.New("invalid input")

// ErrNotFound is returned when an amendment or parameter does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyVoted is returned when a voter casts a second vote on one
// amendment.
var ErrAlreadyVoted = errors.New("already voted")

// ErrNotYetEffective is returned when an enactment runs before the
// amendment's effective time.
var ErrNotYetEffective = errors.New("not yet effective")

// StateError is returned when an operation targets an amendment in the wrong
// lifecycle state. The caller-visible message names the state, so a vote on
// a rejected amendment reads "Cannot vote on amendment in rejected state".
type StateError struct {
	AmendmentID string
	Status      Status
	Op          string // "vote on" or "enact"
}

func (e *StateError) Error() string {
	return fmt.Sprintf("Cannot %s amendment in %s state", e.Op, e.Status)
}

// DriftError is returned when the live parameter version no longer matches
// the version snapshotted at proposal time. The amendment is left untouched;
// intervening changes invalidate it rather than being silently overwritten.
type DriftError struct {
	ParameterKey    string
	SnapshotVersion int64
	LiveVersion     int64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("parameter %q has drifted: proposed against version %d, live version is %d",
		e.ParameterKey, e.SnapshotVersion, e.LiveVersion)
}
