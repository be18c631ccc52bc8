package auditquery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Interaction is an audit payload flattened into a typed record. Absent
// payload fields take explicit defaults (numbers 0, collections empty,
// strings "") so consumers never branch on missing.
type Interaction struct {
	EntryID   string    `json:"entry_id"`
	DomainTag string    `json:"domain_tag"`
	EventType string    `json:"event_type"`
	ActorID   string    `json:"actor_id"`
	SubjectID string    `json:"subject_id"`
	PairKey   string    `json:"pair_key"`
	Score     float64   `json:"score"`
	Tags      []string  `json:"tags"`
	Note      string    `json:"note"`
	EventTime time.Time `json:"event_time"`
}

// interactionPayload is the loosely typed shape interaction events carry.
type interactionPayload struct {
	SubjectID string   `json:"subject_id"`
	PairKey   string   `json:"pair_key"`
	Score     *float64 `json:"score"`
	Tags      []string `json:"tags"`
	Note      string   `json:"note"`
}

// Interactions projects matching entries into flattened records.
func (s *Service) Interactions(ctx context.Context, f Filter) ([]Interaction, error) {
	entries, err := s.Events(ctx, f)
	if err != nil {
		return nil, err
	}

	out := make([]Interaction, 0, len(entries))
	for _, e := range entries {
		var p interactionPayload
		// Garbled payloads flatten to pure defaults rather than failing
		// the whole projection.
		_ = json.Unmarshal(e.Payload, &p)

		rec := Interaction{
			EntryID:   e.EntryID,
			DomainTag: e.DomainTag,
			EventType: e.EventType,
			ActorID:   e.ActorID,
			SubjectID: p.SubjectID,
			PairKey:   p.PairKey,
			Note:      p.Note,
			Tags:      p.Tags,
			EventTime: e.EventTime,
		}
		if p.Score != nil {
			rec.Score = *p.Score
		}
		if rec.Tags == nil {
			rec.Tags = []string{}
		}
		out = append(out, rec)
	}
	return out, nil
}

// PairwiseInteractions returns interactions between two parties, matched on
// the composite pair key in either order. The identifiers are caller
// supplied, so LIKE metacharacters in them are escaped before they are
// embedded in the wildcard patterns.
func (s *Service) PairwiseInteractions(ctx context.Context, a, b string, from, to time.Time) ([]Interaction, error) {
	if a == "" || b == "" {
		return nil, fmt.Errorf("both pair identifiers are required")
	}

	forward := "%" + EscapeLike(a) + "::" + EscapeLike(b) + "%"
	reverse := "%" + EscapeLike(b) + "::" + EscapeLike(a) + "%"

	sql := `
		SELECT seq, entry_id, domain_tag, event_type, actor_id, payload, event_time,
		       contract_version, entry_hash, previous_hash, recorded_at
		FROM audit_entries
		WHERE (payload->>'pair_key' LIKE $1 ESCAPE '\' OR payload->>'pair_key' LIKE $2 ESCAPE '\')`
	args := []any{forward, reverse}
	if !from.IsZero() {
		args = append(args, from)
		sql += fmt.Sprintf(" AND event_time >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		sql += fmt.Sprintf(" AND event_time < $%d", len(args))
	}
	sql += " ORDER BY seq ASC"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query pairwise interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var seq int64
		var entryID, tag, eventType, actor, contract, entryHash, prevHash string
		var payload []byte
		var eventTime, recordedAt time.Time
		if err := rows.Scan(&seq, &entryID, &tag, &eventType, &actor, &payload,
			&eventTime, &contract, &entryHash, &prevHash, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan pairwise interaction: %w", err)
		}

		var p interactionPayload
		_ = json.Unmarshal(payload, &p)
		rec := Interaction{
			EntryID:   entryID,
			DomainTag: tag,
			EventType: eventType,
			ActorID:   actor,
			SubjectID: p.SubjectID,
			PairKey:   p.PairKey,
			Note:      p.Note,
			Tags:      p.Tags,
			EventTime: eventTime.UTC(),
		}
		if p.Score != nil {
			rec.Score = *p.Score
		}
		if rec.Tags == nil {
			rec.Tags = []string{}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// EscapeLike escapes the LIKE metacharacters %, _ and the escape character
// itself in a caller-supplied identifier, so embedding it in a wildcard
// pattern matches it literally.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
