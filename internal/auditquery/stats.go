package auditquery

import (
	"context"
	"fmt"
	"time"
)

// Stats is an aggregate view of a ledger window, computed in one round trip
// without materializing row data.
type Stats struct {
	TotalEntries int64      `json:"total_entries"`
	FirstEvent   *time.Time `json:"first_event,omitempty"`
	LastEvent    *time.Time `json:"last_event,omitempty"`
	EventTypes   []string   `json:"event_types"`
	DomainTags   []string   `json:"domain_tags"`
}

// Stats aggregates counts, the event-time range and the distinct event
// types and domain tags in the window.
func (s *Service) Stats(ctx context.Context, f Filter) (*Stats, error) {
	where, args := f.where()
	sql := fmt.Sprintf(`
		SELECT count(*),
		       min(event_time),
		       max(event_time),
		       coalesce(array_agg(DISTINCT event_type) FILTER (WHERE event_type IS NOT NULL), '{}'),
		       coalesce(array_agg(DISTINCT domain_tag) FILTER (WHERE domain_tag IS NOT NULL), '{}')
		FROM audit_entries%s`, where)

	st := &Stats{EventTypes: []string{}, DomainTags: []string{}}
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(
		&st.TotalEntries, &st.FirstEvent, &st.LastEvent, &st.EventTypes, &st.DomainTags,
	); err != nil {
		return nil, fmt.Errorf("query audit stats: %w", err)
	}
	if st.FirstEvent != nil {
		t := st.FirstEvent.UTC()
		st.FirstEvent = &t
	}
	if st.LastEvent != nil {
		t := st.LastEvent.UTC()
		st.LastEvent = &t
	}
	return st, nil
}
