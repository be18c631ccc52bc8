package auditquery

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// DistributionOptions scopes a score distribution query. Min and Max bound
// the score range; Buckets is the number of equal-width buckets it is split
// into.
type DistributionOptions struct {
	DomainTag string
	EventType string
	From      time.Time
	To        time.Time
	Min       float64
	Max       float64
	Buckets   int
}

// Bucket is one equal-width slice of the score range.
type Bucket struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int     `json:"count"`
}

// Distribution is a bucketed view of the scores in a window. Total counts
// only the scores that landed in a bucket; non-numeric payloads are
// discarded, not counted.
type Distribution struct {
	Buckets []Bucket `json:"buckets"`
	Total   int      `json:"total"`
}

// ScoreDistribution buckets the payload scores in the window. No data yields
// explicitly zeroed buckets, never a division by zero.
func (s *Service) ScoreDistribution(ctx context.Context, opts DistributionOptions) (*Distribution, error) {
	if opts.Buckets <= 0 {
		opts.Buckets = 10
	}
	if !(opts.Max > opts.Min) {
		return nil, fmt.Errorf("score range max must exceed min")
	}

	f := Filter{
		DomainTag: opts.DomainTag,
		EventType: opts.EventType,
		From:      opts.From,
		To:        opts.To,
	}
	where, args := f.where()
	sql := "SELECT payload->>'score' FROM audit_entries" + where

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()

	var scores []float64
	for rows.Next() {
		var raw *string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		if raw == nil {
			continue
		}
		v, err := strconv.ParseFloat(*raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		scores = append(scores, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return BucketScores(scores, opts.Min, opts.Max, opts.Buckets), nil
}

// BucketScores splits [min, max) into n equal-width buckets and counts each
// score into one. Out-of-range scores clamp to the edge buckets. Exported as
// a pure function so the bucketing math is testable without a database.
func BucketScores(scores []float64, min, max float64, n int) *Distribution {
	width := (max - min) / float64(n)
	dist := &Distribution{Buckets: make([]Bucket, n)}
	for i := range dist.Buckets {
		dist.Buckets[i] = Bucket{
			Low:  min + float64(i)*width,
			High: min + float64(i+1)*width,
		}
	}

	for _, v := range scores {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		idx := int((v - min) / width)
		if idx < 0 {
			idx = 0
		}
		if idx >= n {
			idx = n - 1
		}
		dist.Buckets[idx].Count++
		dist.Total++
	}
	return dist
}
