package auditquery_test

import (
	"math"
	"testing"

	"github.com/concord-gov/concord/internal/auditquery"
)

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"coll-1", "coll-1"},
		{"100%", `100\%`},
		{"a_b", `a\_b`},
		{`back\slash`, `back\\slash`},
		{`%_\`, `\%\_\\`},
	}
	for _, tt := range tests {
		if got := auditquery.EscapeLike(tt.in); got != tt.want {
			t.Errorf("EscapeLike(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBucketScores_equalWidth(t *testing.T) {
	dist := auditquery.BucketScores([]float64{0.05, 0.15, 0.15, 0.95}, 0, 1, 10)

	if dist.Total != 4 {
		t.Fatalf("total = %d, want 4", dist.Total)
	}
	if len(dist.Buckets) != 10 {
		t.Fatalf("buckets = %d, want 10", len(dist.Buckets))
	}
	if dist.Buckets[0].Count != 1 || dist.Buckets[1].Count != 2 || dist.Buckets[9].Count != 1 {
		t.Errorf("bucket counts = %+v", dist.Buckets)
	}
	if dist.Buckets[1].Low != 0.1 {
		t.Errorf("bucket 1 low = %v, want 0.1", dist.Buckets[1].Low)
	}
}

func TestBucketScores_clampsOutOfRange(t *testing.T) {
	dist := auditquery.BucketScores([]float64{-5, 2}, 0, 1, 4)

	if dist.Buckets[0].Count != 1 {
		t.Errorf("low edge count = %d, want 1", dist.Buckets[0].Count)
	}
	if dist.Buckets[3].Count != 1 {
		t.Errorf("high edge count = %d, want 1", dist.Buckets[3].Count)
	}
}

func TestBucketScores_discardsNonFinite(t *testing.T) {
	dist := auditquery.BucketScores([]float64{math.NaN(), math.Inf(1), 0.5}, 0, 1, 2)

	if dist.Total != 1 {
		t.Errorf("total = %d, want 1 (NaN and Inf discarded)", dist.Total)
	}
}

func TestBucketScores_emptyInput(t *testing.T) {
	dist := auditquery.BucketScores(nil, 0, 1, 5)

	if dist.Total != 0 {
		t.Errorf("total = %d, want 0", dist.Total)
	}
	if len(dist.Buckets) != 5 {
		t.Fatalf("buckets = %d, want 5 (zeroed, not absent)", len(dist.Buckets))
	}
	for i, b := range dist.Buckets {
		if b.Count != 0 {
			t.Errorf("bucket %d count = %d, want 0", i, b.Count)
		}
	}
}
