package mutation_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/concord-gov/concord/internal/auditchain"
	"github.com/concord-gov/concord/internal/mutation"
)

// Validation must reject bad requests before the pool is touched; a nil pool
// here guarantees that any I/O attempt panics the test.
func TestExecute_validatesBeforeIO(t *testing.T) {
	ctx := context.Background()
	svc := mutation.NewService(nil, nil, auditchain.Config{}, nil)

	noop := func(pgx.Tx) (int, error) { return 0, nil }

	cases := []struct {
		name string
		req  mutation.Request
	}{
		{"missing mutation id", mutation.Request{DomainTag: "credits", EventType: "balance_adjusted", ActorID: "a"}},
		{"missing domain tag", mutation.Request{MutationID: "m-1", EventType: "balance_adjusted", ActorID: "a"}},
		{"missing event type", mutation.Request{MutationID: "m-1", DomainTag: "credits", ActorID: "a"}},
		{"missing actor", mutation.Request{MutationID: "m-1", DomainTag: "credits", EventType: "balance_adjusted"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mutation.Execute(ctx, svc, tc.req, noop); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
