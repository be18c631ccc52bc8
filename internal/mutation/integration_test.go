//go:build integration

package mutation_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/concord-gov/concord/internal/auditchain"
	"github.com/concord-gov/concord/internal/mutation"
)

func setupMutationService(t *testing.T) (*mutation.Service, *pgxpool.Pool) {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	db.Exec(ctx, "DELETE FROM governance_parameters")
	db.Exec(ctx, "DELETE FROM audit_entries")
	db.Exec(ctx, "DELETE FROM audit_chain_heads")

	logger := zap.NewNop()
	chain := auditchain.NewPostgresLedger(db, auditchain.Config{}, logger)
	return mutation.NewService(db, chain, auditchain.Config{}, logger), db
}

// A mutate that writes and then fails must leave nothing behind: no
// business row and no audit entry, however far the write got.
func TestExecute_mutateErrorRollsBackBothWrites(t *testing.T) {
	svc, db := setupMutationService(t)
	ctx := context.Background()

	wantErr := errors.New("conservation check failed")
	_, err := mutation.Execute(ctx, svc, mutation.Request{
		MutationID: "mut-rollback-1",
		DomainTag:  "governance",
		EventType:  "parameter_changed",
		ActorID:    "steward-1",
	}, func(tx pgx.Tx) (int, error) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO governance_parameters (key, value, version, updated_at)
			VALUES ('doomed_param', '1'::jsonb, 1, now())`); err != nil {
			return 0, err
		}
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Execute: got %v, want the mutate error", err)
	}

	var n int
	if err := db.QueryRow(ctx,
		"SELECT count(*) FROM governance_parameters WHERE key = 'doomed_param'",
	).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("business row survived a failed mutate")
	}
	if err := db.QueryRow(ctx,
		"SELECT count(*) FROM audit_entries WHERE entry_id = 'mut-rollback-1'",
	).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("audit entry survived a failed mutate")
	}

	// The failed attempt must not poison the id for a later, valid retry.
	out, err := mutation.Execute(ctx, svc, mutation.Request{
		MutationID: "mut-rollback-1",
		DomainTag:  "governance",
		EventType:  "parameter_changed",
		ActorID:    "steward-1",
	}, func(pgx.Tx) (int, error) { return 7, nil })
	if err != nil {
		t.Fatalf("retry after rollback: %v", err)
	}
	if out.Replayed {
		t.Error("retry after a rolled-back attempt reported as replay")
	}
	if out.Result != 7 {
		t.Errorf("Result = %d, want 7", out.Result)
	}
}
