package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const amendmentColumns = `id, status, amendment_type, proposed_by, proposed_at, effective_at,
	parameter_key, parameter_version, current_value, proposed_value, approval_threshold,
	enacted_by, enacted_at`

// Store provides raw SQL access to amendments, votes and parameters. Write
// methods take a pgx.Tx so the service can run them inside the governed
// mutation transaction; read methods run against the pool.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a Store on the given pool.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// insertAmendment persists a freshly proposed amendment.
func (s *Store) insertAmendment(ctx context.Context, tx pgx.Tx, a *Amendment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO governance_amendments (
			id, status, amendment_type, proposed_by, proposed_at, effective_at,
			parameter_key, parameter_version, current_value, proposed_value, approval_threshold
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.Status, a.AmendmentType, a.ProposedBy, a.ProposedAt, a.EffectiveAt,
		a.ParameterKey, a.ParameterVersion, nullableJSON(a.CurrentValue), []byte(a.ProposedValue),
		a.ApprovalThreshold,
	)
	if err != nil {
		return fmt.Errorf("insert amendment: %w", err)
	}
	return nil
}

// amendmentForUpdate loads one amendment under a row lock. Votes race
// enactment on this lock, so state transitions are always observed in order.
func (s *Store) amendmentForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Amendment, error) {
	row := tx.QueryRow(ctx,
		"SELECT "+amendmentColumns+" FROM governance_amendments WHERE id = $1 FOR UPDATE", id)
	a, err := scanAmendment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("amendment %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get amendment: %w", err)
	}
	return a, nil
}

// setStatus flips an amendment's status.
func (s *Store) setStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx,
		"UPDATE governance_amendments SET status = $2 WHERE id = $1", id, status)
	if err != nil {
		return fmt.Errorf("update amendment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("amendment %q: %w", id, ErrNotFound)
	}
	return nil
}

// markEnacted flips an amendment to enacted and records who did it.
func (s *Store) markEnacted(ctx context.Context, tx pgx.Tx, id, enactorID string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE governance_amendments
		SET status = $2, enacted_by = $3, enacted_at = $4
		WHERE id = $1`,
		id, StatusEnacted, enactorID, at)
	if err != nil {
		return fmt.Errorf("mark amendment enacted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("amendment %q: %w", id, ErrNotFound)
	}
	return nil
}

// expireStale flips every proposed amendment older than the cutoff to
// expired in one statement, returning the ids affected.
func (s *Store) expireStale(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]string, error) {
	rows, err := tx.Query(ctx, `
		UPDATE governance_amendments
		SET status = $1
		WHERE status = $2 AND proposed_at < $3
		RETURNING id`,
		StatusExpired, StatusProposed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire stale amendments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired amendment id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// insertVote records one ballot.
func (s *Store) insertVote(ctx context.Context, tx pgx.Tx, v *Vote) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO amendment_votes (amendment_id, voter_id, decision, governance_tier, conviction_weight, rationale, voted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.AmendmentID, v.VoterID, v.Decision, v.Tier, v.Weight, v.Rationale, v.VotedAt)
	if err != nil {
		return fmt.Errorf("insert vote: %w", err)
	}
	return nil
}

// hasVoted reports whether the voter already cast a ballot on the amendment.
func (s *Store) hasVoted(ctx context.Context, tx pgx.Tx, amendmentID, voterID string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM amendment_votes WHERE amendment_id = $1 AND voter_id = $2)",
		amendmentID, voterID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check existing vote: %w", err)
	}
	return exists, nil
}

// votes loads every ballot on an amendment in cast order.
func (s *Store) votes(ctx context.Context, q queryer, amendmentID string) ([]Vote, error) {
	rows, err := q.Query(ctx, `
		SELECT amendment_id, voter_id, decision, governance_tier, conviction_weight, rationale, voted_at
		FROM amendment_votes WHERE amendment_id = $1 ORDER BY voted_at ASC, voter_id ASC`,
		amendmentID)
	if err != nil {
		return nil, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()

	var votes []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.AmendmentID, &v.VoterID, &v.Decision, &v.Tier, &v.Weight, &v.Rationale, &v.VotedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.VotedAt = v.VotedAt.UTC()
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// parameter reads one governance parameter, or ErrNotFound.
func (s *Store) parameter(ctx context.Context, q queryer, key string) (*Parameter, error) {
	p := &Parameter{}
	var value []byte
	err := q.QueryRow(ctx,
		"SELECT key, value, version, updated_at FROM governance_parameters WHERE key = $1", key,
	).Scan(&p.Key, &value, &p.Version, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("parameter %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get parameter: %w", err)
	}
	p.Value = value
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// writeParameter upserts a parameter to the given value and version.
func (s *Store) writeParameter(ctx context.Context, tx pgx.Tx, key string, value []byte, version int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO governance_parameters (key, value, version, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, version = EXCLUDED.version, updated_at = now()`,
		key, value, version)
	if err != nil {
		return fmt.Errorf("write parameter: %w", err)
	}
	return nil
}

// Amendment loads one amendment with its votes.
func (s *Store) Amendment(ctx context.Context, id string) (*Amendment, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+amendmentColumns+" FROM governance_amendments WHERE id = $1", id)
	a, err := scanAmendment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("amendment %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get amendment: %w", err)
	}
	if a.Votes, err = s.votes(ctx, s.db, id); err != nil {
		return nil, err
	}
	return a, nil
}

// List returns amendments, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]*Amendment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+amendmentColumns+` FROM governance_amendments
		WHERE ($1 = '' OR status = $1)
		ORDER BY proposed_at DESC
		LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query amendments: %w", err)
	}
	defer rows.Close()

	var out []*Amendment
	for rows.Next() {
		a, err := scanAmendment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan amendment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Parameter loads one governance parameter by key.
func (s *Store) Parameter(ctx context.Context, key string) (*Parameter, error) {
	return s.parameter(ctx, s.db, key)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAmendment(row rowScanner) (*Amendment, error) {
	a := &Amendment{}
	var status string
	var currentValue, proposedValue []byte
	var enactedBy *string
	if err := row.Scan(
		&a.ID, &status, &a.AmendmentType, &a.ProposedBy, &a.ProposedAt, &a.EffectiveAt,
		&a.ParameterKey, &a.ParameterVersion, &currentValue, &proposedValue,
		&a.ApprovalThreshold, &enactedBy, &a.EnactedAt,
	); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.CurrentValue = currentValue
	a.ProposedValue = proposedValue
	if enactedBy != nil {
		a.EnactedBy = *enactedBy
	}
	a.ProposedAt = a.ProposedAt.UTC()
	a.EffectiveAt = a.EffectiveAt.UTC()
	if a.EnactedAt != nil {
		t := a.EnactedAt.UTC()
		a.EnactedAt = &t
	}
	return a, nil
}

// nullableJSON maps an absent snapshot to SQL NULL rather than the empty
// byte slice, which jsonb would reject.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
