// Package auditquery is the read side of the audit ledger: parameterized
// range queries, payload projections with explicit defaults, a score
// distribution, aggregate stats and a cursor-based bulk export. Nothing here
// writes; read paths never block appenders.
package auditquery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/concord-gov/concord/internal/auditchain"
)

// Config carries the read side's tunables.
type Config struct {
	// ExportBatchSize is how many rows each cursor fetch pulls.
	ExportBatchSize int
	// MaxEventLimit caps a single Events query.
	MaxEventLimit int
}

const (
	DefaultExportBatchSize = 500
	DefaultMaxEventLimit   = 1_000
)

func (c Config) withDefaults() Config {
	if c.ExportBatchSize <= 0 {
		c.ExportBatchSize = DefaultExportBatchSize
	}
	if c.MaxEventLimit <= 0 {
		c.MaxEventLimit = DefaultMaxEventLimit
	}
	return c
}

// Service runs read-only queries against the audit ledger tables.
type Service struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *zap.Logger
}

// NewService creates the query service. A nil logger is replaced with a
// no-op logger.
func NewService(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{pool: pool, cfg: cfg.withDefaults(), logger: logger}
}

// Filter scopes a range query. Zero fields are not applied.
type Filter struct {
	DomainTag string
	EventType string
	ActorID   string
	From      time.Time
	To        time.Time
	Limit     int
}

// where renders the filter as a WHERE clause with positional args. The
// returned args slice feeds further placeholders beyond the clause.
func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DomainTag != "" {
		add("domain_tag = $%d", f.DomainTag)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if !f.From.IsZero() {
		add("event_time >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("event_time < $%d", f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Events runs a parameterized range query over the ledger, oldest first.
func (s *Service) Events(ctx context.Context, f Filter) ([]*auditchain.Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > s.cfg.MaxEventLimit {
		limit = s.cfg.MaxEventLimit
	}

	where, args := f.where()
	args = append(args, limit)
	sql := fmt.Sprintf(`
		SELECT seq, entry_id, domain_tag, event_type, actor_id, payload, event_time,
		       contract_version, entry_hash, previous_hash, recorded_at
		FROM audit_entries%s
		ORDER BY seq ASC
		LIMIT $%d`, where, len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var entries []*auditchain.Entry
	for rows.Next() {
		e := &auditchain.Entry{}
		var payload []byte
		if err := rows.Scan(
			&e.Seq, &e.EntryID, &e.DomainTag, &e.EventType, &e.ActorID,
			&payload, &e.EventTime, &e.ContractVersion,
			&e.EntryHash, &e.PreviousHash, &e.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Payload = payload
		e.EventTime = e.EventTime.UTC()
		e.RecordedAt = e.RecordedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
