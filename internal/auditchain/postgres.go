package auditchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const entryColumns = "seq, entry_id, domain_tag, event_type, actor_id, payload, event_time, contract_version, entry_hash, previous_hash, recorded_at"

// PostgresLedger persists the audit chain to a PostgreSQL database.
// It implements the Ledger interface.
type PostgresLedger struct {
	pool    *pgxpool.Pool
	breaker *Breaker
	cfg     Config
	logger  *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given connection
// pool. A nil logger is replaced with a no-op logger.
func NewPostgresLedger(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *PostgresLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &PostgresLedger{
		pool:    pool,
		breaker: NewBreaker(cfg.QuarantineThreshold),
		cfg:     cfg,
		logger:  logger,
	}
}

// Append implements Ledger. The entry insert, the chain-head upsert and the
// advisory lock all live in one SERIALIZABLE transaction; serialization
// conflicts retry transparently up to the configured budget.
func (l *PostgresLedger) Append(ctx context.Context, in AppendInput) (*Entry, error) {
	var entry *Entry
	err := RunSerializable(ctx, l.pool, l.cfg, l.logger, func(tx pgx.Tx) error {
		e, err := l.AppendTx(ctx, tx, in)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("entry %q: %w", in.EntryID, ErrDuplicateEntry)
		}
		return nil, err
	}

	l.logger.Debug("audit entry appended",
		zap.Int64("seq", entry.Seq),
		zap.String("domain_tag", entry.DomainTag),
		zap.String("event_type", entry.EventType),
	)
	return entry, nil
}

// AppendTx performs the append sequence inside a caller-owned transaction:
// breaker gate, per-tag advisory lock, head lookup, hash, entry insert, head
// upsert. The governed mutation service composes business writes with this
// so both commit or neither does.
func (l *PostgresLedger) AppendTx(ctx context.Context, tx pgx.Tx, in AppendInput) (*Entry, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if l.breaker.Quarantined(in.DomainTag) {
		return nil, NewQuarantineError(in.DomainTag)
	}

	// Serialise concurrent appenders to this chain. The lock is scoped to
	// the transaction and released on commit or rollback; other domain
	// tags hash to other keys and never wait here.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", chainLockKey(in.DomainTag)); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	// The schema can only constrain (entry_id, event_time), the partition
	// key being mandatory in unique constraints, so a caller-supplied id
	// is checked here under the lock. Generated ids never collide.
	if in.EntryID != "" {
		var one int
		err := tx.QueryRow(ctx,
			"SELECT 1 FROM audit_entries WHERE entry_id = $1 LIMIT 1",
			in.EntryID,
		).Scan(&one)
		if err == nil {
			return nil, fmt.Errorf("entry %q: %w", in.EntryID, ErrDuplicateEntry)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("check entry id: %w", err)
		}
	}

	prevHash := GenesisHash
	err := tx.QueryRow(ctx,
		"SELECT entry_hash FROM audit_chain_heads WHERE domain_tag = $1",
		in.DomainTag,
	).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read chain head: %w", err)
	}

	entry, err := newEntry(in, prevHash)
	if err != nil {
		return nil, err
	}

	if err := tx.QueryRow(ctx,
		`INSERT INTO audit_entries (entry_id, domain_tag, event_type, actor_id, payload, event_time, contract_version, entry_hash, previous_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING seq, recorded_at`,
		entry.EntryID, entry.DomainTag, entry.EventType, entry.ActorID,
		[]byte(entry.Payload), entry.EventTime, entry.ContractVersion,
		entry.EntryHash, entry.PreviousHash,
	).Scan(&entry.Seq, &entry.RecordedAt); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO audit_chain_heads (domain_tag, entry_hash, seq, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (domain_tag)
		 DO UPDATE SET entry_hash = EXCLUDED.entry_hash, seq = EXCLUDED.seq, updated_at = now()`,
		entry.DomainTag, entry.EntryHash, entry.Seq,
	); err != nil {
		return nil, fmt.Errorf("update chain head: %w", err)
	}

	return entry, nil
}

// EntryByIDTx fetches one entry by its id inside a caller-owned transaction,
// returning ErrEntryNotFound when it does not exist. The mutation service
// uses this for its idempotency check.
func (l *PostgresLedger) EntryByIDTx(ctx context.Context, tx pgx.Tx, entryID string) (*Entry, error) {
	row := tx.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM audit_entries WHERE entry_id = $1 LIMIT 1",
		entryID,
	)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %q: %w", entryID, ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get audit entry: %w", err)
	}
	return entry, nil
}

// Verify implements Ledger. It streams rows in seq order and validates the
// hash chain without materialising the window.
func (l *PostgresLedger) Verify(ctx context.Context, opts VerifyOptions) (*VerifyResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if opts.DomainTag == "" && limit == 0 {
		limit = l.cfg.VerifySafetyLimit
		l.logger.Warn("unscoped verify without limit, applying safety bound",
			zap.Int("limit", limit),
		)
	}

	sql := "SELECT " + entryColumns + " FROM audit_entries"
	var conds []string
	var args []any
	if opts.DomainTag != "" {
		args = append(args, opts.DomainTag)
		conds = append(conds, fmt.Sprintf("domain_tag = $%d", len(args)))
	}
	if opts.FromSeq > 0 {
		args = append(args, opts.FromSeq)
		conds = append(conds, fmt.Sprintf("seq >= $%d", len(args)))
	}
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " AND ")
	}
	sql += " ORDER BY seq ASC"
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	walker := newChainWalker(opts.FromSeq == 0)
	var broken *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if !walker.observe(curr) {
			broken = curr
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stream audit entries: %w", err)
	}

	res := walker.result(broken)
	recordVerifyOutcome(l.breaker, l.logger, res, walker.seenTags())
	return res, nil
}

// Head implements Ledger.
func (l *PostgresLedger) Head(ctx context.Context, domainTag string) (*ChainHead, error) {
	head := &ChainHead{}
	err := l.pool.QueryRow(ctx,
		"SELECT domain_tag, entry_hash, seq, updated_at FROM audit_chain_heads WHERE domain_tag = $1",
		domainTag,
	).Scan(&head.DomainTag, &head.EntryHash, &head.Seq, &head.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("domain tag %q: %w", domainTag, ErrNoChain)
	}
	if err != nil {
		return nil, fmt.Errorf("get chain head: %w", err)
	}
	return head, nil
}

// Heads implements Ledger.
func (l *PostgresLedger) Heads(ctx context.Context) ([]ChainHead, error) {
	rows, err := l.pool.Query(ctx,
		"SELECT domain_tag, entry_hash, seq, updated_at FROM audit_chain_heads ORDER BY domain_tag ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("query chain heads: %w", err)
	}
	defer rows.Close()

	var heads []ChainHead
	for rows.Next() {
		var h ChainHead
		if err := rows.Scan(&h.DomainTag, &h.EntryHash, &h.Seq, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chain head: %w", err)
		}
		heads = append(heads, h)
	}
	return heads, rows.Err()
}

// Count implements Ledger.
func (l *PostgresLedger) Count(ctx context.Context, domainTag string) (int64, error) {
	var n int64
	var err error
	if domainTag == "" {
		err = l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_entries").Scan(&n)
	} else {
		err = l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_entries WHERE domain_tag = $1", domainTag).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// BreakerSnapshot implements Ledger.
func (l *PostgresLedger) BreakerSnapshot() BreakerSnapshot {
	return l.breaker.Snapshot()
}

// Quarantined implements Ledger.
func (l *PostgresLedger) Quarantined(domainTag string) bool {
	return l.breaker.Quarantined(domainTag)
}

// ResetCircuitBreaker implements Ledger.
func (l *PostgresLedger) ResetCircuitBreaker(domainTag string) {
	l.breaker.Reset(domainTag)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanEntry reads one entry row. The stored payload is re-rendered to
// canonical JSON so hash recomputation matches what was hashed at append
// time regardless of jsonb's own key ordering.
func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var payload []byte
	if err := row.Scan(
		&e.Seq, &e.EntryID, &e.DomainTag, &e.EventType, &e.ActorID,
		&payload, &e.EventTime, &e.ContractVersion,
		&e.EntryHash, &e.PreviousHash, &e.RecordedAt,
	); err != nil {
		return nil, err
	}
	canonical, err := canonicalPayload(json.RawMessage(payload))
	if err != nil {
		return nil, fmt.Errorf("canonicalise payload: %w", err)
	}
	e.Payload = canonical
	e.EventTime = e.EventTime.UTC()
	e.RecordedAt = e.RecordedAt.UTC()
	return e, nil
}
