package auditchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// RunSerializable executes fn inside one SERIALIZABLE transaction, retrying
// on serialization conflicts and connection-class failures with linear
// backoff up to cfg.MaxRetries. The transaction is rolled back on any error
// and the connection is returned to the pool on every path. The final error
// is surfaced verbatim once the retry budget is exhausted.
//
// The governed mutation service shares this helper, so business writes and
// their audit appends retry as one unit.
func RunSerializable(ctx context.Context, pool *pgxpool.Pool, cfg Config, logger *zap.Logger, fn func(pgx.Tx) error) error {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * cfg.RetryBackoff):
			}
			logger.Debug("retrying serializable transaction",
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		err := runOnce(ctx, pool, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return lastErr
}

func runOnce(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isRetryable reports whether err is worth retrying on a fresh transaction:
// serialization failures, deadlocks, and connection-class errors. Anything
// else, quarantine errors included, is surfaced immediately.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return true
		}
		// Class 08: connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return pgconn.SafeToRetry(err)
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
