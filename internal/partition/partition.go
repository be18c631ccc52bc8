// Package partition reports the health of the audit ledger's time-based
// partitions. The ledger table is range-partitioned on event_time; this
// package lists the child partitions from the catalog and parses each one's
// bound expression into plain date strings for dashboards.
package partition

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Unknown is the degraded value for a bound that is missing or unparseable.
// One malformed partition must never abort the health check for the rest.
const Unknown = "unknown"

// Info describes one child partition of the audit ledger.
type Info struct {
	Name       string `json:"partition_name"`
	RangeStart string `json:"range_start"`
	RangeEnd   string `json:"range_end"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Manager lists audit ledger partitions from the PostgreSQL catalog.
type Manager struct {
	pool   *pgxpool.Pool
	parent string
	logger *zap.Logger
}

// NewManager creates a Manager for the given parent table. A nil logger is
// replaced with a no-op logger.
func NewManager(pool *pgxpool.Pool, parent string, logger *zap.Logger) *Manager {
	if parent == "" {
		parent = "audit_entries"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{pool: pool, parent: parent, logger: logger}
}

// Check lists every child partition with its parsed range bounds and size.
func (m *Manager) Check(ctx context.Context) ([]Info, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT c.relname,
		       pg_get_expr(c.relpartbound, c.oid),
		       pg_total_relation_size(c.oid)
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = $1
		ORDER BY c.relname ASC`,
		m.parent)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var name string
		var bound *string
		var size int64
		if err := rows.Scan(&name, &bound, &size); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}

		expr := ""
		if bound != nil {
			expr = *bound
		}
		start, end := ParseBounds(expr)
		if start == Unknown {
			m.logger.Warn("partition bound expression not parseable",
				zap.String("partition", name),
				zap.String("bound", expr),
			)
		}
		infos = append(infos, Info{Name: name, RangeStart: start, RangeEnd: end, SizeBytes: size})
	}
	return infos, rows.Err()
}

// boundPattern matches the catalog's native range-bound rendering, e.g.
// FOR VALUES FROM ('2026-01-01 00:00:00+00') TO ('2026-02-01 00:00:00+00').
var boundPattern = regexp.MustCompile(`FOR VALUES FROM \('([^']+)'\) TO \('([^']+)'\)`)

// ParseBounds extracts the range start and end from a partition bound
// expression. A DEFAULT partition, an empty expression or anything the
// pattern does not recognise degrades to Unknown for both fields rather
// than failing.
func ParseBounds(expr string) (start, end string) {
	match := boundPattern.FindStringSubmatch(expr)
	if match == nil {
		return Unknown, Unknown
	}
	return match[1], match[2]
}
