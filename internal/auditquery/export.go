package auditquery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ExportOptions scopes a bulk export. BatchSize overrides the configured
// fetch size; IncludeProvenance attaches the entry's hash linkage to each
// record.
type ExportOptions struct {
	Filter
	BatchSize         int
	IncludeProvenance bool
}

// Provenance ties an exported record back to its ledger entry.
type Provenance struct {
	EntryID      string `json:"entry_id"`
	EntryHash    string `json:"entry_hash"`
	PreviousHash string `json:"previous_hash"`
}

// ExportRecord is one normalized export row. State defaults to an empty
// object, Action to "" and Reward to 0 when the payload omits them.
type ExportRecord struct {
	State      map[string]any `json:"state"`
	Action     string         `json:"action"`
	Reward     float64        `json:"reward"`
	Provenance *Provenance    `json:"provenance,omitempty"`
}

// Exporter streams export records through a server-side cursor, pulling
// fixed-size batches so memory stays bounded however large the ledger is.
// Usage follows the rows idiom:
//
//	exp, err := svc.Export(ctx, opts)
//	defer exp.Close(ctx)
//	for exp.Next(ctx) {
//		rec := exp.Record()
//		...
//	}
//	if err := exp.Err(); err != nil { ... }
//
// Close is safe to call at any point, including mid-stream; it always
// releases the transaction and its connection.
type Exporter struct {
	tx         pgx.Tx
	cursor     string
	batchSize  int
	provenance bool

	buf    []ExportRecord
	pos    int
	done   bool
	closed bool
	err    error
}

// Export opens a read-only transaction, declares a NO SCROLL cursor over the
// filtered window and returns a pull-based Exporter. The caller must Close
// it on every path.
func (s *Service) Export(ctx context.Context, opts ExportOptions) (*Exporter, error) {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = s.cfg.ExportBatchSize
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin export tx: %w", err)
	}

	where, args := opts.Filter.where()
	// Cursor names cannot be bound parameters; a generated suffix keeps
	// concurrent exports distinct.
	cursor := "audit_export_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	declare := fmt.Sprintf(
		`DECLARE %s NO SCROLL CURSOR FOR
		 SELECT entry_id, payload, entry_hash, previous_hash
		 FROM audit_entries%s ORDER BY seq ASC`,
		cursor, where)
	if _, err := tx.Exec(ctx, declare, args...); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("declare export cursor: %w", err)
	}

	return &Exporter{
		tx:         tx,
		cursor:     cursor,
		batchSize:  batch,
		provenance: opts.IncludeProvenance,
	}, nil
}

// Next advances to the next record, fetching a new batch from the cursor
// when the buffer runs out. It returns false at the end of the stream or on
// error; Err distinguishes the two.
func (e *Exporter) Next(ctx context.Context) bool {
	if e.err != nil || e.closed {
		return false
	}
	if e.pos < len(e.buf) {
		e.pos++
		return true
	}
	if e.done {
		return false
	}

	if err := e.fetch(ctx); err != nil {
		e.err = err
		// A broken stream must not leak the transaction.
		_ = e.Close(ctx)
		return false
	}
	if len(e.buf) == 0 {
		e.done = true
		return false
	}
	e.pos = 1
	return true
}

func (e *Exporter) fetch(ctx context.Context) error {
	rows, err := e.tx.Query(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", e.batchSize, e.cursor))
	if err != nil {
		return fmt.Errorf("fetch export batch: %w", err)
	}
	defer rows.Close()

	e.buf = e.buf[:0]
	e.pos = 0
	for rows.Next() {
		var entryID, entryHash, prevHash string
		var payload []byte
		if err := rows.Scan(&entryID, &payload, &entryHash, &prevHash); err != nil {
			return fmt.Errorf("scan export row: %w", err)
		}

		rec := normalizeExportRecord(payload)
		if e.provenance {
			rec.Provenance = &Provenance{
				EntryID:      entryID,
				EntryHash:    entryHash,
				PreviousHash: prevHash,
			}
		}
		e.buf = append(e.buf, rec)
	}
	return rows.Err()
}

// Record returns the current record. Valid only after Next returned true.
func (e *Exporter) Record() ExportRecord {
	return e.buf[e.pos-1]
}

// Err returns the first error encountered while streaming.
func (e *Exporter) Err() error {
	return e.err
}

// Close releases the cursor and the transaction. Idempotent; an early stop
// by the consumer still reclaims the connection.
func (e *Exporter) Close(ctx context.Context) error {
	if e.closed {
		return nil
	}
	e.closed = true
	// The rollback closes the cursor with the transaction; a read-only
	// transaction has nothing to undo.
	return e.tx.Rollback(ctx)
}

// normalizeExportRecord flattens one payload into the export shape with
// explicit defaults for whatever is missing.
func normalizeExportRecord(payload []byte) ExportRecord {
	var p struct {
		State  map[string]any `json:"state"`
		Action string         `json:"action"`
		Reward *float64       `json:"reward"`
		Score  *float64       `json:"score"`
	}
	_ = json.Unmarshal(payload, &p)

	rec := ExportRecord{State: p.State, Action: p.Action}
	if rec.State == nil {
		rec.State = map[string]any{}
	}
	switch {
	case p.Reward != nil:
		rec.Reward = *p.Reward
	case p.Score != nil:
		// Older events carried the reward under "score".
		rec.Reward = *p.Score
	}
	return rec
}
