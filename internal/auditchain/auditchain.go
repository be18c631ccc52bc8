// Package auditchain implements the hash-chained, append-only audit ledger
// that records every state-changing event on the platform.
//
// Entries are grouped into independent sub-ledgers by domain tag. Within one
// domain tag the entries form an unbroken hash chain anchored at GenesisHash
// (the SHA-256 of the empty string); every entry's hash covers its
// predecessor's hash, so any tampering is detectable via Verify. Appenders to
// the same domain tag serialise on a per-tag advisory lock while appenders to
// different tags proceed in parallel.
//
// Two implementations of the Ledger interface are provided:
//   - MemoryLedger: in-process, for testing and development.
//   - PostgresLedger: durable, for production use.
//
// Both run a circuit breaker that quarantines a domain tag after repeated
// integrity-verification failures: further appends for that tag fail fast
// with a *QuarantineError until the tag is explicitly reset.
package auditchain
