// Package logstore provides append-only storage for a single oplog,
// satisfying the syncengine.Log contract {ID, Heads, Append}. MemStore
// is the in-process implementation used by tests and ephemeral peers;
// PostgresStore is an optional durable variant adapted from the
// teacher's internal/database/database.go pool-per-tenant pattern and
// internal/repo/repo.go's root-row persistence idiom.
package logstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orbitmesh/oplogsync/internal/entry"
)

func cidFromHash(hash string) (cid.Cid, error) {
	return cid.Decode(hash)
}

// MemStore is an in-memory, concurrency-safe oplog. Heads are computed
// on demand as the entries no other kept entry's Next references
// (spec's "Head": an entry with no known successor).
type MemStore struct {
	id string

	mu      sync.RWMutex
	entries map[string]*entry.Entry // keyed by Hash
	order   []string                // insertion order, for stable iteration
}

// NewMemStore creates an empty in-memory log for the given log ID.
func NewMemStore(id string) *MemStore {
	return &MemStore{id: id, entries: make(map[string]*entry.Entry)}
}

// ID returns the log's identifier (its pubsub topic name).
func (s *MemStore) ID() string { return s.id }

// Append stores e, keyed by its content hash. Appending an entry whose
// hash is already present is a no-op (idempotent by content-identifier,
// per spec's onSynced delivery contract).
func (s *MemStore) Append(_ context.Context, e *entry.Entry) error {
	if e == nil || e.Hash == "" {
		return fmt.Errorf("logstore: append: entry has no hash")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.Hash]; ok {
		return nil
	}
	s.entries[e.Hash] = e
	s.order = append(s.order, e.Hash)
	return nil
}

// Heads returns the current frontier: every stored entry whose hash is
// not referenced by any other stored entry's Next pointers.
func (s *MemStore) Heads(_ context.Context) ([]*entry.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return computeHeads(s.entries, s.order), nil
}

func computeHeads(entries map[string]*entry.Entry, order []string) []*entry.Entry {
	referenced := make(map[string]bool, len(entries))
	for _, e := range entries {
		for _, c := range e.Next {
			referenced[c.String()] = true
		}
	}

	heads := make([]*entry.Entry, 0, len(entries))
	for _, h := range order {
		e, ok := entries[h]
		if !ok {
			continue
		}
		if !referenced[cidKey(e)] {
			heads = append(heads, e)
		}
	}
	return heads
}

// cidKey renders an entry's hash the way its own CIDs appear in a
// successor's Next list: as the decoded CID's string form, not its
// dialect-specific multibase hash string. Entries store Next as actual
// cid.Cid values, so comparison happens through the CID's default
// string rendering rather than the raw Hash field.
func cidKey(e *entry.Entry) string {
	c, err := cidFromHash(e.Hash)
	if err != nil {
		return e.Hash
	}
	return c.String()
}

const tableSchema = `
CREATE TABLE IF NOT EXISTS oplog_entries (
    log_id      TEXT        NOT NULL,
    hash        TEXT        NOT NULL,
    raw         BYTEA       NOT NULL,
    seq         BIGSERIAL,
    PRIMARY KEY (log_id, hash)
);
CREATE INDEX IF NOT EXISTS idx_oplog_entries_log_seq ON oplog_entries(log_id, seq);
`

// PostgresStore is a durable oplog backed by a single append-only
// table, adapted from internal/database/database.go's pool-per-tenant
// pattern. Entries are stored as their raw encoded bytes (entry.Bytes)
// and reconstructed with entry.Decode on read, so the store never
// re-derives dialect-specific fields itself.
type PostgresStore struct {
	id   string
	pool *pgxpool.Pool
}

// OpenPostgresStore connects to pool and ensures the oplog_entries
// table exists, returning a store scoped to the given log ID.
func OpenPostgresStore(ctx context.Context, pool *pgxpool.Pool, id string) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, tableSchema); err != nil {
		return nil, fmt.Errorf("logstore: bootstrap schema: %w", err)
	}
	return &PostgresStore{id: id, pool: pool}, nil
}

// ID returns the log's identifier.
func (s *PostgresStore) ID() string { return s.id }

// Append persists e's raw encoded bytes, ignoring duplicate hashes.
func (s *PostgresStore) Append(ctx context.Context, e *entry.Entry) error {
	if e == nil || e.Hash == "" || e.Bytes == nil {
		return fmt.Errorf("logstore: append: entry missing hash or encoded bytes")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO oplog_entries (log_id, hash, raw) VALUES ($1, $2, $3)
		 ON CONFLICT (log_id, hash) DO NOTHING`,
		s.id, e.Hash, e.Bytes,
	)
	if err != nil {
		return fmt.Errorf("logstore: append %q: %w", e.Hash, err)
	}
	return nil
}

// Heads loads every stored entry for this log and computes the
// frontier. For logs whose size warrants it, callers should prefer
// MemStore or a cached head-set; this is the simple, always-correct
// path the teacher's CreateTenantDB-style helpers favor over premature
// optimization.
func (s *PostgresStore) Heads(ctx context.Context) ([]*entry.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT hash, raw FROM oplog_entries WHERE log_id = $1 ORDER BY seq`, s.id)
	if err != nil {
		return nil, fmt.Errorf("logstore: heads: query: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]*entry.Entry)
	var order []string
	for rows.Next() {
		var hash string
		var raw []byte
		if err := rows.Scan(&hash, &raw); err != nil {
			return nil, fmt.Errorf("logstore: heads: scan: %w", err)
		}
		e, err := entry.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("logstore: heads: decode %q: %w", hash, err)
		}
		entries[hash] = e
		order = append(order, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("logstore: heads: rows: %w", err)
	}

	return computeHeads(entries, order), nil
}
