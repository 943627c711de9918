package metastore

import (
	"database/sql"
	"fmt"
)

// batchCommitEvery is the number of upserts after which Batch commits
// automatically, so the writer transaction never holds the lock for
// an unbounded stretch (spec §4.3: "a commit is issued every 200
// upserts").
const batchCommitEvery = 200

// Batch accumulates metadata upserts inside an open transaction,
// committing automatically every 200 calls. The Indexer also calls
// Flush explicitly immediately before any embedding-backend call, so
// the writer lock is never held across a slow compute step (spec
// §4.6).
type Batch struct {
	store   *Store
	tx      *sql.Tx
	pending int
}

// NewBatch begins a new batched-write transaction against the store.
func (s *Store) NewBatch() (*Batch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	return &Batch{store: s, tx: tx}, nil
}

// Upsert stages an upsert within the batch's transaction, committing
// and starting a fresh transaction every batchCommitEvery calls.
func (b *Batch) Upsert(path, root string, width, height int, mtime float64) error {
	if err := b.store.upsert(b.tx, path, root, width, height, mtime); err != nil {
		return err
	}
	b.pending++
	if b.pending >= batchCommitEvery {
		return b.Flush()
	}
	return nil
}

// Flush commits any pending upserts and opens a fresh transaction so
// the batch remains usable afterward. Call this before any call into
// the embedding backend.
func (b *Batch) Flush() error {
	if b.pending == 0 {
		return nil
	}
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("batch commit: %w", err)
	}
	b.pending = 0
	tx, err := b.store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	b.tx = tx
	return nil
}

// Rollback aborts the batch's open transaction, discarding any
// uncommitted upserts. Used on cancellation (spec §4.6).
func (b *Batch) Rollback() error {
	if b.pending == 0 {
		return b.tx.Rollback()
	}
	err := b.tx.Rollback()
	b.pending = 0
	return err
}

// Close commits any remaining pending upserts and releases the batch's
// transaction for good. Unlike Flush, it does not open a replacement
// transaction — the batch is not usable afterward.
func (b *Batch) Close() error {
	if b.pending > 0 {
		if err := b.tx.Commit(); err != nil {
			return fmt.Errorf("batch commit: %w", err)
		}
		b.pending = 0
		return nil
	}
	return b.tx.Rollback() // no-op if already committed by a prior Flush
}
