package sink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/partigen/partigen/internal/errors"
	"github.com/partigen/partigen/pkg/types"
)

// schemaSQL creates the record, checkpoint, and sample tables. The record
// layout mirrors the historical run databases: rank plus the canonical
// space-delimited partition text and its denormalized derived columns.
var schemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS partitions (
		rank INTEGER PRIMARY KEY,
		partition_text TEXT NOT NULL,
		part_count INTEGER NOT NULL,
		largest_part INTEGER NOT NULL,
		smallest_part INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoint (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		target INTEGER NOT NULL,
		rank INTEGER NOT NULL,
		partition_text TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sample_runs (
		run_id TEXT PRIMARY KEY,
		target INTEGER NOT NULL,
		seed INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		sample_size INTEGER NOT NULL,
		population INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sampled_partitions (
		rank INTEGER PRIMARY KEY,
		partition_text TEXT NOT NULL,
		part_count INTEGER NOT NULL,
		largest_part INTEGER NOT NULL,
		smallest_part INTEGER NOT NULL
	)`,
}

// dropSQL removes all run state for a full-run replace.
var dropSQL = []string{
	`DROP TABLE IF EXISTS partitions`,
	`DROP TABLE IF EXISTS checkpoint`,
	`DROP TABLE IF EXISTS sample_runs`,
	`DROP TABLE IF EXISTS sampled_partitions`,
}

// SQLiteOptions configures how an SQLite sink is opened.
type SQLiteOptions struct {
	// Replace drops any prior run state before the new run starts.
	// Records are never updated or deleted except by this full-run
	// replace.
	Replace bool
}

// SQLiteSink implements Sink, Reader, Checkpointer, and SampleStore on a
// single SQLite database file. Batching is an explicit transaction held
// open between commits; SQLite's own WAL journal keeps readers unblocked.
type SQLiteSink struct {
	db         *sql.DB
	path       string
	insertStmt *sql.Stmt

	mu      sync.Mutex
	tx      *sql.Tx
	pending int
}

// NewSQLiteSink opens (or creates) the sink database at path.
func NewSQLiteSink(path string, opts SQLiteOptions) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeAppendFailed,
			fmt.Sprintf("failed to open sink database %s", path), err)
	}
	// Single writer: every statement goes through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteSink{db: db, path: path}

	if opts.Replace {
		for _, stmt := range dropSQL {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, errors.NewStorageError(errors.CodeAppendFailed,
					"failed to replace prior run state", err)
			}
		}
	}
	for _, stmt := range schemaSQL {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.NewStorageError(errors.CodeAppendFailed,
				"failed to initialize sink schema", err)
		}
	}

	insertStmt, err := db.Prepare(`
		INSERT INTO partitions (rank, partition_text, part_count, largest_part, smallest_part)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, errors.NewStorageError(errors.CodeAppendFailed,
			"failed to prepare insert statement", err)
	}
	s.insertStmt = insertStmt

	return s, nil
}

// Path returns the database file path.
func (s *SQLiteSink) Path() string {
	return s.path
}

// ensureTx opens the batch transaction if none is active. Caller must hold s.mu.
func (s *SQLiteSink) ensureTx(ctx context.Context) error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError(errors.CodeAppendFailed,
			"failed to begin batch transaction", err)
	}
	s.tx = tx
	return nil
}

// Append buffers a record into the current batch transaction.
func (s *SQLiteSink) Append(ctx context.Context, rec *types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureTx(ctx); err != nil {
		return err
	}

	_, err := s.tx.StmtContext(ctx, s.insertStmt).ExecContext(ctx,
		rec.Rank, rec.Partition.String(), rec.PartCount, rec.LargestPart, rec.SmallestPart)
	if err != nil {
		return errors.NewStorageError(errors.CodeAppendFailed,
			fmt.Sprintf("failed to append record with rank %d", rec.Rank), err)
	}
	s.pending++
	return nil
}

// SaveCheckpoint stages the checkpoint into the current batch transaction.
// It becomes durable together with the batch on the next Commit.
func (s *SQLiteSink) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureTx(ctx); err != nil {
		return err
	}

	_, err := s.tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoint (id, target, rank, partition_text, updated_at)
		 VALUES (1, ?, ?, ?, ?)`,
		cp.Target, cp.Rank, cp.Partition.String(), time.Now().Unix())
	if err != nil {
		return errors.NewStorageError(errors.CodeAppendFailed,
			"failed to stage checkpoint", err)
	}
	return nil
}

// LoadCheckpoint returns the last durable checkpoint, or nil when none exists.
func (s *SQLiteSink) LoadCheckpoint(ctx context.Context) (*types.Checkpoint, error) {
	var (
		cp            types.Checkpoint
		partitionText string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT target, rank, partition_text FROM checkpoint WHERE id = 1",
	).Scan(&cp.Target, &cp.Rank, &partitionText)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeScanFailed,
			"failed to load checkpoint", err)
	}

	cp.Partition, err = types.ParsePartition(partitionText)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeScanFailed,
			"checkpoint partition text is corrupt", err)
	}
	return &cp, nil
}

// Commit durably flushes the current batch. A no-op when nothing is pending.
func (s *SQLiteSink) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		s.tx = nil
		s.pending = 0
		return errors.NewStorageError(errors.CodeCommitFailed,
			"failed to commit batch", err)
	}
	s.tx = nil
	s.pending = 0
	return nil
}

// Pending returns the number of records appended since the last commit.
func (s *SQLiteSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Close rolls back any uncommitted batch and closes the database.
// Uncommitted records are lost, by contract.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
		s.pending = 0
	}
	if s.insertStmt != nil {
		s.insertStmt.Close()
	}
	return s.db.Close()
}

// Count returns the number of committed records.
func (s *SQLiteSink) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM partitions").Scan(&count)
	if err != nil {
		return 0, errors.NewStorageError(errors.CodeScanFailed,
			"failed to count records", err)
	}
	return count, nil
}

// Scan calls fn for every committed record in rank order.
func (s *SQLiteSink) Scan(ctx context.Context, fn func(*types.Record) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rank, partition_text, part_count, largest_part, smallest_part
		FROM partitions ORDER BY rank`)
	if err != nil {
		return errors.NewStorageError(errors.CodeScanFailed,
			"failed to query records", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return errors.NewStorageError(errors.CodeScanFailed,
			"error iterating records", err)
	}
	return nil
}

// scanRecord scans one row into a Record.
func scanRecord(rows *sql.Rows) (*types.Record, error) {
	var (
		rec           types.Record
		partitionText string
	)
	if err := rows.Scan(&rec.Rank, &partitionText, &rec.PartCount,
		&rec.LargestPart, &rec.SmallestPart); err != nil {
		return nil, errors.NewStorageError(errors.CodeScanFailed,
			"failed to scan record", err)
	}

	p, err := types.ParsePartition(partitionText)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeScanFailed,
			fmt.Sprintf("record with rank %d has corrupt partition text", rec.Rank), err)
	}
	rec.Partition = p
	return &rec, nil
}

// ReplaceSample atomically replaces any prior sampling result with the
// given one. One sample result per sink; a rerun replaces, never merges.
func (s *SQLiteSink) ReplaceSample(ctx context.Context, meta SampleMeta, records []*types.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError(errors.CodeAppendFailed,
			"failed to begin sample transaction", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM sampled_partitions",
		"DELETE FROM sample_runs",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.NewStorageError(errors.CodeAppendFailed,
				"failed to clear prior sample", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sample_runs (run_id, target, seed, strategy, sample_size, population, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meta.RunID, meta.Target, meta.Seed, meta.Strategy, len(records), meta.Population, time.Now().Unix())
	if err != nil {
		return errors.NewStorageError(errors.CodeAppendFailed,
			"failed to record sample run", err)
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO sampled_partitions (rank, partition_text, part_count, largest_part, smallest_part)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.NewStorageError(errors.CodeAppendFailed,
			"failed to prepare sample insert", err)
	}
	defer insert.Close()

	for _, rec := range records {
		if _, err := insert.ExecContext(ctx,
			rec.Rank, rec.Partition.String(), rec.PartCount, rec.LargestPart, rec.SmallestPart); err != nil {
			return errors.NewStorageError(errors.CodeAppendFailed,
				fmt.Sprintf("failed to persist sampled record with rank %d", rec.Rank), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorageError(errors.CodeCommitFailed,
			"failed to commit sample", err)
	}
	return nil
}

// RunStats summarizes a finished run for verification reporting.
type RunStats struct {
	Total    int64
	First    *types.Record
	Last     *types.Record
	ByLength []LengthBucket
}

// LengthBucket is one row of the part-count distribution.
type LengthBucket struct {
	PartCount int
	Records   int64
}

// Stats gathers total count, first and last records, and the part-count
// distribution (up to limit buckets) for run verification.
func (s *SQLiteSink) Stats(ctx context.Context, limit int) (*RunStats, error) {
	stats := &RunStats{}

	total, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	stats.Total = total
	if total == 0 {
		return stats, nil
	}

	for _, q := range []struct {
		query string
		dst   **types.Record
	}{
		{
			`SELECT rank, partition_text, part_count, largest_part, smallest_part
			 FROM partitions ORDER BY rank ASC LIMIT 1`, &stats.First,
		},
		{
			`SELECT rank, partition_text, part_count, largest_part, smallest_part
			 FROM partitions ORDER BY rank DESC LIMIT 1`, &stats.Last,
		},
	} {
		rows, err := s.db.QueryContext(ctx, q.query)
		if err != nil {
			return nil, errors.NewStorageError(errors.CodeScanFailed,
				"failed to query run bounds", err)
		}
		if rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			*q.dst = rec
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, errors.NewStorageError(errors.CodeScanFailed,
				"error reading run bounds", err)
		}
		rows.Close()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT part_count, COUNT(*)
		FROM partitions
		GROUP BY part_count
		ORDER BY part_count
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeScanFailed,
			"failed to query part-count distribution", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b LengthBucket
		if err := rows.Scan(&b.PartCount, &b.Records); err != nil {
			return nil, errors.NewStorageError(errors.CodeScanFailed,
				"failed to scan distribution bucket", err)
		}
		stats.ByLength = append(stats.ByLength, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageError(errors.CodeScanFailed,
			"error iterating distribution buckets", err)
	}

	return stats, nil
}
