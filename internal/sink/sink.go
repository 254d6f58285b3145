// Package sink provides append-only, batched-commit destinations for
// generated partition records.
//
// A record appended but not yet committed may be lost on failure; a record
// is durable once Commit returns. Exactly one writer may target a given
// sink per run.
package sink

import (
	"context"

	"github.com/partigen/partigen/pkg/types"
)

// Sink is the durable destination for an enumeration run.
type Sink interface {
	// Append buffers a record. Buffered records are not durable until
	// the next Commit.
	Append(ctx context.Context, rec *types.Record) error

	// Commit durably flushes all records appended since the last commit.
	Commit(ctx context.Context) error

	// Close releases the sink. Records appended but not committed are
	// discarded.
	Close() error
}

// Reader provides ordered read access over a materialized sink, used by
// post-hoc sampling and run verification.
type Reader interface {
	// Count returns the number of committed records.
	Count(ctx context.Context) (int64, error)

	// Scan calls fn for every committed record in rank order. Scanning
	// stops at the first error returned by fn.
	Scan(ctx context.Context, fn func(*types.Record) error) error
}

// Checkpointer persists the last committed enumeration position so an
// interrupted run can resume instead of restarting.
type Checkpointer interface {
	// SaveCheckpoint stages the checkpoint to become durable with the
	// next Commit, atomically with the batch it describes.
	SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error

	// LoadCheckpoint returns the last durable checkpoint, or nil when
	// the sink has none.
	LoadCheckpoint(ctx context.Context) (*types.Checkpoint, error)
}

// SampleStore persists a sampling result, replacing any prior result.
type SampleStore interface {
	ReplaceSample(ctx context.Context, meta SampleMeta, records []*types.Record) error
}

// SampleMeta describes the run identity of a persisted sample.
type SampleMeta struct {
	RunID      string
	Target     int
	Seed       int64
	Strategy   string
	Population int64
}

// Discard is a Sink that drops every record. It lets the enumeration driver
// feed a reservoir sampler without materializing the stream.
type Discard struct{}

func (Discard) Append(ctx context.Context, rec *types.Record) error { return nil }
func (Discard) Commit(ctx context.Context) error                    { return nil }
func (Discard) Close() error                                        { return nil }
