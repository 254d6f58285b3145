// Package driver orchestrates a full enumeration run: it streams partitions
// from the sequencer into a sink in durable batches, reports progress and
// ETA, and handles cancellation and resume.
package driver

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/partigen/partigen/internal/errors"
	"github.com/partigen/partigen/internal/sequencer"
	"github.com/partigen/partigen/internal/sink"
	"github.com/partigen/partigen/pkg/types"
)

// State is the driver's run state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Defaults matching the production N=80 runs.
const (
	DefaultBatchSize        = 100000
	DefaultProgressInterval = 10 * time.Second

	// rateWindow is the sliding window for throughput smoothing.
	rateWindow = 60 * time.Second
)

// Options configures a single enumeration run.
type Options struct {
	// Target is the integer N to partition.
	Target int

	// BatchSize is the number of records per durable commit
	// (default 100,000).
	BatchSize int

	// ProgressInterval is the cadence of progress lines (default 10s).
	ProgressInterval time.Duration

	// Observer, when set, receives every emitted record in strict rank
	// order before it is handed to the sink. Used to feed a reservoir
	// sampler in lockstep with generation.
	Observer func(*types.Record)

	// Logf overrides the telemetry logger (default log.Printf).
	Logf func(format string, args ...interface{})
}

// Summary is the final report of a run.
type Summary struct {
	Target   int
	State    State
	Emitted  int64 // records emitted by this run
	LastRank int64 // highest rank dispatched for commit
	Elapsed  time.Duration
	Rate     float64 // average partitions/sec over the run
}

// Driver runs enumerations against a sink. Exactly one run may be active
// at a time; the sink must not be shared with another writer.
type Driver struct {
	sink sink.Sink

	mu    sync.Mutex
	state State
}

// New creates an idle driver writing to the given sink.
func New(s sink.Sink) *Driver {
	return &Driver{sink: s, state: StateIdle}
}

// State returns the current run state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Run enumerates every partition of opts.Target from the beginning.
// Cancellation via ctx is honored at emission boundaries: the run ends in
// StateCancelled with a nil error and all fully committed batches intact.
func (d *Driver) Run(ctx context.Context, opts Options) (*Summary, error) {
	return d.run(ctx, opts, nil)
}

// Resume continues an interrupted run from the sink's durable checkpoint.
// It fails when the sink does not support checkpoints, holds none, or holds
// one for a different target.
func (d *Driver) Resume(ctx context.Context, opts Options) (*Summary, error) {
	cpr, ok := d.sink.(sink.Checkpointer)
	if !ok {
		return nil, errors.NewStorageError(errors.CodeNoCheckpoint,
			"sink does not support checkpoints", nil)
	}
	cp, err := cpr.LoadCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, errors.NewStorageError(errors.CodeNoCheckpoint,
			"sink has no checkpoint to resume from", nil)
	}
	if cp.Target != opts.Target {
		return nil, errors.NewValidationError(errors.CodeInvalidTarget,
			fmt.Sprintf("checkpoint is for target %d, run requested target %d", cp.Target, opts.Target))
	}
	return d.run(ctx, opts, cp)
}

// run is the shared run loop. cp, when non-nil, positions the sequencer
// just after the last durably committed record.
func (d *Driver) run(ctx context.Context, opts Options, cp *types.Checkpoint) (*Summary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}

	// Validate before any state transition: an invalid target must not
	// start a partial run.
	seq, err := sequencer.New(opts.Target)
	if err != nil {
		return nil, err
	}

	if err := d.transitionToRunning(); err != nil {
		return nil, err
	}

	startRank := int64(1)
	if cp != nil {
		if err := seq.Restore(cp.Partition); err != nil {
			d.setState(StateFailed)
			return nil, err
		}
		startRank = cp.Rank + 1
		if !seq.Advance() {
			// The checkpoint sits on the terminal partition:
			// everything was already committed.
			d.setState(StateCompleted)
			logf("resume: enumeration for target %d already complete at rank %s",
				opts.Target, formatCount(cp.Rank))
			return &Summary{
				Target:   opts.Target,
				State:    StateCompleted,
				LastRank: cp.Rank,
			}, nil
		}
		logf("resume: continuing target %d from rank %s", opts.Target, formatCount(cp.Rank))
	}

	// Total population for ETA. Unknown (0) when the target is outside
	// the exactly countable range.
	total, err := sequencer.Count(opts.Target)
	if err != nil {
		total = 0
	}

	tracker := NewTracker(rateWindow)
	var emitted atomic.Int64

	// Progress reporter.
	progressDone := make(chan struct{})
	var progressWG sync.WaitGroup
	progressWG.Add(1)
	go func() {
		defer progressWG.Done()
		ticker := time.NewTicker(opts.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-progressDone:
				return
			case <-ticker.C:
				n := emitted.Load()
				tracker.Observe(startRank - 1 + n)
				line := fmt.Sprintf("progress: %s partitions (%.1f/sec)",
					formatCount(startRank-1+n), tracker.Rate())
				if eta, ok := tracker.ETA(startRank-1+n, total); ok {
					line += fmt.Sprintf(" ETA %s", eta.Round(time.Second))
				}
				logf("%s", line)
			}
		}
	}()
	stopProgress := func() {
		close(progressDone)
		progressWG.Wait()
	}

	// Committer: at most one batch is in flight; generation blocks on the
	// semaphore once a full uncommitted batch is pending, which bounds
	// uncommitted records at one batch generating plus one committing.
	// A dispatched batch is allowed to finish its commit even after
	// cancellation; cancellation is honored at dispatch boundaries.
	sem := semaphore.NewWeighted(1)
	var (
		commitMu  sync.Mutex
		commitErr error
		commitWG  sync.WaitGroup
	)
	setCommitErr := func(err error) {
		commitMu.Lock()
		if commitErr == nil {
			commitErr = err
		}
		commitMu.Unlock()
	}
	getCommitErr := func() error {
		commitMu.Lock()
		defer commitMu.Unlock()
		return commitErr
	}

	dispatch := func(batch []*types.Record) error {
		if err := sem.Acquire(context.Background(), 1); err != nil {
			return err
		}
		if err := getCommitErr(); err != nil {
			sem.Release(1)
			return err
		}
		commitWG.Add(1)
		go func() {
			defer commitWG.Done()
			defer sem.Release(1)

			cctx := context.Background()
			for _, rec := range batch {
				if err := d.sink.Append(cctx, rec); err != nil {
					setCommitErr(err)
					return
				}
			}
			if cpr, ok := d.sink.(sink.Checkpointer); ok {
				last := batch[len(batch)-1]
				if err := cpr.SaveCheckpoint(cctx, &types.Checkpoint{
					Target:    opts.Target,
					Rank:      last.Rank,
					Partition: last.Partition,
				}); err != nil {
					setCommitErr(err)
					return
				}
			}
			if err := d.sink.Commit(cctx); err != nil {
				setCommitErr(err)
			}
		}()
		return nil
	}

	finish := func(state State, runErr error) (*Summary, error) {
		stopProgress()
		commitWG.Wait()
		d.setState(state)

		n := emitted.Load()
		elapsed := tracker.Elapsed()
		rate := 0.0
		if secs := elapsed.Seconds(); secs > 0 {
			rate = float64(n) / secs
		}
		summary := &Summary{
			Target:   opts.Target,
			State:    state,
			Emitted:  n,
			LastRank: startRank - 1 + n,
			Elapsed:  elapsed,
			Rate:     rate,
		}

		switch state {
		case StateCompleted:
			logf("completed: %s partitions in %s (%.1f/sec)",
				formatCount(summary.LastRank), elapsed.Round(time.Millisecond), rate)
		case StateCancelled:
			logf("cancelled: committed records up to the last full batch remain; rerun resumes from the checkpoint")
		case StateFailed:
			logf("failed: %v", runErr)
		}
		return summary, runErr
	}

	batch := make([]*types.Record, 0, opts.BatchSize)
	rank := startRank
	for {
		// Cancellation is checked at emission boundaries only.
		if ctx.Err() != nil {
			return finish(StateCancelled, nil)
		}
		if err := getCommitErr(); err != nil {
			return finish(StateFailed, err)
		}

		rec := types.NewRecord(rank, seq.Current())
		if opts.Observer != nil {
			opts.Observer(rec)
		}
		batch = append(batch, rec)
		rank++
		emitted.Add(1)

		advanced := seq.Advance()
		if len(batch) >= opts.BatchSize || !advanced {
			if err := dispatch(batch); err != nil {
				return finish(StateFailed, err)
			}
			batch = make([]*types.Record, 0, opts.BatchSize)
		}
		if !advanced {
			break
		}
	}

	// Wait for the final in-flight commit.
	if err := sem.Acquire(context.Background(), 1); err == nil {
		sem.Release(1)
	}
	if err := getCommitErr(); err != nil {
		return finish(StateFailed, err)
	}
	return finish(StateCompleted, nil)
}

// transitionToRunning guards against concurrent runs on one driver.
func (d *Driver) transitionToRunning() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateRunning {
		return errors.NewRunError(errors.CodeRunInProgress,
			"a run is already in progress on this driver")
	}
	d.state = StateRunning
	return nil
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}
