package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partigen/partigen/pkg/types"
)

func TestLogSink_AppendCommitReadback(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "partitions.log")

	l, err := NewLogSink(path, LogOptions{Replace: true})
	require.NoError(t, err)

	for _, rec := range testRecords() {
		require.NoError(t, l.Append(ctx, rec))
	}
	require.NoError(t, l.Commit(ctx))
	require.NoError(t, l.Close())

	reopened, err := NewLogSink(path, LogOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	var got []*types.Record
	require.NoError(t, reopened.Scan(ctx, func(rec *types.Record) error {
		got = append(got, rec)
		return nil
	}))
	assert.Equal(t, testRecords(), got)
}

func TestLogSink_ReplaceTruncatesPriorRun(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "partitions.log")

	l, err := NewLogSink(path, LogOptions{Replace: true})
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, types.NewRecord(1, types.Partition{3})))
	require.NoError(t, l.Commit(ctx))
	require.NoError(t, l.Close())

	replaced, err := NewLogSink(path, LogOptions{Replace: true})
	require.NoError(t, err)
	defer replaced.Close()

	count, err := replaced.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLogSink_CheckpointReplay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "partitions.log")

	l, err := NewLogSink(path, LogOptions{Replace: true})
	require.NoError(t, err)

	cp, err := l.LoadCheckpoint(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp, "fresh log has no checkpoint")

	require.NoError(t, l.SaveCheckpoint(ctx, &types.Checkpoint{Target: 5, Rank: 2, Partition: types.Partition{4, 1}}))
	require.NoError(t, l.SaveCheckpoint(ctx, &types.Checkpoint{Target: 5, Rank: 4, Partition: types.Partition{3, 1, 1}}))
	require.NoError(t, l.Commit(ctx))

	cp, err = l.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(4), cp.Rank, "the last checkpoint frame wins")
	assert.Equal(t, types.Partition{3, 1, 1}, cp.Partition)
}

func TestLogSink_TornTailIsIgnored(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "partitions.log")

	l, err := NewLogSink(path, LogOptions{Replace: true})
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, types.NewRecord(1, types.Partition{2})))
	require.NoError(t, l.Append(ctx, types.NewRecord(2, types.Partition{1, 1})))
	require.NoError(t, l.Commit(ctx))
	require.NoError(t, l.Close())

	// Simulate a crash mid-write: chop bytes off the last frame.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-5))

	reopened, err := NewLogSink(path, LogOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "torn tail frame must be dropped, intact prefix kept")
}

func TestLogSink_CorruptFrameFailsReplay(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "partitions.log")

	l, err := NewLogSink(path, LogOptions{Replace: true})
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, types.NewRecord(1, types.Partition{2})))
	require.NoError(t, l.Append(ctx, types.NewRecord(2, types.Partition{1, 1})))
	require.NoError(t, l.Commit(ctx))
	require.NoError(t, l.Close())

	// Flip a payload byte inside the first frame (past the 8-byte header).
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[10] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	reopened, err := NewLogSink(path, LogOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Count(ctx)
	assert.Error(t, err, "mid-file corruption is not a torn tail and must surface")
}

func TestLogSink_UncommittedRecordsAreLost(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "partitions.log")

	l, err := NewLogSink(path, LogOptions{Replace: true})
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, types.NewRecord(1, types.Partition{2})))
	require.NoError(t, l.Commit(ctx))
	require.NoError(t, l.Append(ctx, types.NewRecord(2, types.Partition{1, 1})))
	// No commit: the second record must not survive Close.
	require.NoError(t, l.Close())

	reopened, err := NewLogSink(path, LogOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLogSink_AppendAfterCloseFails(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "partitions.log")

	l, err := NewLogSink(path, LogOptions{Replace: true})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	assert.Error(t, l.Append(ctx, types.NewRecord(1, types.Partition{1})))
	assert.Error(t, l.Commit(ctx))
}

func TestLogSink_ResumeAfterInterruptedBatch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "partitions.log")

	// Batch one commits durably: record 1 plus its checkpoint.
	l, err := NewLogSink(path, LogOptions{Replace: true})
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, types.NewRecord(1, types.Partition{2})))
	require.NoError(t, l.SaveCheckpoint(ctx, &types.Checkpoint{Target: 2, Rank: 1, Partition: types.Partition{2}}))
	require.NoError(t, l.Commit(ctx))

	// Batch two is appended but never committed before the sink closes.
	require.NoError(t, l.Append(ctx, types.NewRecord(2, types.Partition{1, 1})))
	require.NoError(t, l.Close())

	// A resume reopens, reads the checkpoint, and re-emits rank 2.
	reopened, err := NewLogSink(path, LogOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	cp, err := reopened.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(1), cp.Rank)

	require.NoError(t, reopened.Append(ctx, types.NewRecord(2, types.Partition{1, 1})))
	require.NoError(t, reopened.SaveCheckpoint(ctx, &types.Checkpoint{Target: 2, Rank: 2, Partition: types.Partition{1, 1}}))
	require.NoError(t, reopened.Commit(ctx))

	var ranks []int64
	require.NoError(t, reopened.Scan(ctx, func(rec *types.Record) error {
		ranks = append(ranks, rec.Rank)
		return nil
	}))
	assert.Equal(t, []int64{1, 2}, ranks, "no rank may appear twice after a resume")
}

func TestLogSink_RecoveryDropsSpilledFramesPastCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "partitions.log")

	// A committed batch ending in its checkpoint.
	l, err := NewLogSink(path, LogOptions{Replace: true})
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, types.NewRecord(1, types.Partition{2})))
	require.NoError(t, l.SaveCheckpoint(ctx, &types.Checkpoint{Target: 2, Rank: 1, Partition: types.Partition{2}}))
	require.NoError(t, l.Commit(ctx))
	require.NoError(t, l.Close())

	// Simulate record frames that spilled to disk without their commit:
	// build a record-only log and append its bytes to the main log.
	spillPath := filepath.Join(dir, "spill.log")
	spill, err := NewLogSink(spillPath, LogOptions{Replace: true})
	require.NoError(t, err)
	require.NoError(t, spill.Append(ctx, types.NewRecord(2, types.Partition{1, 1})))
	require.NoError(t, spill.Commit(ctx))
	require.NoError(t, spill.Close())

	spilled, err := os.ReadFile(spillPath)
	require.NoError(t, err)
	main, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = main.Write(spilled)
	require.NoError(t, err)
	require.NoError(t, main.Close())

	// Reopening must truncate back to the last checkpoint frame.
	reopened, err := NewLogSink(path, LogOptions{})
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	cp, err := reopened.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, int64(1), cp.Rank)
}

func TestLogSink_MissingFileReadsEmpty(t *testing.T) {
	ctx := context.Background()
	l := &LogSink{path: filepath.Join(t.TempDir(), "absent.log")}

	count, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	var d Discard

	assert.NoError(t, d.Append(ctx, types.NewRecord(1, types.Partition{1})))
	assert.NoError(t, d.Commit(ctx))
	assert.NoError(t, d.Close())
}
