package sink

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/partigen/partigen/internal/errors"
	"github.com/partigen/partigen/pkg/types"
)

// Log entry kinds.
const (
	entryKindRecord     = "record"
	entryKindCheckpoint = "checkpoint"
)

// logEntry is the serialized payload of one log frame.
type logEntry struct {
	Kind       string            `json:"kind"`
	Record     *types.Record     `json:"record,omitempty"`
	Checkpoint *types.Checkpoint `json:"checkpoint,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

// LogSink implements Sink, Reader, and Checkpointer on an append-only
// framed log file. Each frame is [length:4 LE][crc32:4 LE][snappy payload];
// Commit flushes buffered frames and fsyncs. Readers verify the CRC of
// every frame and stop at a torn tail, so a crash mid-write loses at most
// the uncommitted suffix.
type LogSink struct {
	path string

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// LogOptions configures how a log sink is opened.
type LogOptions struct {
	// Replace truncates any prior run instead of appending to it.
	Replace bool
}

// NewLogSink opens (or creates) the log sink at path.
func NewLogSink(path string, opts LogOptions) (*LogSink, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if opts.Replace {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	} else {
		if err := recoverLog(path); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeAppendFailed,
			fmt.Sprintf("failed to open log sink %s", path), err)
	}
	return &LogSink{
		path: path,
		f:    f,
		w:    bufio.NewWriterSize(f, 1<<20),
	}, nil
}

// Path returns the log file path.
func (l *LogSink) Path() string {
	return l.path
}

// writeFrame serializes and buffers one entry. Caller must hold l.mu.
func (l *LogSink) writeFrame(entry *logEntry) error {
	if l.w == nil {
		return errors.NewStorageError(errors.CodeAppendFailed,
			"log sink is closed", nil)
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.NewStorageError(errors.CodeAppendFailed,
			"failed to serialize log entry", err)
	}
	compressed := snappy.Encode(nil, payload)
	crc := crc32.ChecksumIEEE(compressed)

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(header[4:8], crc)

	if _, err := l.w.Write(header[:]); err != nil {
		return errors.NewStorageError(errors.CodeAppendFailed,
			"failed to write frame header", err)
	}
	if _, err := l.w.Write(compressed); err != nil {
		return errors.NewStorageError(errors.CodeAppendFailed,
			"failed to write frame payload", err)
	}
	return nil
}

// Append buffers a record frame.
func (l *LogSink) Append(ctx context.Context, rec *types.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeFrame(&logEntry{
		Kind:      entryKindRecord,
		Record:    rec,
		Timestamp: time.Now().Unix(),
	})
}

// SaveCheckpoint buffers a checkpoint frame. It becomes durable with the
// batch it follows on the next Commit.
func (l *LogSink) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writeFrame(&logEntry{
		Kind:       entryKindCheckpoint,
		Checkpoint: cp,
		Timestamp:  time.Now().Unix(),
	})
}

// Commit flushes buffered frames and fsyncs for durability.
func (l *LogSink) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return errors.NewStorageError(errors.CodeCommitFailed,
			"log sink is closed", nil)
	}
	if err := l.w.Flush(); err != nil {
		return errors.NewStorageError(errors.CodeCommitFailed,
			"failed to flush log buffer", err)
	}
	if err := l.f.Sync(); err != nil {
		return errors.NewStorageError(errors.CodeCommitFailed,
			"failed to fsync log", err)
	}
	return nil
}

// Close closes the log file. Frames buffered since the last commit are
// discarded, mirroring the batch rollback of the SQLite sink. Frames that
// spilled out of the buffer before Close are dropped by recoverLog on the
// next open.
func (l *LogSink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.w = nil
	return l.f.Close()
}

// LoadCheckpoint replays the log and returns the last checkpoint frame,
// or nil when the log has none.
func (l *LogSink) LoadCheckpoint(ctx context.Context) (*types.Checkpoint, error) {
	var cp *types.Checkpoint
	err := replayLog(ctx, l.path, func(entry *logEntry) error {
		if entry.Kind == entryKindCheckpoint && entry.Checkpoint != nil {
			cp = entry.Checkpoint
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Count replays the log counting record frames.
func (l *LogSink) Count(ctx context.Context) (int64, error) {
	var count int64
	err := replayLog(ctx, l.path, func(entry *logEntry) error {
		if entry.Kind == entryKindRecord {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Scan replays the log calling fn for every record frame in append order.
func (l *LogSink) Scan(ctx context.Context, fn func(*types.Record) error) error {
	return replayLog(ctx, l.path, func(entry *logEntry) error {
		if entry.Kind == entryKindRecord && entry.Record != nil {
			return fn(entry.Record)
		}
		return nil
	})
}

// replayLog reads frames from the log in order, verifying each CRC.
// A truncated tail terminates the replay silently: those frames were never
// committed. A CRC mismatch mid-file is corruption and fails the replay.
func replayLog(ctx context.Context, path string, fn func(*logEntry) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewStorageError(errors.CodeScanFailed,
			fmt.Sprintf("failed to open log %s", path), err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var header [8]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return errors.NewStorageError(errors.CodeScanFailed,
				"failed to read frame header", err)
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])

		compressed := make([]byte, length)
		if _, err := io.ReadFull(r, compressed); err != nil {
			// Torn tail from an interrupted write.
			return nil
		}

		if crc32.ChecksumIEEE(compressed) != crc {
			return errors.NewStorageError(errors.CodeScanFailed,
				fmt.Sprintf("CRC mismatch in log %s", path), nil)
		}

		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			return errors.NewStorageError(errors.CodeScanFailed,
				"failed to decompress frame", err)
		}

		var entry logEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return errors.NewStorageError(errors.CodeScanFailed,
				"failed to decode frame", err)
		}

		if err := fn(&entry); err != nil {
			return err
		}
	}
}

// recoverLog truncates record frames written after the last checkpoint
// frame. A batch becomes durable as its records followed by their
// checkpoint, so any trailing record frames belong to a batch whose commit
// never completed; keeping them would make Resume re-emit their ranks.
// Logs holding no checkpoint frames are left untouched, as are logs with a
// corrupt frame mid-file (replay surfaces that as an error).
func recoverLog(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewStorageError(errors.CodeScanFailed,
			fmt.Sprintf("failed to open log %s for recovery", path), err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)
	var offset, lastCheckpointEnd int64
	haveCheckpoint := false
	for {
		var header [8]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		crc := binary.LittleEndian.Uint32(header[4:8])

		compressed := make([]byte, length)
		if _, err := io.ReadFull(r, compressed); err != nil {
			break
		}
		if crc32.ChecksumIEEE(compressed) != crc {
			return nil
		}
		payload, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil
		}
		var entry logEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil
		}

		offset += int64(8 + length)
		if entry.Kind == entryKindCheckpoint {
			lastCheckpointEnd = offset
			haveCheckpoint = true
		}
	}
	if !haveCheckpoint {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return errors.NewStorageError(errors.CodeScanFailed,
			"failed to stat log for recovery", err)
	}
	if info.Size() > lastCheckpointEnd {
		if err := os.Truncate(path, lastCheckpointEnd); err != nil {
			return errors.NewStorageError(errors.CodeAppendFailed,
				"failed to truncate uncommitted log tail", err)
		}
	}
	return nil
}
