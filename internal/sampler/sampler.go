// Package sampler draws uniform random samples from an enumeration, either
// in a single pass during generation (reservoir) or from a completed sink
// (post-hoc). Both strategies are deterministic for a fixed seed.
package sampler

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/partigen/partigen/internal/errors"
	"github.com/partigen/partigen/internal/sequencer"
	"github.com/partigen/partigen/internal/sink"
	"github.com/partigen/partigen/pkg/types"
)

// Sampling strategies.
const (
	StrategyReservoir = "reservoir"
	StrategyPostHoc   = "posthoc"
)

// Result is a completed sample. Records are sorted by rank.
type Result struct {
	RunID      string
	Target     int
	Seed       int64
	Strategy   string
	Population int64
	Records    []*types.Record
}

// Meta returns the result's identity for persistence.
func (r *Result) Meta() sink.SampleMeta {
	return sink.SampleMeta{
		RunID:      r.RunID,
		Target:     r.Target,
		Seed:       r.Seed,
		Strategy:   r.Strategy,
		Population: r.Population,
	}
}

// validateSize rejects sample sizes that cannot yield a uniform sample of
// the population. population < 0 means the population is not known up front.
func validateSize(size int64, population int64) error {
	if size <= 0 {
		return errors.NewSamplingError(errors.CodeInvalidSampleSize,
			fmt.Sprintf("sample size must be positive, got %d", size))
	}
	if population >= 0 && size > population {
		return errors.NewSamplingError(errors.CodeInvalidSampleSize,
			fmt.Sprintf("sample size %d exceeds population %d", size, population))
	}
	return nil
}

// Reservoir implements single-pass uniform sampling (Algorithm R). It is
// fed one record per rank, in order, by the generation driver; after the
// stream ends, Result returns exactly min(size, seen) records where every
// observed record had equal inclusion probability.
type Reservoir struct {
	target  int
	size    int64
	seed    int64
	rng     *rand.Rand
	seen    int64
	records []*types.Record
}

// NewReservoir creates a reservoir of the given size for the given target.
// The size is validated against the exact partition count when the target
// is small enough to count.
func NewReservoir(target int, size int64, seed int64) (*Reservoir, error) {
	if target < 0 {
		return nil, errors.NewValidationError(errors.CodeInvalidTarget,
			fmt.Sprintf("target must be non-negative, got %d", target))
	}
	population := int64(-1)
	if total, err := sequencer.Count(target); err == nil {
		population = total
	}
	if err := validateSize(size, population); err != nil {
		return nil, err
	}
	return &Reservoir{
		target:  target,
		size:    size,
		seed:    seed,
		rng:     rand.New(rand.NewSource(seed)),
		records: make([]*types.Record, 0, size),
	}, nil
}

// Observe offers one record to the reservoir. Records must arrive in rank
// order; the record is cloned, so the caller may reuse its storage.
func (r *Reservoir) Observe(rec *types.Record) {
	r.seen++
	if int64(len(r.records)) < r.size {
		r.records = append(r.records, cloneRecord(rec))
		return
	}
	// Replace a current member with probability size/seen.
	j := r.rng.Int63n(r.seen)
	if j < r.size {
		r.records[j] = cloneRecord(rec)
	}
}

// Seen returns the number of records observed so far.
func (r *Reservoir) Seen() int64 {
	return r.seen
}

// Result finalizes the sample. It fails when fewer records were observed
// than the requested size.
func (r *Reservoir) Result() (*Result, error) {
	if r.seen < r.size {
		return nil, errors.NewSamplingError(errors.CodeInvalidSampleSize,
			fmt.Sprintf("sample size %d exceeds population %d", r.size, r.seen))
	}
	records := make([]*types.Record, len(r.records))
	copy(records, r.records)
	sort.Slice(records, func(i, j int) bool { return records[i].Rank < records[j].Rank })
	return &Result{
		RunID:      uuid.New().String(),
		Target:     r.target,
		Seed:       r.seed,
		Strategy:   StrategyReservoir,
		Population: r.seen,
		Records:    records,
	}, nil
}

// PostHoc draws a uniform sample of the given size from a completed sink.
// Every record is assigned a deterministic 64-bit key from (seed, rank);
// the sample is the size records with the smallest keys. The keys depend
// only on seed and rank, so the same seed yields the same sample on any
// machine and any storage backend.
func PostHoc(ctx context.Context, reader sink.Reader, target int, size int64, seed int64) (*Result, error) {
	population, err := reader.Count(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateSize(size, population); err != nil {
		return nil, err
	}

	// Refuse to sample a partial enumeration: a truncated population
	// silently biases the sample toward early ranks.
	if expected, err := sequencer.Count(target); err == nil && population != expected {
		return nil, errors.NewStorageError(errors.CodeSinkIncomplete,
			fmt.Sprintf("sink holds %d records but target %d has %d partitions", population, target, expected), nil)
	}

	candidates := make([]keyedRecord, 0, population)
	err = reader.Scan(ctx, func(rec *types.Record) error {
		if err := ctx.Err(); err != nil {
			return errors.NewRunError(errors.CodeRunCancelled, "sampling cancelled")
		}
		candidates = append(candidates, keyedRecord{key: sampleKey(seed, rec.Rank), rec: cloneRecord(rec)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return lessSampleKey(candidates[i], candidates[j]) })
	records := make([]*types.Record, size)
	for i := range records {
		records[i] = candidates[i].rec
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Rank < records[j].Rank })

	return &Result{
		RunID:      uuid.New().String(),
		Target:     target,
		Seed:       seed,
		Strategy:   StrategyPostHoc,
		Population: population,
		Records:    records,
	}, nil
}

// keyedRecord pairs a record with its selection key.
type keyedRecord struct {
	key uint64
	rec *types.Record
}

// lessSampleKey orders candidates by key, breaking 64-bit key collisions
// by rank so the selection order is total and reproduces across runs.
func lessSampleKey(a, b keyedRecord) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.rec.Rank < b.rec.Rank
}

// sampleKey hashes (seed, rank) into the 64-bit order key used by PostHoc.
func sampleKey(seed int64, rank int64) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(seed))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(rank))
	return murmur3.Sum64(buf[:])
}

func cloneRecord(rec *types.Record) *types.Record {
	c := *rec
	c.Partition = rec.Partition.Clone()
	return &c
}
