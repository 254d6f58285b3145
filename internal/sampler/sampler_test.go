package sampler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partigen/partigen/internal/errors"
	"github.com/partigen/partigen/internal/sequencer"
	"github.com/partigen/partigen/pkg/types"
)

// memReader serves a fixed record slice as a sink.Reader.
type memReader struct {
	records []*types.Record
}

func (m *memReader) Count(ctx context.Context) (int64, error) {
	return int64(len(m.records)), nil
}

func (m *memReader) Scan(ctx context.Context, fn func(*types.Record) error) error {
	for _, rec := range m.records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func enumerate(t *testing.T, n int) []*types.Record {
	t.Helper()
	p, err := sequencer.First(n)
	require.NoError(t, err)
	var records []*types.Record
	rank := int64(1)
	for {
		records = append(records, types.NewRecord(rank, p))
		next, ok := sequencer.Next(p)
		if !ok {
			return records
		}
		p = next
		rank++
	}
}

func ranksOf(result *Result) []int64 {
	ranks := make([]int64, len(result.Records))
	for i, rec := range result.Records {
		ranks[i] = rec.Rank
	}
	return ranks
}

func feedReservoir(t *testing.T, r *Reservoir, records []*types.Record) *Result {
	t.Helper()
	for _, rec := range records {
		r.Observe(rec)
	}
	result, err := r.Result()
	require.NoError(t, err)
	return result
}

func TestReservoirFullPopulation(t *testing.T) {
	records := enumerate(t, 10)
	require.Len(t, records, 42)

	r, err := NewReservoir(10, 42, 1)
	require.NoError(t, err)
	result := feedReservoir(t, r, records)

	assert.Equal(t, StrategyReservoir, result.Strategy)
	assert.Equal(t, int64(42), result.Population)
	require.Len(t, result.Records, 42)
	for i, rec := range result.Records {
		assert.Equal(t, int64(i+1), rec.Rank)
		assert.Equal(t, records[i].Partition.String(), rec.Partition.String())
	}
	assert.NotEmpty(t, result.RunID)
}

func TestReservoirSizeValidation(t *testing.T) {
	_, err := NewReservoir(10, 0, 1)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidSampleSize, errors.GetCode(err))

	_, err = NewReservoir(10, -5, 1)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidSampleSize, errors.GetCode(err))

	// p(10) = 42, so 50 can never be a uniform sample.
	_, err = NewReservoir(10, 50, 1)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidSampleSize, errors.GetCode(err))

	_, err = NewReservoir(-1, 10, 1)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidTarget, errors.GetCode(err))
}

func TestReservoirDeterministicBySeed(t *testing.T) {
	records := enumerate(t, 12)

	first, err := NewReservoir(12, 10, 7)
	require.NoError(t, err)
	second, err := NewReservoir(12, 10, 7)
	require.NoError(t, err)
	other, err := NewReservoir(12, 10, 8)
	require.NoError(t, err)

	a := feedReservoir(t, first, records)
	b := feedReservoir(t, second, records)
	c := feedReservoir(t, other, records)

	assert.Equal(t, ranksOf(a), ranksOf(b))
	assert.NotEqual(t, ranksOf(a), ranksOf(c))
}

func TestReservoirClonesObservedRecords(t *testing.T) {
	records := enumerate(t, 6)
	r, err := NewReservoir(6, int64(len(records)), 1)
	require.NoError(t, err)

	for _, rec := range records {
		r.Observe(rec)
		// Clobber the caller's storage after the fact.
		for i := range rec.Partition {
			rec.Partition[i] = -1
		}
	}
	result, err := r.Result()
	require.NoError(t, err)
	for _, rec := range result.Records {
		assert.NoError(t, rec.Partition.Validate(6))
	}
}

func TestReservoirUnderfedStream(t *testing.T) {
	r, err := NewReservoir(10, 42, 1)
	require.NoError(t, err)
	r.Observe(types.NewRecord(1, types.Partition{10}))

	_, err = r.Result()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidSampleSize, errors.GetCode(err))
}

func TestPostHocFullPopulation(t *testing.T) {
	records := enumerate(t, 10)
	reader := &memReader{records: records}

	result, err := PostHoc(context.Background(), reader, 10, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, StrategyPostHoc, result.Strategy)
	assert.Equal(t, int64(42), result.Population)
	require.Len(t, result.Records, 42)
	for i, rec := range result.Records {
		assert.Equal(t, int64(i+1), rec.Rank)
	}
}

func TestPostHocSizeExceedsPopulation(t *testing.T) {
	reader := &memReader{records: enumerate(t, 10)}
	_, err := PostHoc(context.Background(), reader, 10, 50, 1)
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidSampleSize, errors.GetCode(err))
}

func TestPostHocIncompleteSink(t *testing.T) {
	records := enumerate(t, 10)
	reader := &memReader{records: records[:30]}

	_, err := PostHoc(context.Background(), reader, 10, 10, 1)
	require.Error(t, err)
	assert.Equal(t, errors.CodeSinkIncomplete, errors.GetCode(err))
}

func TestPostHocDeterministicBySeed(t *testing.T) {
	reader := &memReader{records: enumerate(t, 12)}

	a, err := PostHoc(context.Background(), reader, 12, 15, 3)
	require.NoError(t, err)
	b, err := PostHoc(context.Background(), reader, 12, 15, 3)
	require.NoError(t, err)
	c, err := PostHoc(context.Background(), reader, 12, 15, 4)
	require.NoError(t, err)

	assert.Equal(t, ranksOf(a), ranksOf(b))
	assert.NotEqual(t, ranksOf(a), ranksOf(c))

	// Results hold distinct ranks in ascending order.
	seen := make(map[int64]bool)
	prev := int64(0)
	for _, rank := range ranksOf(a) {
		assert.False(t, seen[rank])
		assert.Greater(t, rank, prev)
		seen[rank] = true
		prev = rank
	}
}

func TestLessSampleKeyBreaksTiesByRank(t *testing.T) {
	low := keyedRecord{key: 7, rec: types.NewRecord(3, types.Partition{5})}
	high := keyedRecord{key: 9, rec: types.NewRecord(1, types.Partition{5})}
	tied := keyedRecord{key: 7, rec: types.NewRecord(8, types.Partition{5})}

	assert.True(t, lessSampleKey(low, high))
	assert.False(t, lessSampleKey(high, low))

	// Equal keys fall back to rank, keeping the order total.
	assert.True(t, lessSampleKey(low, tied))
	assert.False(t, lessSampleKey(tied, low))
	assert.False(t, lessSampleKey(low, low))
}

func TestPostHocCancellation(t *testing.T) {
	reader := &memReader{records: enumerate(t, 10)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PostHoc(ctx, reader, 10, 10, 1)
	require.Error(t, err)
	assert.Equal(t, errors.CodeRunCancelled, errors.GetCode(err))
}

// Inclusion frequencies over many seeds should be near-uniform for both
// strategies. Bounds are generous; this guards against gross bias such as
// always favoring early ranks, not against small statistical noise.
func TestSamplingUniformity(t *testing.T) {
	records := enumerate(t, 9) // p(9) = 30
	population := len(records)
	const (
		size  = 10
		runs  = 300
		share = float64(size) / 30.0 // expected inclusion probability
	)

	check := func(t *testing.T, hits map[int64]int) {
		for rank := int64(1); rank <= int64(population); rank++ {
			freq := float64(hits[rank]) / runs
			assert.InDelta(t, share, freq, 0.15, "rank %d included %.2f of runs", rank, freq)
		}
	}

	t.Run("reservoir", func(t *testing.T) {
		hits := make(map[int64]int)
		for seed := int64(0); seed < runs; seed++ {
			r, err := NewReservoir(9, size, seed)
			require.NoError(t, err)
			result := feedReservoir(t, r, records)
			for _, rank := range ranksOf(result) {
				hits[rank]++
			}
		}
		check(t, hits)
	})

	t.Run("posthoc", func(t *testing.T) {
		reader := &memReader{records: records}
		hits := make(map[int64]int)
		for seed := int64(0); seed < runs; seed++ {
			result, err := PostHoc(context.Background(), reader, 9, size, seed)
			require.NoError(t, err)
			for _, rank := range ranksOf(result) {
				hits[rank]++
			}
		}
		check(t, hits)
	})
}
