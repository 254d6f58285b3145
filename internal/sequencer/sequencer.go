// Package sequencer enumerates the integer partitions of a target N in
// reverse-lexicographic (descending) order.
//
// The enumeration starts at the single-part partition [N] and repeatedly
// decreases the rightmost part greater than 1 by one, redistributing the
// freed amount as the largest possible number of equal parts no larger than
// the decreased value. It visits each of the p(N) partitions exactly once
// and terminates at the all-ones partition.
package sequencer

import (
	"fmt"

	"github.com/partigen/partigen/internal/errors"
	"github.com/partigen/partigen/pkg/types"
)

// Sequencer holds the mutable enumeration state for one target. The scratch
// array is owned exclusively by the sequencer; emitted partitions are copies.
// A Sequencer is not safe for concurrent use.
type Sequencer struct {
	n      int
	parts  []int // fixed capacity n; nonzero prefix non-increasing, rest zero
	length int   // nonzero prefix length
}

// New creates a sequencer positioned at the first partition of n.
// n=0 yields the empty partition and is immediately terminal.
func New(n int) (*Sequencer, error) {
	if n < 0 {
		return nil, errors.NewValidationError(errors.CodeInvalidTarget,
			fmt.Sprintf("target must be non-negative, got %d", n))
	}

	s := &Sequencer{
		n:     n,
		parts: make([]int, n),
	}
	if n > 0 {
		s.parts[0] = n
		s.length = 1
	}
	return s, nil
}

// Target returns the integer being partitioned.
func (s *Sequencer) Target() int {
	return s.n
}

// Current returns a copy of the current partition. The copy does not alias
// the sequencer's scratch array.
func (s *Sequencer) Current() types.Partition {
	p := make(types.Partition, s.length)
	copy(p, s.parts[:s.length])
	return p
}

// Terminal reports whether the current partition is the last one in the
// enumeration order (the all-ones partition, or the empty partition of 0).
func (s *Sequencer) Terminal() bool {
	_, ok := rightmostAboveOne(s.parts[:s.length])
	return !ok
}

// Advance moves to the next partition in reverse-lexicographic order.
// It returns false, leaving the state unchanged, when the current partition
// is terminal.
func (s *Sequencer) Advance() bool {
	idx, ok := rightmostAboveOne(s.parts[:s.length])
	if !ok {
		return false
	}

	prefixSum := 0
	for i := 0; i < idx; i++ {
		prefixSum += s.parts[i]
	}

	// remaining covers the part at idx plus any trailing ones.
	remaining := s.n - prefixSum
	newValue := s.parts[idx] - 1
	count := remaining / newValue
	remainder := remaining % newValue

	for i := 0; i < count; i++ {
		s.parts[idx+i] = newValue
	}
	next := idx + count
	if remainder > 0 {
		s.parts[next] = remainder
		next++
	}
	for i := next; i < s.length; i++ {
		s.parts[i] = 0
	}
	s.length = next

	return true
}

// Restore positions the sequencer at an arbitrary valid partition of its
// target. Used to resume an interrupted enumeration from a checkpoint.
func (s *Sequencer) Restore(p types.Partition) error {
	if err := p.Validate(s.n); err != nil {
		return errors.Wrap(errors.ErrCategoryValidation, errors.CodeInvalidTarget,
			"checkpoint partition is not a valid partition of the target", err)
	}

	copy(s.parts, p)
	for i := len(p); i < s.length; i++ {
		s.parts[i] = 0
	}
	s.length = len(p)
	return nil
}

// rightmostAboveOne returns the index of the rightmost part greater than 1.
// Since the prefix is non-increasing, every part before the first value <= 1
// is > 1, so the answer is one before that boundary. ok is false when no
// such part exists, which is exactly the terminal condition.
func rightmostAboveOne(parts []int) (int, bool) {
	j := 0
	for j < len(parts) && parts[j] > 1 {
		j++
	}
	if j == 0 {
		return 0, false
	}
	return j - 1, true
}

// First returns the initial partition of n without retaining any state.
func First(n int) (types.Partition, error) {
	s, err := New(n)
	if err != nil {
		return nil, err
	}
	return s.Current(), nil
}

// Next is the pure form of the transition function: it returns the partition
// immediately following p in reverse-lexicographic order, or ok=false when p
// is terminal. The input is never mutated.
func Next(p types.Partition) (types.Partition, bool) {
	s, err := New(p.Sum())
	if err != nil {
		return nil, false
	}
	if err := s.Restore(p); err != nil {
		return nil, false
	}
	if !s.Advance() {
		return nil, false
	}
	return s.Current(), true
}
