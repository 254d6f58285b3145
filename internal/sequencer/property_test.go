package sequencer

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_EnumerationInvariants exhaustively enumerates the partitions
// of randomized small targets and checks the structural invariants that must
// hold at every transition.
func TestProperty_EnumerationInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	// Property: the emission count equals the partition number p(n).
	properties.Property("emission count equals p(n)", prop.ForAll(
		func(n int) bool {
			want, err := Count(n)
			if err != nil {
				return false
			}

			s, err := New(n)
			if err != nil {
				return false
			}
			emitted := int64(1)
			for s.Advance() {
				emitted++
			}
			return emitted == want
		},
		gen.IntRange(0, 25),
	))

	// Property: every emitted partition sums to n with a non-increasing
	// nonzero prefix, and consecutive emissions strictly descend in
	// reverse-lexicographic order on the zero-padded array.
	properties.Property("sum, ordering, and strict descent hold at every step", prop.ForAll(
		func(n int) bool {
			s, err := New(n)
			if err != nil {
				return false
			}

			prev := s.Current()
			if prev.Validate(n) != nil {
				return false
			}
			for s.Advance() {
				cur := s.Current()
				if cur.Validate(n) != nil {
					return false
				}
				if revLexCompare(prev, cur, n) <= 0 {
					return false
				}
				prev = cur
			}
			return true
		},
		gen.IntRange(1, 25),
	))

	// Property: the stateful sequencer and the pure transition function
	// agree on every step.
	properties.Property("stateful and pure transitions agree", prop.ForAll(
		func(n int) bool {
			s, err := New(n)
			if err != nil {
				return false
			}

			cur := s.Current()
			for s.Advance() {
				next, ok := Next(cur)
				if !ok {
					return false
				}
				got := s.Current()
				if len(next) != len(got) {
					return false
				}
				for i := range next {
					if next[i] != got[i] {
						return false
					}
				}
				cur = got
			}
			_, ok := Next(cur)
			return !ok
		},
		gen.IntRange(1, 18),
	))

	properties.TestingRun(t)
}

// revLexCompare compares two partitions as zero-padded arrays of width n.
func revLexCompare(a, b []int, n int) int {
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}
