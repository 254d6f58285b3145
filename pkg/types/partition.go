// Package types defines the shared value types of the partition engine:
// partitions, persisted partition records, and resume checkpoints.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Partition is a non-increasing sequence of positive integers. The target
// integer it partitions is the sum of its parts; the empty partition is the
// single partition of zero.
type Partition []int

// Sum returns the integer this partition decomposes.
func (p Partition) Sum() int {
	total := 0
	for _, part := range p {
		total += part
	}
	return total
}

// Largest returns the first (largest) part, or 0 for the empty partition.
func (p Partition) Largest() int {
	if len(p) == 0 {
		return 0
	}
	return p[0]
}

// Smallest returns the last (smallest) part, or 0 for the empty partition.
func (p Partition) Smallest() int {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1]
}

// Clone returns an independent copy of the partition.
func (p Partition) Clone() Partition {
	if p == nil {
		return nil
	}
	cp := make(Partition, len(p))
	copy(cp, p)
	return cp
}

// String returns the canonical space-delimited form, e.g. "3 2 1".
// The empty partition renders as the empty string.
func (p Partition) String() string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for i, part := range p {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(part))
	}
	return b.String()
}

// Validate checks the partition invariant: all parts positive, parts
// non-increasing, and the sum equal to target.
func (p Partition) Validate(target int) error {
	sum := 0
	for i, part := range p {
		if part <= 0 {
			return fmt.Errorf("partition: part %d is %d, parts must be positive", i, part)
		}
		if i > 0 && part > p[i-1] {
			return fmt.Errorf("partition: parts not non-increasing at index %d (%d > %d)", i, part, p[i-1])
		}
		sum += part
	}
	if sum != target {
		return fmt.Errorf("partition: parts sum to %d, want %d", sum, target)
	}
	return nil
}

// ParsePartition parses the canonical space-delimited form produced by
// Partition.String. The empty string parses to the empty partition.
func ParsePartition(s string) (Partition, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Partition{}, nil
	}
	fields := strings.Fields(s)
	p := make(Partition, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("partition: invalid part %q: %w", f, err)
		}
		p[i] = v
	}
	return p, nil
}

// Record is the persisted form of an emitted partition. Records are
// immutable once written: never updated, never deleted except by a
// full-run replace.
type Record struct {
	// Rank is the 1-based position in the emission order.
	Rank int64 `json:"rank"`

	// Partition is the part sequence.
	Partition Partition `json:"partition"`

	// PartCount is the number of parts.
	PartCount int `json:"part_count"`

	// LargestPart is the first part (derived, denormalized for queries).
	LargestPart int `json:"largest_part"`

	// SmallestPart is the last part (derived, denormalized for queries).
	SmallestPart int `json:"smallest_part"`
}

// NewRecord wraps a partition with its emission rank and derived columns.
// The partition is copied; the caller may reuse its backing array.
func NewRecord(rank int64, p Partition) *Record {
	cp := p.Clone()
	return &Record{
		Rank:         rank,
		Partition:    cp,
		PartCount:    len(cp),
		LargestPart:  cp.Largest(),
		SmallestPart: cp.Smallest(),
	}
}

// Checkpoint captures the last durably committed enumeration position.
// A run restarted against the same sink can resume from here instead of
// re-enumerating from the beginning.
type Checkpoint struct {
	// Target is the integer being partitioned.
	Target int `json:"target"`

	// Rank is the rank of the last committed record.
	Rank int64 `json:"rank"`

	// Partition is the last committed partition.
	Partition Partition `json:"partition"`
}
