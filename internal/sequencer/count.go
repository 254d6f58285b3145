package sequencer

import (
	"fmt"

	"github.com/partigen/partigen/internal/errors"
)

// maxCountTarget is the largest n for which p(n) fits in an int64.
// p(400) = 6,727,090,051,741,041,926; p(406) already overflows.
const maxCountTarget = 400

// Count returns the exact partition number p(n), the total number of
// partitions the sequencer will emit for target n. Computed with Euler's
// pentagonal number recurrence:
//
//	p(n) = Σ_{k≥1} (-1)^(k+1) [ p(n - k(3k-1)/2) + p(n - k(3k+1)/2) ]
//
// Used for ETA estimation and for rejecting oversized sample requests.
func Count(n int) (int64, error) {
	if n < 0 {
		return 0, errors.NewValidationError(errors.CodeInvalidTarget,
			fmt.Sprintf("target must be non-negative, got %d", n))
	}
	if n > maxCountTarget {
		return 0, errors.NewValidationError(errors.CodeInvalidTarget,
			fmt.Sprintf("partition count for target %d overflows int64 (max supported target is %d)", n, maxCountTarget))
	}

	p := make([]int64, n+1)
	p[0] = 1
	for i := 1; i <= n; i++ {
		var total int64
		for k := 1; ; k++ {
			pent1 := k * (3*k - 1) / 2
			pent2 := k * (3*k + 1) / 2
			if pent1 > i && pent2 > i {
				break
			}
			sign := int64(1)
			if k%2 == 0 {
				sign = -1
			}
			if pent1 <= i {
				total += sign * p[i-pent1]
			}
			if pent2 <= i {
				total += sign * p[i-pent2]
			}
		}
		p[i] = total
	}
	return p[n], nil
}
