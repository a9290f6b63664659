package attribution

import (
	"math/bits"
	"sort"
)

// mulDiv returns floor(a*b/c) and the remainder, for 0 <= a <= c and b >= 0.
func mulDiv(a, b, c int64) (q, r int64) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	uq, ur := bits.Div64(hi, lo, uint64(c))

	return int64(uq), int64(ur)
}

// Partition splits amount across weights proportionally. The parts sum to amount exactly: each part gets the floor
// of its share and the units left over go to the largest remainders, ties to the lower index. amount must not be
// larger than the sum of the weights.
func Partition(amount int64, weights []int64) []int64 {
	parts := make([]int64, len(weights))

	var total int64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}

	if amount <= 0 || total <= 0 {
		return parts
	}

	if amount > total {
		amount = total
	}

	rems := make([]int64, len(weights))
	left := amount

	for i, w := range weights {
		if w <= 0 {
			continue
		}

		parts[i], rems[i] = mulDiv(amount, w, total)
		left -= parts[i]
	}

	if left == 0 {
		return parts
	}

	idx := make([]int, 0, len(weights))
	for i, w := range weights {
		if w > 0 {
			idx = append(idx, i)
		}
	}

	sort.SliceStable(idx, func(a, b int) bool {
		return rems[idx[a]] > rems[idx[b]]
	})

	for _, i := range idx {
		if left == 0 {
			break
		}

		parts[i]++
		left--
	}

	return parts
}
