package capture

import "math"

// Sampler size bounds.
const (
	smallStepCutoff  = 5
	mediumStepCutoff = 1000
	maxSampleSize    = 100
	logSampleFactor  = 10
)

// TargetSize returns how many decision events to retain for a step that saw
// n items.
//
// Contract:
//   - n ≤ 5: every item (small steps are cheap and usually the interesting ones)
//   - 5 < n ≤ 1000: 5
//   - n > 1000: min(ceil(10·log₁₀ n), 100); logarithmic scaling bounds
//     storage for very large steps
func TargetSize(n int) int {
	if n <= 0 {
		return 0
	}

	if n <= smallStepCutoff {
		return n
	}

	if n <= mediumStepCutoff {
		return smallStepCutoff
	}

	k := int(math.Ceil(logSampleFactor * math.Log10(float64(n))))
	if k > maxSampleSize {
		k = maxSampleSize
	}

	return k
}

// ShouldSample reports whether item index i of a step with n items should be
// upgraded to a full decision event, given a target sample size k.
//
// Guarantees:
//   - The first and last index are always sampled, so first/last-item
//     regressions are never lost.
//   - When n ≤ k every index is sampled.
//   - Otherwise ≈ k−2 interior indices are retained, uniformly spaced across
//     [1, n−2].
//   - Fully deterministic: identical (i, n, k) yields identical results
//     across processes, so retried sends re-select the same items.
//
// The interior selection places picks at round(j·(n−1)/(k−1)) for
// j = 1..k−2 and answers membership in O(1) by inverting that mapping.
func ShouldSample(i, n, k int) bool {
	if n <= 0 || i < 0 || i >= n {
		return false
	}

	if i == 0 || i == n-1 {
		return true
	}

	if n <= k {
		return true
	}

	if k <= 2 {
		return false
	}

	step := float64(n-1) / float64(k-1)

	j := int(math.Round(float64(i) / step))
	if j < 1 || j > k-2 {
		return false
	}

	return int(math.Round(float64(j)*step)) == i
}
