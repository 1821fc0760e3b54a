package store

import (
	"math/rand"

	"slices"
)

// reservoirSize bounds how many keys the sampler keeps for
// partition_keys. It only needs enough samples to estimate quantiles
// well; spec.md §4.2 leaves the exact distribution unspecified beyond
// "approximately equally partitioning" (see DESIGN.md's Open Question
// decision for equi-depth).
const reservoirSize = 4096

// reservoir implements reservoir sampling of keys observed during put,
// per spec.md §4.2: "Quantile sampling for partition_keys is performed
// by reservoir-sampling keys during insertion".
type reservoir struct {
	rng     *rand.Rand
	seen    int64
	samples [][]byte
}

func newReservoir() *reservoir {
	return &reservoir{rng: rand.New(rand.NewSource(1))}
}

func (r *reservoir) observe(key []byte) {
	r.seen++
	if len(r.samples) < reservoirSize {
		r.samples = append(r.samples, append([]byte(nil), key...))
		return
	}
	j := r.rng.Int63n(r.seen)
	if j < reservoirSize {
		r.samples[j] = append([]byte(nil), key...)
	}
}

// partitionKeys computes n+1 monotone non-decreasing boundary keys from
// the reservoir plus the store's tracked min/max, equi-depth over the
// sample. If the reservoir holds too few samples to produce n+1
// boundaries, scanFn is invoked to pull every key currently in the
// store instead.
func partitionKeys(cmp Comparator, res *reservoir, min, max []byte, n int, scanFn func() ([][]byte, error)) ([][]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if min == nil || max == nil {
		// Empty store: nothing meaningful to bound; the caller (Store)
		// is responsible for rejecting this before we get here for a
		// genuinely empty shuffle, but defend anyway.
		return nil, nil
	}

	samples := res.samples
	if len(samples) < n+1 {
		full, err := scanFn()
		if err != nil {
			return nil, err
		}
		samples = full
	}

	sorted := make([][]byte, len(samples))
	copy(sorted, samples)
	slices.SortFunc(sorted, func(a, b []byte) int { return cmp(a, b) })

	bounds := make([][]byte, n+1)
	bounds[0] = min
	bounds[n] = max
	for i := 1; i < n; i++ {
		if len(sorted) == 0 {
			bounds[i] = max
			continue
		}
		pos := i * (len(sorted) - 1) / n
		bounds[i] = sorted[pos]
	}
	// Force monotonicity: equi-depth positions on a reservoir sample are
	// already non-decreasing, but clamp defensively in case min/max
	// fall outside the sampled range (they always bound it, so this is
	// a no-op in practice).
	for i := 1; i <= n; i++ {
		if cmp(bounds[i], bounds[i-1]) < 0 {
			bounds[i] = bounds[i-1]
		}
	}
	return bounds, nil
}
