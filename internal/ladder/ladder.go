// Package ladder defines the minimal representation shape shared by the
// score board, the ABR estimator, and selectOptimal, so those packages can
// agree on "a representation" without depending on the full manifest model.
package ladder

import "sort"

// Representation is the subset of manifest.Representation the ABR machinery
// needs to rank and select among encodings.
type Representation struct {
	ID      string
	Bitrate int
}

// SelectOptimal returns the highest-bitrate representation with bitrate <=
// target, clamped to [min, max], from reps (which need not be sorted).
// Never returns an empty result if reps is non-empty: if every bitrate
// exceeds the clamped target, the lowest-bitrate representation is
// returned. SelectOptimal is idempotent and monotone non-decreasing in
// target.
func SelectOptimal(reps []Representation, target float64, min, max int) (Representation, bool) {
	if len(reps) == 0 {
		return Representation{}, false
	}

	sorted := make([]Representation, len(reps))
	copy(sorted, reps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Bitrate < sorted[j].Bitrate })

	clamped := target
	if max > 0 && clamped > float64(max) {
		clamped = float64(max)
	}
	if clamped < float64(min) {
		clamped = float64(min)
	}

	best := sorted[0]
	for _, r := range sorted {
		if r.Bitrate > max && max > 0 {
			continue
		}
		if r.Bitrate < min {
			continue
		}
		if float64(r.Bitrate) <= clamped {
			best = r
		}
	}
	return best, true
}
