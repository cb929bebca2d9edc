package abr

import (
	"math"
	"sort"

	"github.com/zsiec/streamcore/internal/ladder"
)

// minLadderTiers is the smallest ladder size the buffer-based sub-estimator
// operates on; below it there is nothing to step between.
const minLadderTiers = 2

// bufferBasedBitrate implements the buffer-based sub-estimator: a piecewise
// step function from bufferGap to a target bitrate, parameterized by the
// sorted bitrate ladder with logarithmically spaced thresholds. It returns
// ok=false when the ladder has fewer than minLadderTiers representations.
// currentScore damps the climb back to the lowest tier when the active
// representation is struggling to keep pace, regardless of buffer depth.
func bufferBasedBitrate(reps []ladder.Representation, bufferGap float64, currentScore float64) (int, bool) {
	if len(reps) < minLadderTiers {
		return 0, false
	}
	if math.IsInf(bufferGap, 1) {
		bufferGap = bufferBasedHorizon
	}

	sorted := make([]ladder.Representation, len(reps))
	copy(sorted, reps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Bitrate < sorted[j].Bitrate })

	lowest := float64(sorted[0].Bitrate)
	highest := float64(sorted[len(sorted)-1].Bitrate)
	if highest <= lowest {
		return sorted[len(sorted)-1].Bitrate, true
	}

	// Thresholds are logarithmically spaced across the ladder: tier i
	// becomes reachable once bufferGap reaches thresholds[i] seconds. The
	// lowest tier is always reachable immediately (threshold 0) and the
	// highest sits at bufferBasedHorizon; in between, each tier's threshold
	// is proportional to the log of its bitrate relative to the lowest.
	n := len(sorted)
	thresholds := make([]float64, n)
	span := math.Log(highest / lowest)
	for i := 0; i < n; i++ {
		thresholds[i] = math.Log(float64(sorted[i].Bitrate)/lowest) / span * bufferBasedHorizon
	}

	chosen := sorted[0].Bitrate
	for i, th := range thresholds {
		if bufferGap >= th {
			chosen = sorted[i].Bitrate
		}
	}

	// A representation struggling to keep pace (score well below 1) damps
	// the buffer-based climb back to the lowest tier regardless of gap.
	if currentScore > 0 && currentScore < strugglingScoreThreshold {
		chosen = sorted[0].Bitrate
	}

	return chosen, true
}

// bufferBasedHorizon is the bufferGap (seconds) at which the buffer-based
// sub-estimator reaches the top ladder tier.
const bufferBasedHorizon = 30.0

// strugglingScoreThreshold below which the buffer-based estimator refuses to
// climb even with ample buffer.
const strugglingScoreThreshold = 0.5
