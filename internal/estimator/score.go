package estimator

import (
	"math"
	"sort"
	"sync"

	"github.com/zsiec/streamcore/internal/ladder"
)

// minConfidenceSamples is how many score samples a representation needs
// before it is considered to have "confidence".
const minConfidenceSamples = 2

// stableScoreThreshold is the score a representation's EWMA must exceed to
// count as its "last stable" candidate.
const stableScoreThreshold = 1.0

// scoreHalfLife is the sample-count half-life for the per-representation
// score EWMA (a plain count-weighted EWMA, since "bytes" isn't the relevant
// unit for a duration ratio).
const scoreHalfLife = 5.0

type repScore struct {
	value   float64
	samples int
}

// ScoreBoard tracks, per representation, an EWMA of
// segmentDuration/requestDuration — how comfortably a representation's
// download kept pace with playback.
type ScoreBoard struct {
	mu     sync.Mutex
	scores map[string]*repScore
}

// NewScoreBoard creates an empty ScoreBoard.
func NewScoreBoard() *ScoreBoard {
	return &ScoreBoard{scores: make(map[string]*repScore)}
}

// AddSample records that a segment of segmentDuration seconds took
// requestDuration seconds to fetch for the given representation.
func (s *ScoreBoard) AddSample(representationID string, segmentDuration, requestDuration float64) {
	if requestDuration <= 0 {
		return
	}
	ratio := segmentDuration / requestDuration

	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scores[representationID]
	if !ok {
		sc = &repScore{}
		s.scores[representationID] = sc
	}
	weight := math.Pow(0.5, 1.0/scoreHalfLife)
	if sc.samples == 0 {
		weight = 0
	}
	sc.value = ratio*(1-weight) + sc.value*weight
	sc.samples++
}

// Score returns the current EWMA score for a representation, and whether
// enough samples exist to have confidence in it.
func (s *ScoreBoard) Score(representationID string) (score float64, confident bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.scores[representationID]
	if !ok {
		return 0, false
	}
	return sc.value, sc.samples >= minConfidenceSamples
}

// Maintainable reports whether the representation's score is >= 1 with
// confidence: it is keeping pace with playback.
func (s *ScoreBoard) Maintainable(representationID string) bool {
	score, confident := s.Score(representationID)
	return confident && score >= stableScoreThreshold
}

// LastStableRepresentation returns the highest-bitrate representation among
// reps whose current score exceeds stableScoreThreshold with confidence, or
// false if none qualify.
func (s *ScoreBoard) LastStableRepresentation(reps []ladder.Representation) (ladder.Representation, bool) {
	sorted := make([]ladder.Representation, len(reps))
	copy(sorted, reps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Bitrate > sorted[j].Bitrate })

	for _, r := range sorted {
		if s.Maintainable(r.ID) {
			return r, true
		}
	}
	return ladder.Representation{}, false
}
