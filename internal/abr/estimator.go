// Package abr implements the ABR estimator: it combines the bandwidth
// EWMA, the per-representation score board, and a buffer-based sub-estimator
// into a stream of Decisions, recomputed whenever any input changes.
package abr

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/streamcore/internal/broadcast"
	"github.com/zsiec/streamcore/internal/clock"
	"github.com/zsiec/streamcore/internal/estimator"
	"github.com/zsiec/streamcore/internal/ladder"
)

// Hysteresis thresholds for forceBandwidthMode: flip to true once the
// buffer is thin, flip back to false only once it is comfortably ahead
// again, to prevent oscillation between the two modes.
const (
	forceBandwidthEnterGap = 5.0
	forceBandwidthExitGap  = 10.0
)

// Decision is one ABR output: the chosen representation plus the context a
// consumer needs to react appropriately (whether it must preempt in-flight
// work, whether it came from a manual override, and a conservative hint for
// what bitrate would definitely be sustainable).
type Decision struct {
	Representation    ladder.Representation
	BitrateEstimate   float64
	Urgent            bool
	Manual            bool
	StableBitrateHint float64
}

// InFlight describes one currently-downloading segment's progress, used to
// cap the bandwidth-derived bitrate by requests already proving slower than
// the current estimate, and to detect starvation risk for urgency.
type InFlight struct {
	RepresentationID string
	Loaded           int64
	Total            int64 // <= 0 if unknown
	Elapsed          time.Duration
}

// Config holds the auto-bitrate bounds and initial bitrate seed.
type Config struct {
	MinAutoBitrate int
	MaxAutoBitrate int
	InitialBitrate int
}

// Estimator is the ABR Estimator. Construction performs no I/O; feed it
// observations and input changes via its setters, and read Decisions from
// the returned subscription.
type Estimator struct {
	log       *slog.Logger
	bandwidth *estimator.Bandwidth
	scores    *estimator.ScoreBoard
	hub       *broadcast.Hub[Decision]

	mu sync.Mutex

	config  Config
	reps    []ladder.Representation
	current ladder.Representation

	manualBitrate int // -1 means auto

	forceBandwidthMode bool
	lastBufferGap      float64
	lastSpeed          float64

	inFlight []InFlight
}

// New creates an Estimator over a shared bandwidth estimator and score
// board (both are shared across Representation Streams of the same buffer
// type).
func New(log *slog.Logger, bandwidth *estimator.Bandwidth, scores *estimator.ScoreBoard, config Config) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	return &Estimator{
		log:           log.With("component", "abr"),
		bandwidth:     bandwidth,
		scores:        scores,
		hub:           broadcast.NewHub[Decision](),
		config:        config,
		manualBitrate: -1,
		lastBufferGap: math.Inf(1),
		lastSpeed:     1,
	}
}

// Decisions returns a subscription to the decision stream; the most recent
// decision (if any) is replayed immediately to new subscribers.
func (e *Estimator) Decisions() (<-chan Decision, func()) {
	return e.hub.Subscribe()
}

// SetRepresentations updates the filtered representation ladder and the
// currently active representation, and recomputes.
func (e *Estimator) SetRepresentations(reps []ladder.Representation, current ladder.Representation) {
	e.mu.Lock()
	e.reps = reps
	e.current = current
	d := e.recomputeLocked()
	e.mu.Unlock()
	e.hub.Publish(d)
}

// SetManualBitrate installs a manual bitrate override; a negative value
// returns control to automatic selection.
func (e *Estimator) SetManualBitrate(bitrate int) {
	e.mu.Lock()
	e.manualBitrate = bitrate
	d := e.recomputeLocked()
	e.mu.Unlock()
	e.hub.Publish(d)
}

// SetInFlight updates the set of currently in-flight segment downloads used
// to cap the bandwidth-derived bitrate and to compute urgency.
func (e *Estimator) SetInFlight(inFlight []InFlight) {
	e.mu.Lock()
	e.inFlight = inFlight
	d := e.recomputeLocked()
	e.mu.Unlock()
	e.hub.Publish(d)
}

// Observe feeds a clock Observation; the buffer gap and playback rate it
// carries are the C4 inputs the clock owns.
func (e *Estimator) Observe(obs clock.Observation) {
	e.mu.Lock()
	e.lastBufferGap = obs.BufferGap
	if obs.PlaybackRate > 0 {
		e.lastSpeed = obs.PlaybackRate
	}
	d := e.recomputeLocked()
	e.mu.Unlock()
	e.hub.Publish(d)
}

// recomputeLocked runs the ABR selection algorithm and returns the new
// Decision. Callers must hold e.mu; when reps is empty there is nothing to
// decide and the zero Decision is returned without publishing being useful,
// but we publish anyway to keep the "recompute on every input change"
// contract simple for callers with a momentarily-empty ladder.
func (e *Estimator) recomputeLocked() Decision {
	if len(e.reps) == 0 {
		return Decision{}
	}

	if e.manualBitrate >= 0 {
		rep, _ := ladder.SelectOptimal(e.reps, float64(e.manualBitrate), e.config.MinAutoBitrate, e.config.MaxAutoBitrate)
		return Decision{
			Representation:    rep,
			BitrateEstimate:   float64(e.manualBitrate),
			Urgent:            true,
			Manual:            true,
			StableBitrateHint: e.stableBitrateHintLocked(),
		}
	}

	bwEstimate := e.bandwidth.Estimate()
	bitrateChosen := e.capByInFlightLocked(bwEstimate)

	gap := e.lastBufferGap
	switch {
	case gap <= forceBandwidthEnterGap:
		e.forceBandwidthMode = true
	case gap > forceBandwidthExitGap && !math.IsInf(gap, 1):
		e.forceBandwidthMode = false
	}

	chosenByBandwidth, _ := ladder.SelectOptimal(e.reps, bitrateChosen, e.config.MinAutoBitrate, e.config.MaxAutoBitrate)

	currentScore, confident := e.scores.Score(e.current.ID)
	if !confident {
		currentScore = 1 // neutral: don't damp the climb without evidence
	}
	bufBitrate, bufOK := bufferBasedBitrate(e.reps, gap, currentScore)

	var final ladder.Representation
	if e.forceBandwidthMode || !bufOK || bufBitrate >= chosenByBandwidth.Bitrate {
		final = chosenByBandwidth
	} else {
		final, _ = ladder.SelectOptimal(e.reps, float64(bufBitrate), e.config.MinAutoBitrate, e.config.MaxAutoBitrate)
	}

	urgent := e.isUrgentLocked(final, bwEstimate)

	return Decision{
		Representation:    final,
		BitrateEstimate:   bwEstimate,
		Urgent:            urgent,
		Manual:            false,
		StableBitrateHint: e.stableBitrateHintLocked(),
	}
}

// capByInFlightLocked returns the bandwidth estimate, capped downward by any
// in-flight request whose observed rate so far is already slower: a request
// already proving out slower than the EWMA is better evidence than the EWMA
// itself for the next decision.
func (e *Estimator) capByInFlightLocked(bwEstimate float64) float64 {
	chosen := bwEstimate
	for _, f := range e.inFlight {
		if f.Elapsed <= 0 || f.Loaded <= 0 {
			continue
		}
		rate := float64(f.Loaded) * 8 / f.Elapsed.Seconds()
		if rate < chosen {
			chosen = rate
		}
	}
	return chosen
}

// isUrgentLocked reports whether the candidate switch is downward and any
// in-flight request's estimated remaining time exceeds the current buffer
// slack at the current bandwidth: keeping it running risks starvation.
func (e *Estimator) isUrgentLocked(candidate ladder.Representation, bwEstimate float64) bool {
	if candidate.Bitrate >= e.current.Bitrate || bwEstimate <= 0 {
		return false
	}
	for _, f := range e.inFlight {
		if f.Total <= 0 {
			continue
		}
		remaining := f.Total - f.Loaded
		if remaining <= 0 {
			continue
		}
		remainingTime := float64(remaining) * 8 / bwEstimate
		if remainingTime > e.lastBufferGap {
			return true
		}
	}
	return false
}

// stableBitrateHintLocked returns lastStable.bitrate / max(1, speed).
func (e *Estimator) stableBitrateHintLocked() float64 {
	stable, ok := e.scores.LastStableRepresentation(e.reps)
	if !ok {
		return 0
	}
	speed := e.lastSpeed
	if speed < 1 {
		speed = 1
	}
	return float64(stable.Bitrate) / speed
}
