// Package clock implements the Playback Observer: it samples media state on
// a mode-dependent interval plus media events, and derives rebuffering and
// freezing status from the trajectory of buffered ranges and position.
package clock

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/zsiec/streamcore/internal/broadcast"
	"github.com/zsiec/streamcore/internal/rangeset"
)

// Event names a media element event the clock reacts to in addition to its
// sampling ticker.
type Event int

// Media events the clock subscribes to.
const (
	EventNone Event = iota
	EventCanPlay
	EventPlay
	EventSeeking
	EventSeeked
	EventLoadedMetadata
	EventRateChange
	EventTimeUpdate
)

// RebufferReason names why playback is currently rebuffering.
type RebufferReason int

// Supported rebuffer reasons.
const (
	RebufferReasonSeeking RebufferReason = iota
	RebufferReasonNotReady
	RebufferReasonBuffering
)

func (r RebufferReason) String() string {
	switch r {
	case RebufferReasonSeeking:
		return "seeking"
	case RebufferReasonNotReady:
		return "not-ready"
	default:
		return "buffering"
	}
}

// RebufferState describes an active rebuffering episode.
type RebufferState struct {
	Reason RebufferReason
	Since  time.Time
	Target *float64 // seek target position, set only for RebufferReasonSeeking
}

// FreezingState describes an active freezing episode (apparent stall despite
// sufficient buffer).
type FreezingState struct {
	Since time.Time
}

// Observation is a single sample of playback state, published on every tick
// and every subscribed media event.
type Observation struct {
	Position     float64
	BufferGap    float64
	Buffered     rangeset.Set
	Duration     float64
	PlaybackRate float64
	ReadyState   int
	Paused       bool
	Seeking      bool
	Ended        bool
	Event        Event
	Rebuffering  *RebufferState
	Freezing     *FreezingState
	InternalSeek bool
	Timestamp    time.Time // from a monotonic clock source (time.Now())
}

// MediaState is the instantaneous state read from the host media element.
type MediaState struct {
	Position     float64
	Duration     float64
	ReadyState   int // 0..4, matching HTMLMediaElement.readyState
	Paused       bool
	Seeking      bool
	Ended        bool
	PlaybackRate float64
}

// MediaElement is the external collaborator the clock samples: the host
// media element and its associated source buffer. streamcore never touches
// DOM or media APIs directly; everything funnels through this interface.
type MediaElement interface {
	State() MediaState
	BufferedRanges() rangeset.Set
	Events() <-chan Event
}

// Mode selects the sampling interval: low-latency (L), with-media-source
// (M), no-media-source (H); DefaultConfig sets them to 100ms, 1000ms and
// 500ms respectively.
type Mode int

// Supported sampling modes.
const (
	ModeLowLatency Mode = iota
	ModeWithMediaSource
	ModeNoMediaSource
)

// ResumeGaps holds the resume-gap threshold per rebuffer reason.
type ResumeGaps struct {
	Seeking   float64
	NotReady  float64
	Buffering float64
}

func (g ResumeGaps) forReason(r RebufferReason) float64 {
	switch r {
	case RebufferReasonSeeking:
		return g.Seeking
	case RebufferReasonNotReady:
		return g.NotReady
	default:
		return g.Buffering
	}
}

// Config holds the tunables left as configuration with documented defaults:
// the low-latency/default rebuffer and resume gap constants, and sampling
// intervals.
type Config struct {
	LowLatency bool

	IntervalLowLatency     time.Duration
	IntervalWithMediaSource time.Duration
	IntervalNoMediaSource  time.Duration

	RebufferGapDefault    float64
	RebufferGapLowLatency float64

	ResumeGapsDefault    ResumeGaps
	ResumeGapsLowLatency ResumeGaps

	FreezingThreshold float64

	// InternalSeekTimeout bounds how long setCurrentTime's internal-seek
	// flag may sit unconsumed before it is reconciled away (the counter can
	// drift if seek events are coalesced by the host).
	InternalSeekTimeout time.Duration
}

// DefaultConfig returns the documented default gaps and intervals.
func DefaultConfig() Config {
	return Config{
		IntervalLowLatency:      100 * time.Millisecond,
		IntervalWithMediaSource: 1000 * time.Millisecond,
		IntervalNoMediaSource:   500 * time.Millisecond,

		RebufferGapDefault:    1.0,
		RebufferGapLowLatency: 0.5,

		ResumeGapsDefault:    ResumeGaps{Seeking: 3.0, NotReady: 3.0, Buffering: 5.0},
		ResumeGapsLowLatency: ResumeGaps{Seeking: 1.0, NotReady: 1.0, Buffering: 2.0},

		FreezingThreshold:   10.0,
		InternalSeekTimeout: 2 * time.Second,
	}
}

// Clock is the Playback Observer. Construction performs no I/O; Run starts
// the sampling loop and must be called to begin publishing observations.
type Clock struct {
	log    *slog.Logger
	media  MediaElement
	config Config
	hub    *broadcast.Hub[Observation]

	hasMediaSource bool
	started        bool

	rebuffering *RebufferState
	freezing    *FreezingState

	lastPosition      float64
	lastPositionAt    time.Time
	noSourceStallSeen bool

	internalSeekCount int
	internalSeekAt    time.Time
}

// New creates a Clock over the given media element. hasMediaSource selects
// between the with-media-source (M) and no-media-source (H) sampling modes
// and rebuffer detection strategies; it is updated via SetHasMediaSource as
// the media-source lifecycle changes.
func New(log *slog.Logger, media MediaElement, config Config, hasMediaSource bool) *Clock {
	if log == nil {
		log = slog.Default()
	}
	return &Clock{
		log:            log.With("component", "clock"),
		media:          media,
		config:         config,
		hub:            broadcast.NewHub[Observation](),
		hasMediaSource: hasMediaSource,
	}
}

// SetHasMediaSource updates whether a media source is currently attached,
// switching between the M and H sampling/rebuffer strategies.
func (c *Clock) SetHasMediaSource(v bool) {
	c.hasMediaSource = v
}

// Observations returns a subscription to the observation stream. The most
// recent observation is replayed immediately to the new subscriber.
func (c *Clock) Observations() (<-chan Observation, func()) {
	return c.hub.Subscribe()
}

// SetCurrentTime should be called immediately before programmatically
// setting the media element's current time, so the subsequent "seeking"
// event can be distinguished from a user-initiated seek.
func (c *Clock) SetCurrentTime(t float64) {
	c.internalSeekCount++
	c.internalSeekAt = time.Now()
	c.log.Debug("internal seek requested", "target", t, "pending", c.internalSeekCount)
}

func (c *Clock) interval() time.Duration {
	switch {
	case c.config.LowLatency:
		return c.config.IntervalLowLatency
	case c.hasMediaSource:
		return c.config.IntervalWithMediaSource
	default:
		return c.config.IntervalNoMediaSource
	}
}

// Run starts the sampling loop. It blocks until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval())
	defer ticker.Stop()

	events := c.media.Events()

	for {
		select {
		case <-ctx.Done():
			c.hub.Finish()
			return ctx.Err()

		case ev := <-events:
			c.sample(ev)
			// Interval may have changed if low-latency mode flipped or the
			// media source lifecycle changed between ticks.
			ticker.Reset(c.interval())

		case <-ticker.C:
			c.sample(EventNone)
			ticker.Reset(c.interval())
		}
	}
}

// sample reads current media state, derives rebuffering/freezing, and
// publishes the resulting Observation.
func (c *Clock) sample(ev Event) {
	state := c.media.State()
	buffered := c.media.BufferedRanges()
	now := time.Now()

	if !c.started && (!state.Paused || state.Position > 0) {
		c.started = true
	}

	internalSeek := false
	if ev == EventSeeking {
		if c.internalSeekCount > 0 {
			c.internalSeekCount--
			internalSeek = true
		}
	}
	if c.internalSeekCount > 0 && now.Sub(c.internalSeekAt) > c.config.InternalSeekTimeout {
		c.log.Debug("internal seek counter reconciled away", "pending", c.internalSeekCount)
		c.internalSeekCount = 0
	}

	bufferGap := bufferGapAt(buffered, state.Position)

	if c.hasMediaSource {
		c.deriveWithMediaSource(state, buffered, bufferGap, now, ev)
	} else {
		c.deriveNoMediaSource(state, now, ev)
	}
	c.deriveFreezing(state, bufferGap, now)

	c.lastPosition = state.Position
	c.lastPositionAt = now

	c.hub.Publish(Observation{
		Position:     state.Position,
		BufferGap:    bufferGap,
		Buffered:     buffered,
		Duration:     state.Duration,
		PlaybackRate: state.PlaybackRate,
		ReadyState:   state.ReadyState,
		Paused:       state.Paused,
		Seeking:      state.Seeking,
		Ended:        state.Ended,
		Event:        ev,
		Rebuffering:  c.rebuffering,
		Freezing:     c.freezing,
		InternalSeek: internalSeek,
		Timestamp:    now,
	})
}

func bufferGapAt(buffered rangeset.Set, position float64) float64 {
	if r, ok := rangeset.GetRange(buffered, position); ok {
		return r.End - position
	}
	if len(buffered) == 0 {
		return math.Inf(1)
	}
	return 0
}

func isFullyLoaded(buffered rangeset.Set, position, duration float64) bool {
	if duration <= 0 || math.IsInf(duration, 1) {
		return false
	}
	r, ok := rangeset.GetRange(buffered, position)
	if !ok {
		return false
	}
	return r.End >= duration-rangeset.Epsilon
}

func (c *Clock) rebufferGap() float64 {
	if c.config.LowLatency {
		return c.config.RebufferGapLowLatency
	}
	return c.config.RebufferGapDefault
}

func (c *Clock) resumeGaps() ResumeGaps {
	if c.config.LowLatency {
		return c.config.ResumeGapsLowLatency
	}
	return c.config.ResumeGapsDefault
}

func (c *Clock) deriveWithMediaSource(state MediaState, buffered rangeset.Set, bufferGap float64, now time.Time, ev Event) {
	if c.rebuffering == nil {
		fullyLoaded := isFullyLoaded(buffered, state.Position, state.Duration)
		shouldEnter := state.ReadyState >= 1 && c.started && !state.Ended && !fullyLoaded &&
			(bufferGap <= c.rebufferGap() || math.IsInf(bufferGap, 1))
		if shouldEnter {
			reason := RebufferReasonBuffering
			var target *float64
			if state.Seeking {
				reason = RebufferReasonSeeking
				pos := state.Position
				target = &pos
			} else if state.ReadyState < 2 {
				reason = RebufferReasonNotReady
			}
			c.rebuffering = &RebufferState{Reason: reason, Since: now, Target: target}
			c.log.Debug("rebuffering entered", "reason", reason.String(), "bufferGap", bufferGap)
		}
		return
	}

	fullyLoaded := isFullyLoaded(buffered, state.Position, state.Duration)
	resumeGap := c.resumeGaps().forReason(c.rebuffering.Reason)
	shouldExit := state.ReadyState > 1 && (fullyLoaded || state.Ended || bufferGap > resumeGap)
	if shouldExit {
		c.log.Debug("rebuffering exited", "reason", c.rebuffering.Reason.String())
		c.rebuffering = nil
	}
}

func (c *Clock) deriveNoMediaSource(state MediaState, now time.Time, ev Event) {
	positionUnchanged := c.lastPositionAt.IsZero() == false && state.Position == c.lastPosition

	if c.rebuffering == nil {
		enterStalled := !state.Paused && positionUnchanged && ev == EventTimeUpdate
		// Without a media source there is no buffered-ranges concept, so a
		// seek always starts from an effectively infinite gap.
		enterSeeking := state.Seeking
		if enterStalled || enterSeeking {
			reason := RebufferReasonBuffering
			if enterSeeking {
				reason = RebufferReasonSeeking
			}
			c.rebuffering = &RebufferState{Reason: reason, Since: now}
			c.log.Debug("rebuffering entered (no media source)", "reason", reason.String())
		}
		return
	}

	if state.Position != c.lastPosition {
		c.log.Debug("rebuffering exited (no media source): position advanced")
		c.rebuffering = nil
	}
}

func (c *Clock) deriveFreezing(state MediaState, bufferGap float64, now time.Time) {
	if c.rebuffering != nil {
		c.freezing = nil
		return
	}

	positionUnchanged := !c.lastPositionAt.IsZero() && state.Position == c.lastPosition
	shouldFreeze := state.ReadyState >= 1 && !state.Paused && !state.Ended &&
		state.PlaybackRate != 0 && bufferGap > c.config.FreezingThreshold && positionUnchanged

	switch {
	case shouldFreeze && c.freezing == nil:
		c.freezing = &FreezingState{Since: now}
		c.log.Debug("freezing detected", "bufferGap", bufferGap)
	case !shouldFreeze && c.freezing != nil:
		c.freezing = nil
	}
}
