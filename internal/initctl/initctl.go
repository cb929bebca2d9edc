// Package initctl implements the init orchestrator: it attaches the media
// source, performs the initial seek once metadata has loaded, waits for
// the media to become playable, attempts autoplay, and manages playback
// rate across rebuffer/freeze episodes. Grounded on internal/session's
// explicit state-machine idiom for connection lifecycle (its
// connect/reconnect state handling), generalized here to an explicit
// six-state playback-startup machine in place of the coroutine-style
// orchestration a callback-driven media element would otherwise need.
package initctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/streamcore/internal/broadcast"
	"github.com/zsiec/streamcore/internal/clock"
)

// State is one node of the playback-startup state machine.
type State int

// Supported states:
// Initializing -> SeekPending -> WaitingPlayable -> Playing <-> Rebuffering
// <-> Frozen.
const (
	StateInitializing State = iota
	StateSeekPending
	StateWaitingPlayable
	StatePlaying
	StateRebuffering
	StateFrozen
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateSeekPending:
		return "seek-pending"
	case StateWaitingPlayable:
		return "waiting-playable"
	case StatePlaying:
		return "playing"
	case StateRebuffering:
		return "rebuffering"
	case StateFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateInitializing:   {StateSeekPending, StateWaitingPlayable},
	StateSeekPending:    {StateWaitingPlayable},
	StateWaitingPlayable: {StatePlaying},
	StatePlaying:        {StateRebuffering, StateFrozen},
	StateRebuffering:    {StatePlaying, StateFrozen},
	StateFrozen:         {StatePlaying, StateRebuffering},
}

// machine is the sole owner of the current State; Transition is its only
// mutation method and rejects any edge not present in the adjacency table.
type machine struct {
	log     *slog.Logger
	mu      sync.Mutex
	current State
}

func newMachine(log *slog.Logger) *machine {
	return &machine{log: log, current: StateInitializing}
}

func (m *machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.current] {
		if allowed == to {
			m.log.Debug("state transition", "from", m.current.String(), "to", to.String())
			m.current = to
			return nil
		}
	}
	return fmt.Errorf("initctl: invalid transition %s -> %s", m.current, to)
}

// StartAtKind tags which variant of StartAt is populated.
type StartAtKind int

// Supported initial-position variants.
const (
	StartAtNone StartAtKind = iota
	StartAtPosition
	StartAtWallClock
	StartAtFromFirstPosition
	StartAtFromLastPosition
	StartAtPercentage
)

// StartAt is a tagged union describing where playback should begin.
type StartAt struct {
	Kind              StartAtKind
	Position          float64
	WallClockTime     time.Time
	FromFirstPosition float64
	FromLastPosition  float64
	Percentage        float64
}

// WallClockResolver maps a wall-clock time to a stream position; used only
// for StartAtWallClock, and supplied by the manifest/timeline collaborator
// since the mapping depends on live-edge/availability data initctl does
// not itself hold.
type WallClockResolver func(t time.Time) (position float64, ok bool)

// ResolveInitialPosition computes the initial playback position for
// startAt: with Percentage, 0 maps to 0, >=100 maps to duration, and
// anything else maps to duration*ratio. Pure and unit-testable: it
// performs no I/O itself, delegating wall-clock mapping to resolve.
func ResolveInitialPosition(startAt StartAt, duration, firstPosition, lastPosition float64, resolve WallClockResolver) float64 {
	switch startAt.Kind {
	case StartAtPosition:
		return startAt.Position
	case StartAtFromFirstPosition:
		return firstPosition + startAt.FromFirstPosition
	case StartAtFromLastPosition:
		return lastPosition - startAt.FromLastPosition
	case StartAtWallClock:
		if resolve != nil {
			if pos, ok := resolve(startAt.WallClockTime); ok {
				return pos
			}
		}
		return 0
	case StartAtPercentage:
		switch {
		case startAt.Percentage <= 0:
			return 0
		case startAt.Percentage >= 100:
			return duration
		default:
			return duration * (startAt.Percentage / 100)
		}
	default:
		return 0
	}
}

// AutoplayResult is the outcome of an autoplay attempt.
type AutoplayResult int

// Supported autoplay outcomes.
const (
	AutoplaySkipped AutoplayResult = iota
	AutoplayStarted
	AutoplayBlocked
)

// PlayError is returned by Player.Play. NotAllowed distinguishes a
// browser/host autoplay-policy rejection (translated to a blocked-autoplay
// warning, not a fatal error) from any other play failure.
type PlayError struct {
	NotAllowed bool
	Cause      error
}

func (e *PlayError) Error() string {
	if e.NotAllowed {
		return fmt.Sprintf("play blocked by autoplay policy: %v", e.Cause)
	}
	return fmt.Sprintf("play failed: %v", e.Cause)
}

func (e *PlayError) Unwrap() error { return e.Cause }

// Player is the external playback collaborator initctl drives; streamcore
// never touches the host media element directly.
type Player interface {
	Play(ctx context.Context) error
	SetPlaybackRate(rate float64)
	PlaybackRate() float64
}

// EventKind tags an Orchestrator lifecycle event.
type EventKind int

// Lifecycle events an Orchestrator publishes.
const (
	EventStateChanged EventKind = iota
	EventBlockedAutoplay
)

// Event is one Orchestrator lifecycle notification.
type Event struct {
	Kind  EventKind
	State State
	Err   error
}

// Config holds an Orchestrator's startup tunables.
type Config struct {
	StartAt StartAt
}

// Orchestrator drives one playback session's startup and rebuffer-rate
// state machine.
type Orchestrator struct {
	log    *slog.Logger
	player Player
	config Config
	events *broadcast.Hub[Event]
	sm     *machine

	mu                   sync.Mutex
	initialPlayPerformed bool
	savedRate            float64
	hasSavedRate         bool
}

// New creates an Orchestrator in StateInitializing.
func New(log *slog.Logger, player Player, config Config) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "initctl")
	return &Orchestrator{
		log:    log,
		player: player,
		config: config,
		events: broadcast.NewHub[Event](),
		sm:     newMachine(log),
	}
}

// Events returns a subscription to this Orchestrator's lifecycle events.
func (o *Orchestrator) Events() (<-chan Event, func()) {
	return o.events.Subscribe()
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return o.sm.Current()
}

// InitialPlayPerformed reports whether an autoplay attempt (started or
// blocked) has been made, regardless of outcome.
func (o *Orchestrator) InitialPlayPerformed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.initialPlayPerformed
}

func (o *Orchestrator) transition(to State) error {
	if err := o.sm.Transition(to); err != nil {
		return err
	}
	o.events.Publish(Event{Kind: EventStateChanged, State: to})
	return nil
}

// HandleMetadataLoaded resolves the initial seek, if one is configured,
// and advances the state machine accordingly: no StartAt configured moves
// straight to WaitingPlayable; any StartAt variant moves to SeekPending
// and returns the resolved target position for the caller to apply via
// the host media element (typically paired with clock.Clock.SetCurrentTime
// to mark the seek as internal).
func (o *Orchestrator) HandleMetadataLoaded(duration, firstPosition, lastPosition float64, resolve WallClockResolver) (position float64, seekNeeded bool, err error) {
	if o.config.StartAt.Kind == StartAtNone {
		if err := o.transition(StateWaitingPlayable); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}
	if err := o.transition(StateSeekPending); err != nil {
		return 0, false, err
	}
	position = ResolveInitialPosition(o.config.StartAt, duration, firstPosition, lastPosition, resolve)
	return position, true, nil
}

// FinishSeek completes a pending initial seek, moving from SeekPending to
// WaitingPlayable.
func (o *Orchestrator) FinishSeek() error {
	return o.transition(StateWaitingPlayable)
}

// HandlePlayable is called once the media becomes playable (readyState>=1,
// not rebuffering): it moves to Playing and, if autoplay is requested,
// attempts to start playback. ended being true (already-ended media)
// resolves autoplay as "skipped", never a replay.
func (o *Orchestrator) HandlePlayable(ctx context.Context, autoplay, ended bool) (AutoplayResult, error) {
	if err := o.transition(StatePlaying); err != nil {
		return AutoplaySkipped, err
	}
	if !autoplay {
		return AutoplaySkipped, nil
	}
	return o.autoplay(ctx, ended)
}

func (o *Orchestrator) autoplay(ctx context.Context, ended bool) (AutoplayResult, error) {
	if ended {
		return AutoplaySkipped, nil
	}

	o.mu.Lock()
	o.initialPlayPerformed = true
	o.mu.Unlock()

	err := o.player.Play(ctx)
	var playErr *PlayError
	if errors.As(err, &playErr) && playErr.NotAllowed {
		o.events.Publish(Event{Kind: EventBlockedAutoplay, Err: err})
		return AutoplayBlocked, nil
	}
	if err != nil {
		return AutoplaySkipped, err
	}
	return AutoplayStarted, nil
}

// OnObservation reacts to a clock.Observation, driving the
// Playing<->Rebuffering<->Frozen portion of the state machine and forcing
// playbackRate=0 while rebuffering, restoring the user's speed on exit.
func (o *Orchestrator) OnObservation(obs clock.Observation) {
	state := o.sm.Current()
	if state != StatePlaying && state != StateRebuffering && state != StateFrozen {
		return
	}

	switch {
	case obs.Freezing != nil:
		if state != StateFrozen {
			_ = o.transition(StateFrozen)
		}
	case obs.Rebuffering != nil:
		if state != StateRebuffering {
			o.enterRebuffer()
		}
	default:
		if state == StateRebuffering {
			o.exitRebuffer()
		} else if state == StateFrozen {
			_ = o.transition(StatePlaying)
		}
	}
}

func (o *Orchestrator) enterRebuffer() {
	o.mu.Lock()
	if !o.hasSavedRate {
		o.savedRate = o.player.PlaybackRate()
		o.hasSavedRate = true
	}
	o.mu.Unlock()

	o.player.SetPlaybackRate(0)
	_ = o.transition(StateRebuffering)
}

func (o *Orchestrator) exitRebuffer() {
	o.mu.Lock()
	rate := o.savedRate
	o.hasSavedRate = false
	o.mu.Unlock()

	o.player.SetPlaybackRate(rate)
	_ = o.transition(StatePlaying)
}
