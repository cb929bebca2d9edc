// Package adaptstream implements the adaptation/period stream: for one
// (period, buffer type) pair it owns a single active
// Representation Stream and reacts to ABR decision changes by computing a
// pure switch strategy and tearing down/instantiating Representation
// Streams accordingly. Grounded on cmd/prism/main.go's supervised-goroutine
// restart idiom (an errgroup-supervised component lifecycle), applied here
// to one representation stream at a time instead of a fixed set of
// pipeline stages.
package adaptstream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zsiec/streamcore/internal/broadcast"
	"github.com/zsiec/streamcore/internal/clock"
	"github.com/zsiec/streamcore/internal/ladder"
	"github.com/zsiec/streamcore/internal/repstream"
)

// BufferType names which media buffer an adaptstream.Stream drives.
type BufferType int

// Supported buffer types. Text is the only non-native type: its fatal
// errors are demoted to warnings rather than propagated.
const (
	BufferTypeVideo BufferType = iota
	BufferTypeAudio
	BufferTypeText
)

// Native reports whether a fatal error on this buffer type must propagate
// as a player error (true) or can be demoted to a warning with an empty
// stream substituted (false, text only).
func (b BufferType) Native() bool { return b != BufferTypeText }

func (b BufferType) String() string {
	switch b {
	case BufferTypeVideo:
		return "video"
	case BufferTypeAudio:
		return "audio"
	default:
		return "text"
	}
}

// SwitchStrategy is the outcome of DecideSwitch.
type SwitchStrategy int

// Supported switch strategies.
const (
	SwitchNone SwitchStrategy = iota
	SwitchContinue
	SwitchCleanBuffer
	SwitchNeedsReload
)

// SwitchInput is everything DecideSwitch needs to choose a strategy; it
// takes no I/O so the decision is pure and unit-testable.
type SwitchInput struct {
	CurrentID    string
	NextID       string
	CurrentCodec string
	NextCodec    string
	// SinkSupportsCodec probes whether the active sink can accommodate a
	// codec without a reload; nil means "assume yes" (no codec gating).
	SinkSupportsCodec func(codec string) bool
	// QualityUpgradeAhead marks a soft switch that requires removing
	// already-buffered content ahead of position before appending the new
	// representation's segments (e.g. an upgrade mid-buffer).
	QualityUpgradeAhead bool
}

// DecideSwitch computes the switch strategy for an ABR decision change.
func DecideSwitch(in SwitchInput) SwitchStrategy {
	if in.CurrentID == in.NextID {
		return SwitchNone
	}
	if in.NextCodec != "" && in.NextCodec != in.CurrentCodec {
		supported := in.SinkSupportsCodec == nil || in.SinkSupportsCodec(in.NextCodec)
		if !supported {
			return SwitchNeedsReload
		}
	}
	if in.QualityUpgradeAhead {
		return SwitchCleanBuffer
	}
	return SwitchContinue
}

// EventKind tags an adaptstream lifecycle event.
type EventKind int

// Lifecycle events an adaptstream.Stream publishes.
const (
	EventAdaptationChange EventKind = iota
	EventNeedsMediaSourceReload
	EventNeedsBufferFlush
	EventFatal
	EventWarning
)

// Event is one adaptstream lifecycle notification.
type Event struct {
	Kind           EventKind
	Representation ladder.Representation
	ReloadAt       float64
	ResumeOnPause  bool
	FlushStart     float64
	FlushEnd       float64
	Err            error
}

// Dependencies are the collaborators a Stream needs to instantiate and
// drive Representation Streams; injected so adaptstream stays ignorant of
// how a repstream.Stream is wired together.
type Dependencies struct {
	// NewRepStream builds a fresh Representation Stream for rep.
	NewRepStream func(rep ladder.Representation) *repstream.Stream
	// SinkSupportsCodec probes codec support without an I/O round trip.
	SinkSupportsCodec func(codec string) bool
	// CleanBuffer removes [start,end) from the active sink ahead of a
	// clean-buffer switch.
	CleanBuffer func(ctx context.Context, start, end float64) error
}

// Stream owns the single active Representation Stream for one
// (period, buffer type) pair.
type Stream struct {
	log        *slog.Logger
	bufferType BufferType
	deps       Dependencies
	events     *broadcast.Hub[Event]

	mu           sync.Mutex
	current      *repstream.Stream
	currentRep   ladder.Representation
	currentCodec string
	cancel       context.CancelFunc
}

// New creates a Stream for bufferType.
func New(log *slog.Logger, bufferType BufferType, deps Dependencies) *Stream {
	return &Stream{
		log:        log.With("component", "adaptstream", "bufferType", bufferType.String()),
		bufferType: bufferType,
		deps:       deps,
		events:     broadcast.NewHub[Event](),
	}
}

// Events returns a subscription to this Stream's lifecycle events.
func (s *Stream) Events() (<-chan Event, func()) {
	return s.events.Subscribe()
}

// Switch reacts to an ABR decision naming next/nextCodec as the wanted
// representation: a no-op if it matches the current one, otherwise
// computes the switch strategy and acts on it. observations is forwarded
// to the newly instantiated Representation Stream's Run loop when a swap
// occurs.
func (s *Stream) Switch(ctx context.Context, observations <-chan clock.Observation, next ladder.Representation, nextCodec string, position float64) {
	s.mu.Lock()
	in := SwitchInput{
		CurrentID:           s.currentRep.ID,
		NextID:              next.ID,
		CurrentCodec:        s.currentCodec,
		NextCodec:           nextCodec,
		SinkSupportsCodec:   s.deps.SinkSupportsCodec,
		QualityUpgradeAhead: next.Bitrate > s.currentRep.Bitrate,
	}
	s.mu.Unlock()

	switch DecideSwitch(in) {
	case SwitchNone:
		return
	case SwitchNeedsReload:
		s.events.Publish(Event{Kind: EventNeedsMediaSourceReload, ReloadAt: position, Representation: next})
	case SwitchCleanBuffer:
		if s.deps.CleanBuffer != nil {
			_ = s.deps.CleanBuffer(ctx, position, position+1)
		}
		s.events.Publish(Event{Kind: EventNeedsBufferFlush, FlushStart: position, FlushEnd: position + 1})
		s.swap(ctx, observations, next, nextCodec)
	case SwitchContinue:
		s.swap(ctx, observations, next, nextCodec)
	}
}

func (s *Stream) swap(parentCtx context.Context, observations <-chan clock.Observation, next ladder.Representation, nextCodec string) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.current != nil {
		s.current.Stop()
	}
	rs := s.deps.NewRepStream(next)
	ctx, cancel := context.WithCancel(parentCtx)
	s.current = rs
	s.currentRep = next
	s.currentCodec = nextCodec
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		err := rs.Run(ctx, observations)
		s.handleStreamEnd(err)
	}()

	s.events.Publish(Event{Kind: EventAdaptationChange, Representation: next})
}

func (s *Stream) handleStreamEnd(err error) {
	if err == nil || err == context.Canceled {
		return
	}
	if s.bufferType.Native() {
		s.events.Publish(Event{Kind: EventFatal, Err: err})
		return
	}

	s.log.Warn("non-native stream failed, substituting an empty stream", "error", err)
	s.events.Publish(Event{Kind: EventWarning, Err: err})
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// Stop tears down the active Representation Stream, if any.
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	current := s.current
	s.cancel = nil
	s.current = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if current != nil {
		current.Stop()
	}
}
