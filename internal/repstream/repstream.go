// Package repstream implements one representation's playback stream: for
// one (period, adaptation, representation) and a dedicated sink, it
// continuously reconciles the wanted playback range against what is
// already buffered, schedules fetches for the resulting holes through the
// Task Prioritizer, and appends completed segments to the sink. Grounded
// on `internal/mpegts.Demuxer`'s continuous-reconciliation loop shape,
// retargeted from demuxing a byte stream to reconciling a time range
// against a segment index.
package repstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/streamcore/internal/broadcast"
	"github.com/zsiec/streamcore/internal/clock"
	"github.com/zsiec/streamcore/internal/fetch"
	"github.com/zsiec/streamcore/internal/ladder"
	"github.com/zsiec/streamcore/internal/prioritizer"
	"github.com/zsiec/streamcore/internal/rangeset"
	"github.com/zsiec/streamcore/internal/sink"
)

// Segment identifies one media segment's time range and CDN candidates.
type Segment struct {
	Start float64
	End   float64
	CDNs  []string
}

// SegmentIndex is the manifest collaborator: it resolves which segments
// cover a time range and where the period ends.
type SegmentIndex interface {
	// InitSegment returns the representation's initialization segment, if
	// it needs one.
	InitSegment() (Segment, bool)
	// Intersecting returns, in ascending Start order, every segment whose
	// [Start,End) overlaps [from,to).
	Intersecting(from, to float64) []Segment
	// PeriodEnd returns the end of the period this index covers, or 0 if
	// unbounded (e.g. a live edge still advancing).
	PeriodEnd() float64
}

// Parser turns a fetched segment buffer into sink append parameters. It is
// transport/container-specific (ISOBMFF, WebM, ...), kept opaque here.
type Parser interface {
	Parse(seg Segment, data []byte, isInit bool) (sink.AppendOptions, error)
}

// EventKind tags a Stream lifecycle event.
type EventKind int

// Lifecycle events emitted by a Stream.
const (
	EventRepresentationChange EventKind = iota
	EventAddedSegment
	EventStreamComplete
)

// Event is one lifecycle notification from a Stream.
type Event struct {
	Kind           EventKind
	Representation ladder.Representation
	Segment        Segment
	Buffered       rangeset.Set
}

// Config holds a Stream's tunables.
type Config struct {
	WantedBufferAhead float64
	// CancelMargin bounds how far position may advance past a pending
	// segment's end before that fetch is cancelled as no-longer-needed.
	CancelMargin float64
	// KeyPrefix scopes this stream's fetch/task identities (e.g.
	// "period0/video/720p") so concurrent streams never collide.
	KeyPrefix string
}

// Stream drives one representation's segment fetch/append lifecycle.
type Stream struct {
	log         *slog.Logger
	sink        *sink.Sink
	fetcher     *fetch.Fetcher
	prioritizer *prioritizer.Prioritizer
	index       SegmentIndex
	parser      Parser
	config      Config

	events *broadcast.Hub[Event]

	mu             sync.Mutex
	representation ladder.Representation
	pending        map[string]uint64
	completed      bool
}

// New creates a Stream for representation, driving sink via fetcher and
// prioritizer.
func New(log *slog.Logger, sink *sink.Sink, fetcher *fetch.Fetcher, prioritizer *prioritizer.Prioritizer, index SegmentIndex, parser Parser, representation ladder.Representation, config Config) *Stream {
	return &Stream{
		log:            log.With("component", "repstream", "representation", representation.ID),
		sink:           sink,
		fetcher:        fetcher,
		prioritizer:    prioritizer,
		index:          index,
		parser:         parser,
		config:         config,
		events:         broadcast.NewHub[Event](),
		representation: representation,
		pending:        make(map[string]uint64),
	}
}

// Events returns a subscription to this Stream's lifecycle events.
func (s *Stream) Events() (<-chan Event, func()) {
	return s.events.Subscribe()
}

// SetRepresentation swaps the active representation in place (a direct
// swap at a segment boundary, with no teardown of the Stream itself) and
// emits EventRepresentationChange.
func (s *Stream) SetRepresentation(rep ladder.Representation) {
	s.mu.Lock()
	s.representation = rep
	s.mu.Unlock()
	s.events.Publish(Event{Kind: EventRepresentationChange, Representation: rep})
}

// Run reconciles the wanted buffer range against what is buffered on every
// observation, scheduling fetches for any holes, until ctx is cancelled or
// observations closes.
func (s *Stream) Run(ctx context.Context, observations <-chan clock.Observation) error {
	defer s.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case obs, ok := <-observations:
			if !ok {
				return nil
			}
			s.reconcile(ctx, obs)
		}
	}
}

// Stop cancels every outstanding fetch task this Stream has scheduled,
// used both on ctx cancellation and when a containing Adaptation Stream
// tears this Stream down for a track change.
func (s *Stream) Stop() {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.pending))
	for _, id := range s.pending {
		ids = append(ids, id)
	}
	s.pending = make(map[string]uint64)
	s.mu.Unlock()

	for _, id := range ids {
		s.prioritizer.Cancel(id)
	}
}

func (s *Stream) reconcile(ctx context.Context, obs clock.Observation) {
	s.cancelStale(obs.Position)

	if !s.sink.HasInit() {
		if seg, ok := s.index.InitSegment(); ok {
			s.scheduleSegment(ctx, obs.Position, seg, true)
		}
	}

	periodEnd := s.index.PeriodEnd()
	wantedEnd := obs.Position + s.config.WantedBufferAhead
	if periodEnd > 0 && wantedEnd > periodEnd {
		wantedEnd = periodEnd
	}
	if wantedEnd <= obs.Position {
		return
	}

	wanted := rangeset.Set{{Start: obs.Position, End: wantedEnd}}
	holes := rangeset.Exclude(wanted, s.sink.GetBufferedRanges())
	if len(holes) == 0 {
		s.checkComplete(obs, periodEnd)
		return
	}

	first := holes[0]
	for _, seg := range s.index.Intersecting(first.Start, first.End) {
		s.scheduleSegment(ctx, obs.Position, seg, false)
	}
}

// cancelStale cancels any pending segment fetch whose entire range is now
// behind position by more than CancelMargin: the playhead has moved past
// it and it is no longer wanted.
func (s *Stream) cancelStale(position float64) {
	s.mu.Lock()
	var stale []string
	for key := range s.pending {
		// Only non-init segment keys carry an encoded End time; init's key
		// is the fixed sentinel and is never considered stale.
		end, ok := s.segmentEndFromKey(key)
		if ok && end+s.config.CancelMargin < position {
			stale = append(stale, key)
		}
	}
	ids := make([]uint64, 0, len(stale))
	for _, key := range stale {
		ids = append(ids, s.pending[key])
		delete(s.pending, key)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.prioritizer.Cancel(id)
	}
}

func (s *Stream) scheduleSegment(ctx context.Context, position float64, seg Segment, isInit bool) {
	key := s.segmentKey(seg, isInit)

	s.mu.Lock()
	if _, already := s.pending[key]; already {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	priority := priorityLevel(seg.Start - position)
	task := &segmentTask{stream: s, seg: seg, isInit: isInit, key: key}
	id := s.prioritizer.Submit(ctx, task, priority)

	s.mu.Lock()
	s.pending[key] = id
	s.mu.Unlock()
}

func (s *Stream) clearPending(key string) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
}

// checkComplete emits EventStreamComplete once the wanted range reaches
// the period end and every segment in it is buffered (within
// rangeset.Epsilon). Idempotent.
func (s *Stream) checkComplete(obs clock.Observation, periodEnd float64) {
	if periodEnd <= 0 {
		return
	}
	s.mu.Lock()
	already := s.completed
	s.mu.Unlock()
	if already {
		return
	}

	wanted := rangeset.Set{{Start: obs.Position, End: periodEnd}}
	if len(rangeset.Exclude(wanted, s.sink.GetBufferedRanges())) != 0 {
		return
	}

	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	s.events.Publish(Event{Kind: EventStreamComplete})
}

const initSegmentKeySuffix = "init"

func (s *Stream) segmentKey(seg Segment, isInit bool) string {
	if isInit {
		return fmt.Sprintf("%s/%s", s.config.KeyPrefix, initSegmentKeySuffix)
	}
	return fmt.Sprintf("%s/%.3f-%.3f", s.config.KeyPrefix, seg.Start, seg.End)
}

func (s *Stream) segmentEndFromKey(key string) (float64, bool) {
	var start, end float64
	prefix := s.config.KeyPrefix + "/"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return 0, false
	}
	_, err := fmt.Sscanf(key[len(prefix):], "%f-%f", &start, &end)
	if err != nil {
		return 0, false
	}
	return end, true
}

// priorityLevel buckets "how far in the future this segment starts" into
// a coarse priority: closer segments get a lower (more urgent) number.
func priorityLevel(delta float64) int {
	switch {
	case delta <= 0:
		return 0
	case delta < 2:
		return 1
	case delta < 6:
		return 2
	case delta < 15:
		return 3
	default:
		return 4
	}
}

type segmentTask struct {
	stream *Stream
	seg    Segment
	isInit bool
	key    string
}

func (t *segmentTask) Start(ctx context.Context) error {
	err := t.stream.runSegment(ctx, t.seg, t.isInit)
	// A preempted run's ctx is cancelled but the prioritizer keeps the
	// entry (paused, same id) for a later resume; pending must still point
	// at it, or reconcile would see the key as free and Submit a second,
	// duplicate task for the same segment. Only a non-preempted return —
	// genuine completion or failure — retires the pending entry. Stop and
	// cancelStale already remove their own keys from pending before
	// cancelling, so this never leaks an entry on real cancellation either.
	if ctx.Err() == nil {
		t.stream.clearPending(t.key)
	}
	return err
}

// Abort is a no-op: the underlying fetch may be shared with other
// subscribers (singleflight dedup in internal/fetch), so aborting this
// one consumer must not kill the network request for anyone else. Ctx
// cancellation alone unsubscribes this Start call from the event stream.
func (t *segmentTask) Abort() {}

func (s *Stream) runSegment(ctx context.Context, seg Segment, isInit bool) error {
	s.mu.Lock()
	rep := s.representation
	s.mu.Unlock()

	ref := fetch.SegmentRef{
		RepresentationID: rep.ID,
		SegmentKey:       s.segmentKey(seg, isInit),
		CDNs:             seg.CDNs,
		IsInit:           isInit,
	}

	events := s.fetcher.CreateRequest(ctx, ref, 0)
	for ev := range events {
		switch ev.Kind {
		case fetch.EventChunkComplete:
			opts, err := s.parser.Parse(seg, ev.Chunk, isInit)
			if err != nil {
				return err
			}
			opts.IsInit = isInit
			if err := s.sink.AppendBuffer(ctx, ev.Chunk, opts); err != nil {
				return err
			}
			s.events.Publish(Event{Kind: EventAddedSegment, Segment: seg, Buffered: s.sink.GetBufferedRanges()})
		case fetch.EventRequestEnd:
			if ev.Err != nil {
				return ev.Err
			}
		}
	}
	return nil
}
