// Package sink implements the segment sink: a FIFO task queue over an
// opaque MediaSink, tracking buffered time ranges with internal/rangeset
// and applying a quota-exceeded evict-and-retry-once policy (codec-rejected
// and source-closed errors are fatal). Grounded on the
// teacher's worker-goroutine-draining-a-channel idiom
// (eleven-am-goshl/internal/transcode/pool.go), specialized from a fixed
// pool to a single ordered worker per sink, since every operation on one
// sink must apply in strict submission order.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/streamcore/internal/rangeset"
	"github.com/zsiec/streamcore/internal/telemetry"
)

// ErrorKind classifies a MediaSink failure.
type ErrorKind int

const (
	// ErrorKindQuotaExceeded is retryable: the caller evicts history and
	// retries the append once.
	ErrorKindQuotaExceeded ErrorKind = iota
	// ErrorKindCodecRejected is fatal to this sink.
	ErrorKindCodecRejected
	// ErrorKindSourceClosed is fatal: the underlying media source is gone.
	ErrorKindSourceClosed
)

// Error is a MediaSink failure tagged with how the Sink should react.
type Error struct {
	Kind  ErrorKind
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("sink: %v", e.Cause) }
func (e *Error) Unwrap() error { return e.Cause }

// Fatal reports whether this error permanently closes the sink.
func (e *Error) Fatal() bool {
	return e.Kind == ErrorKindCodecRejected || e.Kind == ErrorKindSourceClosed
}

// AppendOptions carries an append's parameters
// (appendWindow, timestampOffset, codec), plus the playback time range
// this segment occupies (BufferedRange) since MediaSink is an opaque
// collaborator and cannot be introspected for the range it actually
// buffered.
type AppendOptions struct {
	AppendWindow    rangeset.Range
	TimestampOffset float64
	Codec           string
	BufferedRange   rangeset.Range
	IsInit          bool
	// LiveWindowStart, when > 0, makes the quota-exceeded eviction prefer
	// the oldest range entirely before it (buffered history outside the
	// live window), falling back to the oldest range if none is; zero
	// means "evict the oldest range, whatever it is."
	LiveWindowStart float64
}

// MediaSink is the opaque collaborator a Sink drives: a real
// MediaSource/SourceBuffer equivalent, a no-op test double, or anything
// else that can accept ISOBMFF/WebM buffers.
type MediaSink interface {
	Append(ctx context.Context, data []byte, opts AppendOptions) error
	Remove(ctx context.Context, start, end float64) error
	EndOfStream(ctx context.Context) error
}

type opKind int

const (
	opAppend opKind = iota
	opRemove
	opEndOfStream
)

type operation struct {
	kind   opKind
	data   []byte
	opts   AppendOptions
	start  float64
	end    float64
	result chan error
}

// Sink wraps a MediaSink with a single-worker FIFO queue, guaranteeing
// operations apply in submission order, and tracks buffered ranges.
type Sink struct {
	log     *slog.Logger
	media   MediaSink
	metrics *telemetry.Metrics

	queue chan *operation
	done  chan struct{}

	mu          sync.Mutex
	buffered    rangeset.Set
	hasInit     bool
	closed      bool // a fatal error occurred; further ops short-circuit
	terminalErr error
	shutdown    bool // Close was called; no further submissions accepted
}

// New creates a Sink driving media, and starts its worker goroutine.
func New(log *slog.Logger, media MediaSink) *Sink {
	s := &Sink{
		log:   log.With("component", "sink"),
		media: media,
		queue: make(chan *operation, 64),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// SetMetrics attaches the collectors append/quota-exceeded events report
// to. Optional: a Sink with no metrics attached just skips reporting.
func (s *Sink) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// AppendBuffer submits an append, processed in FIFO order relative to
// other operations on this sink, and blocks until it completes.
func (s *Sink) AppendBuffer(ctx context.Context, data []byte, opts AppendOptions) error {
	return s.submit(ctx, &operation{kind: opAppend, data: data, opts: opts})
}

// RemoveBuffer submits a removal of [start,end) from the buffered ranges.
func (s *Sink) RemoveBuffer(ctx context.Context, start, end float64) error {
	return s.submit(ctx, &operation{kind: opRemove, start: start, end: end})
}

// EndOfStream submits an end-of-stream marker.
func (s *Sink) EndOfStream(ctx context.Context) error {
	return s.submit(ctx, &operation{kind: opEndOfStream})
}

// GetBufferedRanges returns a snapshot of the currently buffered ranges.
func (s *Sink) GetBufferedRanges() rangeset.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(rangeset.Set, len(s.buffered))
	copy(out, s.buffered)
	return out
}

// HasInit reports whether an init segment has been successfully appended;
// it must be, before any media segment, and is tracked per-representation
// on the sink.
func (s *Sink) HasInit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasInit
}

// Close stops accepting new operations and waits for the worker to drain
// any already-queued ones.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.mu.Unlock()
	close(s.queue)
	<-s.done
}

func (s *Sink) submit(ctx context.Context, op *operation) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return &Error{Kind: ErrorKindSourceClosed, Cause: errors.New("sink closed")}
	}
	s.mu.Unlock()

	op.result = make(chan error, 1)
	select {
	case s.queue <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for op := range s.queue {
		s.mu.Lock()
		closed, terminalErr := s.closed, s.terminalErr
		s.mu.Unlock()
		if closed {
			op.result <- terminalErr
			continue
		}
		op.result <- s.process(op)
	}
}

func (s *Sink) process(op *operation) error {
	switch op.kind {
	case opAppend:
		return s.processAppend(op)
	case opRemove:
		if err := s.media.Remove(context.Background(), op.start, op.end); err != nil {
			return s.markIfFatal(err)
		}
		s.mu.Lock()
		s.buffered = rangeset.Exclude(s.buffered, rangeset.Set{{Start: op.start, End: op.end}})
		s.mu.Unlock()
		return nil
	case opEndOfStream:
		if err := s.media.EndOfStream(context.Background()); err != nil {
			return s.markIfFatal(err)
		}
		return nil
	default:
		return fmt.Errorf("sink: unknown operation kind %d", op.kind)
	}
}

func (s *Sink) processAppend(op *operation) error {
	err := s.media.Append(context.Background(), op.data, op.opts)
	if sinkErr, ok := err.(*Error); ok && sinkErr.Kind == ErrorKindQuotaExceeded {
		if s.metrics != nil {
			s.metrics.IncSinkQuotaExceeded()
		}
		s.evictOldest(op.opts.LiveWindowStart)
		err = s.media.Append(context.Background(), op.data, op.opts)
	}
	if err != nil {
		return s.markIfFatal(err)
	}

	s.mu.Lock()
	s.buffered = rangeset.Insert(s.buffered, op.opts.BufferedRange)
	if op.opts.IsInit {
		s.hasInit = true
	}
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.IncSinkAppend()
	}
	return nil
}

// evictOldest removes one buffered range to make room for a retried
// append: the oldest range entirely before liveWindowStart if one exists,
// else the single oldest buffered range.
func (s *Sink) evictOldest(liveWindowStart float64) {
	s.mu.Lock()
	ranges := make(rangeset.Set, len(s.buffered))
	copy(ranges, s.buffered)
	s.mu.Unlock()
	if len(ranges) == 0 {
		return
	}

	victim := ranges[0]
	found := false
	if liveWindowStart > 0 {
		for _, r := range ranges {
			if r.End <= liveWindowStart {
				victim = r
				found = true
				break
			}
		}
	}
	if !found {
		victim = ranges[0]
	}

	_ = s.media.Remove(context.Background(), victim.Start, victim.End)
	s.mu.Lock()
	s.buffered = rangeset.Exclude(s.buffered, rangeset.Set{victim})
	s.mu.Unlock()
}

func (s *Sink) markIfFatal(err error) error {
	sinkErr, ok := err.(*Error)
	if !ok || !sinkErr.Fatal() {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.terminalErr = sinkErr
	s.mu.Unlock()
	return sinkErr
}
