package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/zsiec/streamcore/internal/rangeset"
)

type call struct {
	kind string
	arg  string
}

type fakeMediaSink struct {
	mu            sync.Mutex
	calls         []call
	quotaOnCall   int // 1-indexed Append call number to fail with quota-exceeded; 0 = never
	failCodec     bool
	failClosed    bool
	appendSamples int
}

func (f *fakeMediaSink) Append(ctx context.Context, data []byte, opts AppendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendSamples++
	f.calls = append(f.calls, call{kind: "append"})
	if f.failCodec {
		return &Error{Kind: ErrorKindCodecRejected, Cause: errors.New("unsupported codec")}
	}
	if f.failClosed {
		return &Error{Kind: ErrorKindSourceClosed, Cause: errors.New("source gone")}
	}
	if f.quotaOnCall != 0 && f.appendSamples == f.quotaOnCall {
		return &Error{Kind: ErrorKindQuotaExceeded, Cause: errors.New("quota exceeded")}
	}
	return nil
}

func (f *fakeMediaSink) Remove(ctx context.Context, start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: "remove"})
	return nil
}

func (f *fakeMediaSink) EndOfStream(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: "eos"})
	return nil
}

func TestAppendBufferTracksBufferedRange(t *testing.T) {
	t.Parallel()

	media := &fakeMediaSink{}
	s := New(slog.Default(), media)
	defer s.Close()

	err := s.AppendBuffer(context.Background(), []byte("x"), AppendOptions{
		BufferedRange: rangeset.Range{Start: 0, End: 4},
	})
	if err != nil {
		t.Fatalf("AppendBuffer: %v", err)
	}

	ranges := s.GetBufferedRanges()
	if len(ranges) != 1 || ranges[0] != (rangeset.Range{Start: 0, End: 4}) {
		t.Errorf("buffered ranges = %+v, want [{0 4}]", ranges)
	}
}

func TestInitSegmentTrackedOnSink(t *testing.T) {
	t.Parallel()

	media := &fakeMediaSink{}
	s := New(slog.Default(), media)
	defer s.Close()

	if s.HasInit() {
		t.Fatal("HasInit should be false before any append")
	}
	if err := s.AppendBuffer(context.Background(), []byte("init"), AppendOptions{IsInit: true}); err != nil {
		t.Fatalf("AppendBuffer: %v", err)
	}
	if !s.HasInit() {
		t.Error("HasInit should be true after an IsInit append succeeds")
	}
}

func TestQuotaExceededEvictsAndRetriesOnce(t *testing.T) {
	t.Parallel()

	media := &fakeMediaSink{quotaOnCall: 2}
	s := New(slog.Default(), media)
	defer s.Close()

	// Pre-populate a buffered range so there's something to evict.
	if err := s.AppendBuffer(context.Background(), []byte("seg0"), AppendOptions{BufferedRange: rangeset.Range{Start: 0, End: 4}}); err != nil {
		t.Fatalf("seeding append: %v", err)
	}

	err := s.AppendBuffer(context.Background(), []byte("seg1"), AppendOptions{BufferedRange: rangeset.Range{Start: 4, End: 8}})
	if err != nil {
		t.Fatalf("expected the quota-exceeded append to succeed after one retry, got %v", err)
	}

	media.mu.Lock()
	defer media.mu.Unlock()
	if media.appendSamples != 3 { // seed + failed attempt + retried attempt
		t.Errorf("Append called %d times, want 3", media.appendSamples)
	}
	var removeCount int
	for _, c := range media.calls {
		if c.kind == "remove" {
			removeCount++
		}
	}
	if removeCount != 1 {
		t.Errorf("Remove called %d times during eviction, want 1", removeCount)
	}
}

func TestCodecRejectedClosesSinkPermanently(t *testing.T) {
	t.Parallel()

	media := &fakeMediaSink{failCodec: true}
	s := New(slog.Default(), media)
	defer s.Close()

	err := s.AppendBuffer(context.Background(), []byte("x"), AppendOptions{})
	var sinkErr *Error
	if !errors.As(err, &sinkErr) || !sinkErr.Fatal() {
		t.Fatalf("expected a fatal *Error, got %v", err)
	}

	// A subsequent operation must short-circuit with the same terminal
	// error without calling into the media sink again.
	media.mu.Lock()
	before := media.appendSamples
	media.mu.Unlock()

	err2 := s.AppendBuffer(context.Background(), []byte("y"), AppendOptions{})
	if err2 == nil {
		t.Fatal("expected the sink to stay closed after a fatal error")
	}

	media.mu.Lock()
	after := media.appendSamples
	media.mu.Unlock()
	if after != before {
		t.Errorf("media.Append called again (%d -> %d) after the sink was closed", before, after)
	}
}

func TestOperationsProcessInSubmissionOrder(t *testing.T) {
	t.Parallel()

	media := &fakeMediaSink{}
	s := New(slog.Default(), media)
	defer s.Close()

	if err := s.AppendBuffer(context.Background(), []byte("a"), AppendOptions{BufferedRange: rangeset.Range{Start: 0, End: 2}}); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveBuffer(context.Background(), 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.EndOfStream(context.Background()); err != nil {
		t.Fatal(err)
	}

	media.mu.Lock()
	defer media.mu.Unlock()
	want := []string{"append", "remove", "eos"}
	if len(media.calls) != len(want) {
		t.Fatalf("calls = %+v, want %d entries", media.calls, len(want))
	}
	for i, w := range want {
		if media.calls[i].kind != w {
			t.Errorf("call %d = %q, want %q", i, media.calls[i].kind, w)
		}
	}

	ranges := s.GetBufferedRanges()
	if len(ranges) != 1 || ranges[0] != (rangeset.Range{Start: 1, End: 2}) {
		t.Errorf("buffered ranges after remove = %+v, want [{1 2}]", ranges)
	}
}

func TestCloseRejectsFurtherSubmissions(t *testing.T) {
	t.Parallel()

	media := &fakeMediaSink{}
	s := New(slog.Default(), media)
	s.Close()

	err := s.AppendBuffer(context.Background(), []byte("x"), AppendOptions{})
	if err == nil {
		t.Fatal("expected an error submitting to a closed sink")
	}
}

