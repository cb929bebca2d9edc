package engine

import (
	"context"
	"testing"

	"github.com/zsiec/streamcore/internal/manifest"
	"github.com/zsiec/streamcore/internal/repstream"
	"github.com/zsiec/streamcore/internal/transport"
)

func segmentRange(start, end float64) repstream.Segment {
	return repstream.Segment{Start: start, End: end}
}

func TestSegmentIndexAdapterConvertsSegmentsAndCDNs(t *testing.T) {
	t.Parallel()

	idx := &manifest.StaticIndex{
		Init: &manifest.Segment{IsInit: true},
		Segments: []manifest.Segment{
			{Time: 0, Duration: 4},
			{Time: 4, Duration: 4},
		},
	}
	adapter := newSegmentIndexAdapter(idx, []string{"cdn-a", "cdn-b"}, 8)

	init, ok := adapter.InitSegment()
	if !ok {
		t.Fatal("expected an init segment")
	}
	if len(init.CDNs) != 2 {
		t.Errorf("init CDNs: got %v", init.CDNs)
	}

	segs := adapter.Intersecting(0, 8)
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if segs[0].Start != 0 || segs[0].End != 4 {
		t.Errorf("segment 0: got [%v,%v)", segs[0].Start, segs[0].End)
	}
	if segs[1].Start != 4 || segs[1].End != 8 {
		t.Errorf("segment 1: got [%v,%v)", segs[1].Start, segs[1].End)
	}
	for _, s := range segs {
		if len(s.CDNs) != 2 {
			t.Errorf("expected CDNs to be threaded onto every converted segment, got %v", s.CDNs)
		}
	}
}

func TestSegmentIndexAdapterPeriodEndZeroWhenUnfinished(t *testing.T) {
	t.Parallel()

	idx := manifest.NewNumberedIndex(0, 4, nil)
	adapter := newSegmentIndexAdapter(idx, nil, 100)

	if got := adapter.PeriodEnd(); got != 0 {
		t.Errorf("PeriodEnd for a live, unfinished index: got %v, want 0", got)
	}

	idx.SetFinished(true)
	if got := adapter.PeriodEnd(); got != 100 {
		t.Errorf("PeriodEnd after SetFinished(true): got %v, want 100", got)
	}
}

type fakePipeline struct {
	parseSegment func(loaded transport.LoadedSegment, sc transport.SegmentContext, initTimescale *float64) (transport.ParsedSegment, error)
}

var _ transport.Pipeline = (*fakePipeline)(nil)

func (f *fakePipeline) ResolveSegmentUrl(context.Context, transport.SegmentContext) (string, bool) {
	return "", false
}
func (f *fakePipeline) LoadSegment(context.Context, string, transport.LoadOptions, transport.ProgressFunc) (transport.LoadedSegment, error) {
	return transport.LoadedSegment{}, nil
}
func (f *fakePipeline) ParseSegment(loaded transport.LoadedSegment, sc transport.SegmentContext, initTimescale *float64) (transport.ParsedSegment, error) {
	return f.parseSegment(loaded, sc, initTimescale)
}
func (f *fakePipeline) LoadManifest(context.Context, string, transport.LoadOptions) (transport.RawManifest, error) {
	return transport.RawManifest{}, nil
}
func (f *fakePipeline) ParseManifest(transport.RawManifest) (*manifest.Manifest, error) {
	return nil, nil
}

func TestPipelineParserThreadsInitTimescaleIntoMediaParses(t *testing.T) {
	t.Parallel()

	ts := 90000.0
	var gotTimescale *float64
	pipeline := &fakePipeline{
		parseSegment: func(loaded transport.LoadedSegment, sc transport.SegmentContext, initTimescale *float64) (transport.ParsedSegment, error) {
			if sc.IsInit {
				return transport.ParsedSegment{Kind: transport.SegmentKindInit, InitTimescale: &ts}, nil
			}
			gotTimescale = initTimescale
			return transport.ParsedSegment{Kind: transport.SegmentKindMedia}, nil
		},
	}

	p := newPipelineParser(pipeline, "video-1")

	if _, err := p.Parse(segmentRange(0, 4), nil, true); err != nil {
		t.Fatalf("init parse: %v", err)
	}
	if _, err := p.Parse(segmentRange(4, 8), nil, false); err != nil {
		t.Fatalf("media parse: %v", err)
	}

	if gotTimescale == nil || *gotTimescale != ts {
		t.Errorf("expected the init timescale to be threaded into the media parse, got %v", gotTimescale)
	}
}
