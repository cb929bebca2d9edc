// Package engine is the composition root gluing the manifest data model
// ([[C1]]-adjacent, internal/manifest) to the Representation/Adaptation
// Stream pair ([[C8]]/[[C9]], internal/repstream and internal/adaptstream)
// and the transport pipeline (internal/transport): a host embeds this
// package, supplying a MediaElement/MediaSink pair and a Pipeline, and
// gets one playback session per manifest.
package engine

import (
	"sync"

	"github.com/zsiec/streamcore/internal/manifest"
	"github.com/zsiec/streamcore/internal/rangeset"
	"github.com/zsiec/streamcore/internal/repstream"
	"github.com/zsiec/streamcore/internal/sink"
	"github.com/zsiec/streamcore/internal/transport"
)

// segmentIndexAdapter bridges manifest.SegmentIndex (SegmentsIntersecting/
// IsFinished, no per-segment CDN data) to repstream.SegmentIndex
// (Intersecting/PeriodEnd, Segment.CDNs) — the two were built independently
// against their own component's needs and never shared a shape. periodEnd
// comes from the owning Period, since manifest.SegmentIndex alone doesn't
// know where its period ends; cdns comes from the owning Representation,
// since manifest.Segment carries no CDN candidates of its own.
type segmentIndexAdapter struct {
	index     manifest.SegmentIndex
	cdns      []string
	periodEnd float64
}

var _ repstream.SegmentIndex = (*segmentIndexAdapter)(nil)

func newSegmentIndexAdapter(index manifest.SegmentIndex, cdns []string, periodEnd float64) *segmentIndexAdapter {
	return &segmentIndexAdapter{index: index, cdns: cdns, periodEnd: periodEnd}
}

func (a *segmentIndexAdapter) InitSegment() (repstream.Segment, bool) {
	seg, ok := a.index.InitSegment()
	if !ok {
		return repstream.Segment{}, false
	}
	return a.convert(seg), true
}

func (a *segmentIndexAdapter) Intersecting(from, to float64) []repstream.Segment {
	segs := a.index.SegmentsIntersecting(from, to)
	out := make([]repstream.Segment, len(segs))
	for i, s := range segs {
		out[i] = a.convert(s)
	}
	return out
}

func (a *segmentIndexAdapter) PeriodEnd() float64 {
	if !a.index.IsFinished() {
		return 0
	}
	return a.periodEnd
}

func (a *segmentIndexAdapter) convert(s manifest.Segment) repstream.Segment {
	return repstream.Segment{Start: s.Time, End: s.Time + s.Duration, CDNs: a.cdns}
}

// pipelineParser adapts a transport.Pipeline's ParseSegment into
// repstream.Parser, tracking the representation's init timescale across
// calls (parseSegment's initTimescale argument, once known from the init
// segment, must be threaded into every subsequent media segment parse).
type pipelineParser struct {
	pipeline         transport.Pipeline
	representationID string

	mu            sync.Mutex
	initTimescale *float64
}

var _ repstream.Parser = (*pipelineParser)(nil)

func newPipelineParser(pipeline transport.Pipeline, representationID string) *pipelineParser {
	return &pipelineParser{pipeline: pipeline, representationID: representationID}
}

func (p *pipelineParser) Parse(seg repstream.Segment, data []byte, isInit bool) (sink.AppendOptions, error) {
	sc := transport.SegmentContext{RepresentationID: p.representationID, CDNs: seg.CDNs, IsInit: isInit}

	p.mu.Lock()
	timescale := p.initTimescale
	p.mu.Unlock()

	parsed, err := p.pipeline.ParseSegment(transport.LoadedSegment{Data: data}, sc, timescale)
	if err != nil {
		return sink.AppendOptions{}, err
	}

	opts := sink.AppendOptions{
		IsInit:        parsed.Kind == transport.SegmentKindInit,
		BufferedRange: bufferedRange(seg),
	}

	if parsed.Kind == transport.SegmentKindInit {
		p.mu.Lock()
		p.initTimescale = parsed.InitTimescale
		p.mu.Unlock()
		return opts, nil
	}

	opts.TimestampOffset = parsed.ChunkOffset
	if parsed.AppendEnd > parsed.AppendStart {
		opts.AppendWindow.Start = parsed.AppendStart
		opts.AppendWindow.End = parsed.AppendEnd
	}
	return opts, nil
}

func bufferedRange(seg repstream.Segment) rangeset.Range {
	return rangeset.Range{Start: seg.Start, End: seg.End}
}
