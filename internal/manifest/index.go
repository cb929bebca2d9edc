package manifest

import "sort"

// StaticIndex is an array-backed SegmentIndex for VOD content, where the
// complete segment list is known when the manifest is parsed.
type StaticIndex struct {
	Init     *Segment
	Segments []Segment // sorted by ascending Time
}

var _ SegmentIndex = (*StaticIndex)(nil)

// InitSegment returns the init segment, if one was supplied.
func (s *StaticIndex) InitSegment() (Segment, bool) {
	if s.Init == nil {
		return Segment{}, false
	}
	return *s.Init, true
}

// SegmentsIntersecting returns the segments whose [Time, Time+Duration)
// overlaps [start, end).
func (s *StaticIndex) SegmentsIntersecting(start, end float64) []Segment {
	lo := sort.Search(len(s.Segments), func(i int) bool {
		return s.Segments[i].Time+s.Segments[i].Duration > start
	})

	var out []Segment
	for i := lo; i < len(s.Segments); i++ {
		seg := s.Segments[i]
		if seg.Time >= end {
			break
		}
		out = append(out, seg)
	}
	return out
}

// IsFinished always returns true: a static index never grows.
func (s *StaticIndex) IsFinished() bool {
	return true
}

// TemplateKind selects how a DynamicIndex numbers its generated segments.
type TemplateKind int

// Supported dynamic numbering schemes.
const (
	TemplateNumbered TemplateKind = iota // $Number$-style, fixed duration
	TemplateTimeline                     // $Time$-style, explicit per-segment start+duration
)

// TimelineEntry is one entry of a $Time$-style segment timeline: a segment
// starting at Start with the given Duration, optionally repeated Repeat
// additional times at consecutive offsets (the DASH SegmentTimeline "r"
// attribute).
type TimelineEntry struct {
	Start    float64
	Duration float64
	Repeat   int
}

// DynamicIndex is a template-based SegmentIndex for live content: segments
// are generated on demand from a numbering or timeline template as the live
// edge advances, rather than being enumerated up front.
type DynamicIndex struct {
	Kind     TemplateKind
	Init     *Segment
	Duration float64 // fixed segment duration, used when Kind == TemplateNumbered
	Start    float64 // time of segment number 0, used when Kind == TemplateNumbered
	Timeline []TimelineEntry
	finished bool
}

var _ SegmentIndex = (*DynamicIndex)(nil)

// NewNumberedIndex creates a DynamicIndex that generates fixed-duration
// segments starting at startTime.
func NewNumberedIndex(startTime, duration float64, init *Segment) *DynamicIndex {
	return &DynamicIndex{Kind: TemplateNumbered, Start: startTime, Duration: duration, Init: init}
}

// NewTimelineIndex creates a DynamicIndex driven by an explicit timeline.
func NewTimelineIndex(timeline []TimelineEntry, init *Segment) *DynamicIndex {
	return &DynamicIndex{Kind: TemplateTimeline, Timeline: timeline, Init: init}
}

// SetFinished marks the index as no longer growing (the live stream ended or
// transitioned to VOD).
func (d *DynamicIndex) SetFinished(finished bool) {
	d.finished = finished
}

// InitSegment returns the init segment, if one was supplied.
func (d *DynamicIndex) InitSegment() (Segment, bool) {
	if d.Init == nil {
		return Segment{}, false
	}
	return *d.Init, true
}

// SegmentsIntersecting generates the segments overlapping [start, end)
// according to the configured template.
func (d *DynamicIndex) SegmentsIntersecting(start, end float64) []Segment {
	switch d.Kind {
	case TemplateTimeline:
		return d.timelineIntersecting(start, end)
	default:
		return d.numberedIntersecting(start, end)
	}
}

func (d *DynamicIndex) numberedIntersecting(start, end float64) []Segment {
	if d.Duration <= 0 {
		return nil
	}
	first := int64((start - d.Start) / d.Duration)
	if first < 0 {
		first = 0
	}
	var out []Segment
	for n := first; ; n++ {
		t := d.Start + float64(n)*d.Duration
		if t >= end {
			break
		}
		if t+d.Duration <= start {
			continue
		}
		out = append(out, Segment{Time: t, Duration: d.Duration})
	}
	return out
}

func (d *DynamicIndex) timelineIntersecting(start, end float64) []Segment {
	var out []Segment
	for _, e := range d.Timeline {
		t := e.Start
		for r := 0; r <= e.Repeat; r++ {
			if t >= end {
				return out
			}
			if t+e.Duration > start {
				out = append(out, Segment{Time: t, Duration: e.Duration})
			}
			t += e.Duration
		}
	}
	return out
}

// IsFinished reports whether the live index has been marked finished.
func (d *DynamicIndex) IsFinished() bool {
	return d.finished
}
