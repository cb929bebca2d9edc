// Package manifest defines the data model consumed from the (external)
// manifest parser: Periods, Adaptations, Representations, and Segments.
// streamcore never parses DASH XML or HLS playlists itself — it only
// consumes this already-parsed form, resolved through index-based handles
// rather than owning back-pointers (Period <-> Adaptation is naturally
// cyclic in the source player; here it is just two maps).
package manifest

import "sync/atomic"

// PeriodID identifies a Period within a Manifest.
type PeriodID int

// AdaptationID identifies an Adaptation within a Period.
type AdaptationID int

// BufferType names a track kind.
type BufferType int

// Supported track kinds.
const (
	BufferTypeVideo BufferType = iota
	BufferTypeAudio
	BufferTypeText
)

func (b BufferType) String() string {
	switch b {
	case BufferTypeVideo:
		return "video"
	case BufferTypeAudio:
		return "audio"
	case BufferTypeText:
		return "text"
	default:
		return "unknown"
	}
}

// Manifest is an ordered sequence of Periods, resolved by index-based
// handles. It is read-only after construction except for per-Representation
// decipherability flags, which are updated atomically by the (external) DRM
// supervisor and observed by every component without locking.
type Manifest struct {
	periods []*Period
}

// New creates a Manifest from an ordered list of periods.
func New(periods []*Period) *Manifest {
	return &Manifest{periods: periods}
}

// Periods returns all periods in presentation order.
func (m *Manifest) Periods() []*Period {
	return m.periods
}

// Period resolves a PeriodID to its Period, or nil if out of range.
func (m *Manifest) Period(id PeriodID) *Period {
	if int(id) < 0 || int(id) >= len(m.periods) {
		return nil
	}
	return m.periods[id]
}

// Duration returns the presentation duration: the end of the last period,
// or +Inf-equivalent (0, false) if the last period is open-ended (live).
func (m *Manifest) Duration() (float64, bool) {
	if len(m.periods) == 0 {
		return 0, false
	}
	last := m.periods[len(m.periods)-1]
	if last.End == nil {
		return 0, false
	}
	return *last.End, true
}

// Period is an immutable descriptor for a time interval of the presentation
// with a fixed set of Adaptations per buffer type.
type Period struct {
	ID          PeriodID
	Start       float64
	End         *float64 // nil means open-ended (live edge)
	Adaptations map[BufferType][]*Adaptation
}

// Adaptation holds ordered Representations for one track variant family
// (e.g. "English audio"), sorted by ascending bitrate.
type Adaptation struct {
	ID              AdaptationID
	BufferType      BufferType
	Language        string
	Representations []*Representation
}

// Representation is a single bitrate/codec encoding of an Adaptation.
type Representation struct {
	ID        string
	Bitrate   int // bits per second
	Codec     string
	Mime      string
	Width     int
	Height    int
	FrameRate float64
	Index     SegmentIndex
	// CDNs lists this representation's candidate origin/edge hosts, in
	// descending preference order, for callers to pass on as the CDN
	// candidates of this representation's segment requests (Segment itself
	// carries no CDN list).
	CDNs         []string
	decipherable atomic.Bool
}

// NewRepresentation creates a Representation, decipherable by default (most
// content carries no DRM at all, and the distillation's "mutable
// decipherability flag" is meant to model the exception, not the rule).
func NewRepresentation(id string, bitrate int, codec, mime string, cdns []string) *Representation {
	r := &Representation{ID: id, Bitrate: bitrate, Codec: codec, Mime: mime, CDNs: cdns}
	r.decipherable.Store(true)
	return r
}

// Decipherable reports whether this representation can currently be
// decrypted, as last set by the DRM supervisor.
func (r *Representation) Decipherable() bool {
	return r.decipherable.Load()
}

// SetDecipherable atomically updates the decipherability flag. Called by the
// (external) DRM supervisor when key availability changes.
func (r *Representation) SetDecipherable(v bool) {
	r.decipherable.Store(v)
}

// Segment is a time-contiguous media chunk within a Representation. Within a
// Representation, segments returned by SegmentIndex have non-decreasing
// Time values.
type Segment struct {
	Time            float64
	Duration        float64
	ByteRangeStart  int64
	ByteRangeEnd    int64 // 0 means no byte range restriction
	IsInit          bool
	TimestampOffset float64
}

// HasByteRange reports whether this segment is restricted to a byte range
// within a larger resource.
func (s Segment) HasByteRange() bool {
	return s.ByteRangeEnd > s.ByteRangeStart
}

// SegmentIndex is a lazy sequence of Segments for one Representation. Two
// concrete forms are supported: a static array-backed index (VOD, where the
// full segment list is known up front) and a template-based dynamic index
// (live, where segments are generated from a numbering or timeline template
// as the live edge advances). Both satisfy this same interface so C8 never
// needs to know which kind it is talking to.
type SegmentIndex interface {
	// InitSegment returns the init segment for this representation, if any.
	InitSegment() (Segment, bool)
	// SegmentsIntersecting returns, in time order, the segments overlapping
	// [start, end).
	SegmentsIntersecting(start, end float64) []Segment
	// IsFinished reports whether the index will never produce segments
	// beyond what it currently holds (VOD, or a live index past its period
	// end).
	IsFinished() bool
}
