// Package events defines the tagged-variant Event type emitted across a
// playback session's lifetime, replacing an ad hoc event-name-string
// scheme with an explicit, exhaustively-switchable Go type.
package events

import (
	"time"

	"github.com/zsiec/streamcore/internal/ladder"
)

// Kind tags which variant of Event is populated.
type Kind int

// Supported event kinds.
const (
	KindPeriodStreamReady Kind = iota
	KindAdaptationChange
	KindRepresentationChange
	KindBitrateEstimationChange
	KindAddedSegment
	KindStreamComplete
	KindNeedsManifestRefresh
	KindNeedsMediaSourceReload
	KindNeedsBufferFlush
	KindNeedsDecipherabilityFlush
	KindEndOfStream
	KindResumeStream
	KindWarning
	KindStalled
	KindUnstalled
	KindEncryptionDataEncountered
)

func (k Kind) String() string {
	switch k {
	case KindPeriodStreamReady:
		return "period-stream-ready"
	case KindAdaptationChange:
		return "adaptation-change"
	case KindRepresentationChange:
		return "representation-change"
	case KindBitrateEstimationChange:
		return "bitrate-estimation-change"
	case KindAddedSegment:
		return "added-segment"
	case KindStreamComplete:
		return "stream-complete"
	case KindNeedsManifestRefresh:
		return "needs-manifest-refresh"
	case KindNeedsMediaSourceReload:
		return "needs-media-source-reload"
	case KindNeedsBufferFlush:
		return "needs-buffer-flush"
	case KindNeedsDecipherabilityFlush:
		return "needs-decipherability-flush"
	case KindEndOfStream:
		return "end-of-stream"
	case KindResumeStream:
		return "resume-stream"
	case KindWarning:
		return "warning"
	case KindStalled:
		return "stalled"
	case KindUnstalled:
		return "unstalled"
	case KindEncryptionDataEncountered:
		return "encryption-data-encountered"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification an Engine publishes. Only the
// fields relevant to Kind are populated; this mirrors a sum type more
// closely than a single struct would, trading a few unused fields per
// variant for a single type every subscriber can switch over exhaustively.
type Event struct {
	Kind Kind

	BufferType     string
	Representation ladder.Representation
	SegmentStart   float64
	SegmentEnd     float64
	Buffered       [][2]float64
	BandwidthEstimate float64
	ReloadAt       float64
	ResumeOnPause  bool
	FlushStart     float64
	FlushEnd       float64
	Err            error
	Timestamp      time.Time
}
