package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zsiec/streamcore/internal/abr"
	"github.com/zsiec/streamcore/internal/adaptstream"
	"github.com/zsiec/streamcore/internal/broadcast"
	"github.com/zsiec/streamcore/internal/clock"
	"github.com/zsiec/streamcore/internal/config"
	"github.com/zsiec/streamcore/internal/estimator"
	"github.com/zsiec/streamcore/internal/events"
	"github.com/zsiec/streamcore/internal/fetch"
	httptransport "github.com/zsiec/streamcore/internal/fetch/transport"
	"github.com/zsiec/streamcore/internal/initctl"
	"github.com/zsiec/streamcore/internal/ladder"
	"github.com/zsiec/streamcore/internal/manifest"
	"github.com/zsiec/streamcore/internal/prioritizer"
	"github.com/zsiec/streamcore/internal/repstream"
	"github.com/zsiec/streamcore/internal/sink"
	"github.com/zsiec/streamcore/internal/telemetry"
	"github.com/zsiec/streamcore/internal/transport"
)

// httpClientFor builds the outbound HTTP client the shared fetch.Fetcher
// uses, honoring the configured HTTP/1 vs HTTP/3 transport kind.
func httpClientFor(cfg config.Config) *http.Client {
	return httptransport.NewClient(cfg.TransportKind, cfg.ConnectionTimeout)
}

// Task admission thresholds handed to internal/prioritizer: segments due
// within priorityLevel 0-1 (repstream.priorityLevel, unexported but mirrored
// by this boundary) run immediately, level 2 is gated behind them, and
// levels 3-4 are pauseable background prefetch.
const (
	prioritizerHigh = 1
	prioritizerLow  = 2
)

// HostMedia is the playback surface a host application supplies: the
// media element the clock samples, and the transport-level play/pause/
// rate controls the init orchestrator drives. A real implementation wraps
// an HTMLMediaElement/MediaSource equivalent; streamcore never touches
// one directly.
type HostMedia interface {
	clock.MediaElement
	initctl.Player
}

// Session drives one manifest's playback lifecycle end to end: the clock,
// the init orchestrator, and one adaptation stream per buffer type present
// in the active period, all sharing a fetcher and prioritizer, since
// network transport and integrity-checking are worth pooling across tracks
// rather than duplicating per representation.
type Session struct {
	log      *slog.Logger
	cfg      config.Config
	pipeline transport.Pipeline
	manifest *manifest.Manifest
	metrics  *telemetry.Metrics

	clock       *clock.Clock
	initOrch    *initctl.Orchestrator
	fetcher     *fetch.Fetcher
	prioritizer *prioritizer.Prioritizer
	events      *broadcast.Hub[events.Event]

	// repTracks routes a fetch's representation ID back to the track that
	// owns it, so the shared fetcher's completion/progress callbacks can
	// feed the right track's bandwidth estimator. Populated once while
	// tracks are built and never mutated afterward, so it needs no lock.
	// Representation IDs are assumed unique across every track in the
	// active period; a manifest that reuses an ID across adaptations would
	// have samples misattributed here.
	repTracks map[string]*track

	mu       sync.Mutex
	tracks   map[manifest.BufferType]*track
	position float64
}

type track struct {
	bufferType   manifest.BufferType
	sink         *sink.Sink
	stream       *adaptstream.Stream
	bandwidth    *estimator.Bandwidth
	abrEstimator *abr.Estimator
	reps         []ladder.Representation
	index        map[string]*manifest.Representation
	cancelObs    func()
	cancelDec    func()
	cancelEvents func()

	inFlightMu sync.Mutex
	inFlight   map[string]abr.InFlight
}

// New builds a Session for man's first period. mediaSinks supplies one
// MediaSink per buffer type the caller wants played; a buffer type present
// in the manifest but absent from mediaSinks is skipped.
func New(log *slog.Logger, cfg config.Config, pipeline transport.Pipeline, man *manifest.Manifest, media HostMedia, mediaSinks map[manifest.BufferType]sink.MediaSink, metrics *telemetry.Metrics) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	periods := man.Periods()
	if len(periods) == 0 {
		return nil, fmt.Errorf("engine: manifest has no periods")
	}
	period := periods[0]

	// repTracks is populated below, once tracks exist; fetchConfig's
	// callbacks close over it rather than a snapshot, so samples that
	// arrive after the fetcher starts still resolve correctly.
	repTracks := make(map[string]*track)

	fetchConfig := cfg.Fetch
	fetchConfig.CDNCooldown = cfg.CDNCooldown
	fetchConfig.CheckIntegrity = true
	fetchConfig.RequestTimeout = cfg.RequestTimeout
	fetchConfig.OnSample = func(representationID string, numBytes int64, duration time.Duration) {
		onFetchSample(repTracks, metrics, representationID, numBytes, duration)
	}
	fetchConfig.OnProgress = func(representationID string, loaded, total int64, elapsed time.Duration) {
		onFetchProgress(repTracks, representationID, loaded, total, elapsed)
	}

	s := &Session{
		log:         log.With("component", "engine"),
		cfg:         cfg,
		pipeline:    pipeline,
		manifest:    man,
		metrics:     metrics,
		clock:       clock.New(log, media, cfg.Clock, true),
		fetcher:     fetch.New(log, httpClientFor(cfg), fetchConfig),
		prioritizer: prioritizer.New(log, prioritizerHigh, prioritizerLow),
		events:      broadcast.NewHub[events.Event](),
		repTracks:   repTracks,
		tracks:      make(map[manifest.BufferType]*track),
	}
	s.fetcher.SetMetrics(metrics)
	s.initOrch = initctl.New(log, media, initctl.Config{StartAt: cfg.StartAt})

	for bufferType, adaptations := range period.Adaptations {
		mediaSink, ok := mediaSinks[bufferType]
		if !ok || len(adaptations) == 0 {
			continue
		}
		t, err := s.buildTrack(bufferType, adaptations[0], period, mediaSink)
		if err != nil {
			return nil, err
		}
		s.tracks[bufferType] = t
		for _, rep := range t.reps {
			repTracks[rep.ID] = t
		}
	}

	return s, nil
}

// onFetchSample routes a completed transfer to the owning track's
// bandwidth estimator and clears its in-flight entry, then republishes the
// updated bandwidth-estimate gauge.
func onFetchSample(repTracks map[string]*track, metrics *telemetry.Metrics, representationID string, numBytes int64, duration time.Duration) {
	t, ok := repTracks[representationID]
	if !ok || t.abrEstimator == nil {
		return
	}
	t.bandwidth.AddSample(numBytes, duration)

	t.inFlightMu.Lock()
	delete(t.inFlight, representationID)
	inFlight := inFlightSlice(t.inFlight)
	t.inFlightMu.Unlock()
	t.abrEstimator.SetInFlight(inFlight)

	if metrics != nil {
		metrics.SetBandwidthEstimate(t.bandwidth.Estimate())
	}
}

// onFetchProgress records an in-flight transfer's progress so far, feeding
// the owning track's estimator's in-flight bandwidth cap and urgency check.
func onFetchProgress(repTracks map[string]*track, representationID string, loaded, total int64, elapsed time.Duration) {
	t, ok := repTracks[representationID]
	if !ok || t.abrEstimator == nil {
		return
	}
	t.inFlightMu.Lock()
	if t.inFlight == nil {
		t.inFlight = make(map[string]abr.InFlight)
	}
	t.inFlight[representationID] = abr.InFlight{
		RepresentationID: representationID,
		Loaded:           loaded,
		Total:            total,
		Elapsed:          elapsed,
	}
	inFlight := inFlightSlice(t.inFlight)
	t.inFlightMu.Unlock()
	t.abrEstimator.SetInFlight(inFlight)
}

func inFlightSlice(m map[string]abr.InFlight) []abr.InFlight {
	out := make([]abr.InFlight, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	return out
}

func (s *Session) buildTrack(bufferType manifest.BufferType, ad *manifest.Adaptation, period *manifest.Period, mediaSink sink.MediaSink) (*track, error) {
	if len(ad.Representations) == 0 {
		return nil, fmt.Errorf("engine: adaptation %d has no representations", ad.ID)
	}

	reps := make([]ladder.Representation, len(ad.Representations))
	byID := make(map[string]*manifest.Representation, len(ad.Representations))
	for i, r := range ad.Representations {
		reps[i] = ladder.Representation{ID: r.ID, Bitrate: r.Bitrate}
		byID[r.ID] = r
	}

	sk := sink.New(s.log, mediaSink)
	sk.SetMetrics(s.metrics)

	t := &track{bufferType: bufferType, sink: sk, reps: reps, index: byID, inFlight: make(map[string]abr.InFlight)}

	adaptstreamBufferType := adaptationBufferType(bufferType)

	deps := adaptstream.Dependencies{
		NewRepStream: func(rep ladder.Representation) *repstream.Stream {
			manRep := byID[rep.ID]
			periodEnd := 0.0
			if period.End != nil {
				periodEnd = *period.End
			}
			index := newSegmentIndexAdapter(manRep.Index, manRep.CDNs, periodEnd)
			parser := newPipelineParser(s.pipeline, manRep.ID)
			return repstream.New(s.log, sk, s.fetcher, s.prioritizer, index, parser, rep, repstream.Config{
				WantedBufferAhead: s.cfg.WantedBufferAhead,
				CancelMargin:      2,
				KeyPrefix:         fmt.Sprintf("period%d/%s/%s", period.ID, bufferType, rep.ID),
			})
		},
		SinkSupportsCodec: func(codec string) bool { return true },
		CleanBuffer: func(ctx context.Context, start, end float64) error {
			return sk.RemoveBuffer(ctx, start, end)
		},
	}

	t.stream = adaptstream.New(s.log, adaptstreamBufferType, deps)

	// Video (and any other multi-representation track) gets ABR-driven
	// switching; single-representation tracks (typically audio/text) pin
	// their sole representation for the session's lifetime, since there is
	// nothing to switch between.
	if len(reps) > 1 {
		t.bandwidth = estimator.NewBandwidth(s.cfg.ABR.InitialBitrate)
		scores := estimator.NewScoreBoard()
		t.abrEstimator = abr.New(s.log, t.bandwidth, scores, s.cfg.ABR)
	}

	return t, nil
}

func adaptationBufferType(bt manifest.BufferType) adaptstream.BufferType {
	switch bt {
	case manifest.BufferTypeAudio:
		return adaptstream.BufferTypeAudio
	case manifest.BufferTypeText:
		return adaptstream.BufferTypeText
	default:
		return adaptstream.BufferTypeVideo
	}
}

// Run starts the clock's sampling loop and every track's ABR-decision and
// adaptation-switch supervision, until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	obsCh, cancelObs := s.clock.Observations()
	defer cancelObs()

	initEvents, cancelInitEvents := s.initOrch.Events()
	defer cancelInitEvents()
	s.forwardInitEvents(ctx, initEvents)

	s.mu.Lock()
	for _, t := range s.tracks {
		s.startTrack(ctx, t)
	}
	s.mu.Unlock()

	defer s.stopTracks()

	go func() {
		wasRebuffering := false
		for obs := range obsCh {
			s.initOrch.OnObservation(obs)
			s.mu.Lock()
			s.position = obs.Position
			for _, t := range s.tracks {
				if t.abrEstimator != nil {
					t.abrEstimator.Observe(obs)
				}
			}
			s.mu.Unlock()

			isRebuffering := obs.Rebuffering != nil
			if s.metrics != nil && isRebuffering != wasRebuffering {
				if isRebuffering {
					s.metrics.IncRebufferEnter()
				} else {
					s.metrics.IncRebufferExit()
				}
			}
			wasRebuffering = isRebuffering
		}
	}()

	return s.clock.Run(ctx)
}

func (s *Session) startTrack(ctx context.Context, t *track) {
	trackObs, cancelObs := s.clock.Observations()
	t.cancelObs = cancelObs

	adaptEvents, cancelAdaptEvents := t.stream.Events()
	t.cancelEvents = cancelAdaptEvents
	s.forwardEvents(ctx, t.bufferType.String(), adaptEvents)

	if t.abrEstimator == nil {
		// Single-representation track: establish it once, no further
		// switching.
		t.stream.Switch(ctx, trackObs, t.reps[0], t.index[t.reps[0].ID].Codec, 0)
		return
	}

	t.abrEstimator.SetRepresentations(t.reps, ladder.Representation{})
	decisions, cancelDec := t.abrEstimator.Decisions()
	t.cancelDec = cancelDec

	go func() {
		for d := range decisions {
			rep := t.index[d.Representation.ID]
			if rep == nil {
				continue
			}
			s.mu.Lock()
			pos := s.position
			s.mu.Unlock()
			t.stream.Switch(ctx, trackObs, d.Representation, rep.Codec, pos)
			if s.metrics != nil {
				s.metrics.ObserveABRDecision(fmt.Sprintf("%d", d.Representation.Bitrate))
			}
		}
	}()
}

func (s *Session) stopTracks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		t.stream.Stop()
		if t.cancelObs != nil {
			t.cancelObs()
		}
		if t.cancelDec != nil {
			t.cancelDec()
		}
		if t.cancelEvents != nil {
			t.cancelEvents()
		}
		t.sink.Close()
	}
}

// DebugSnapshot summarizes this session's state for the control API.
func (s *Session) DebugSnapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	tracks := make(map[string]any, len(s.tracks))
	for bt, t := range s.tracks {
		tracks[bt.String()] = map[string]any{
			"buffered": t.sink.GetBufferedRanges(),
		}
	}
	return map[string]any{
		"state":  s.initOrch.State().String(),
		"tracks": tracks,
	}
}
