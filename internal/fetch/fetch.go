package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zsiec/streamcore/internal/fetch/backoff"
	"github.com/zsiec/streamcore/internal/fetch/cdnrank"
	"github.com/zsiec/streamcore/internal/fetch/integrity"
	"github.com/zsiec/streamcore/internal/telemetry"
)

// readChunkSize is the buffer size used to read a response body
// incrementally, so Progress events can be emitted before the transfer
// completes.
const readChunkSize = 32 * 1024

// SegmentRef identifies one fetchable segment (or an initialization
// segment, for IsInit) and its CDN candidates.
type SegmentRef struct {
	RepresentationID string
	SegmentKey       string // unique identity across (period, adaptation, representation, time)
	CDNs             []string
	IsInit           bool
	LowLatency       bool // emit per-box EventChunk as the buffer is parsed
}

// SampleFunc reports a completed transfer's size and duration, feeding the
// bandwidth estimator.
type SampleFunc func(representationID string, numBytes int64, duration time.Duration)

// ProgressFunc reports an in-flight transfer's progress so far, feeding the
// ABR estimator's in-flight bandwidth cap and starvation-urgency check.
type ProgressFunc func(representationID string, loaded, total int64, elapsed time.Duration)

// Config holds the Fetcher's tunables.
type Config struct {
	Backoff        backoff.Config
	CDNCooldown    time.Duration
	CheckIntegrity bool
	OnSample       SampleFunc
	OnProgress     ProgressFunc

	// RequestTimeout bounds a single HTTP attempt (one host, one retry);
	// it does not bound the overall CreateRequest call, which runs until
	// ctx is cancelled or every CDN candidate is exhausted. Zero disables
	// the per-attempt deadline.
	RequestTimeout time.Duration
}

// Fetcher issues segment requests against prioritized CDN candidates, with
// retry, CDN failover, integrity checking, and at-most-one-in-flight
// enforcement per (representation, segment).
type Fetcher struct {
	log     *slog.Logger
	client  *http.Client
	ranker  *cdnrank.Ranker
	config  Config
	metrics *telemetry.Metrics

	sf singleflight.Group

	mu   sync.Mutex
	hubs map[string]*eventBus
}

// New creates a Fetcher using client for all outbound requests.
func New(log *slog.Logger, client *http.Client, config Config) *Fetcher {
	return &Fetcher{
		log:    log.With("component", "fetch"),
		client: client,
		ranker: cdnrank.New(config.CDNCooldown),
		config: config,
		hubs:   make(map[string]*eventBus),
	}
}

// SetMetrics attaches the collectors execute reports retries and failures
// to. Optional: a Fetcher with no metrics attached just skips reporting.
func (f *Fetcher) SetMetrics(m *telemetry.Metrics) { f.metrics = m }

// CreateRequest starts (or joins an already in-flight) fetch of ref and
// returns a channel of Events. Multiple concurrent calls for the same
// ref.SegmentKey share a single underlying network request, enforced via a
// singleflight.Group keyed on that identity; every caller receives its own
// subscription carrying the events published after it joined. Events
// published before a caller joined are not replayed to it.
func (f *Fetcher) CreateRequest(ctx context.Context, ref SegmentRef, priority int) <-chan Event {
	hub := f.hubLocked(ref.SegmentKey)
	ch, cancel := hub.subscribe()

	go func() {
		<-ctx.Done()
		cancel()
	}()

	go func() {
		f.sf.Do(ref.SegmentKey, func() (interface{}, error) {
			f.execute(ctx, ref, hub)
			return nil, nil
		})
	}()

	return ch
}

func (f *Fetcher) hubLocked(key string) *eventBus {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hubs[key]
	if !ok {
		h = newEventBus()
		f.hubs[key] = h
	}
	return h
}

func (f *Fetcher) releaseHub(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hubs, key)
}

// execute runs the full CDN-ordered retry loop for one segment request and
// publishes its events to hub. It always runs to a terminal EventRequestEnd
// before returning, whether that outcome is success, exhaustion, or ctx
// cancellation, so every subscriber sees a definitive outcome.
func (f *Fetcher) execute(ctx context.Context, ref SegmentRef, hub *eventBus) {
	defer f.releaseHub(ref.SegmentKey)
	defer hub.finish()

	hub.publish(Event{Kind: EventRequestBegin})

	hosts := f.ranker.Order(ref.CDNs)
	var lastErr error

	for _, host := range hosts {
		policy := backoff.NewPolicy(f.config.Backoff)
		for {
			if err := ctx.Err(); err != nil {
				lastErr = err
				hub.publish(Event{Kind: EventRequestEnd, Err: lastErr})
				return
			}

			data, elapsed, err := f.doOnce(ctx, host, ref, hub)
			if err == nil {
				if f.config.CheckIntegrity && !ref.IsInit {
					if ierr := integrity.Check(data); ierr != nil {
						lastErr = ierr
						f.ranker.ReportFailure(host)
						f.incFetchFailure(host)
						retry, cancelled := f.wait(ctx, policy)
						if cancelled {
							lastErr = ctx.Err()
							hub.publish(Event{Kind: EventRequestEnd, Err: lastErr})
							return
						}
						if !retry {
							break
						}
						continue
					}
				}
				f.ranker.ReportSuccess(host, elapsed)
				if f.config.OnSample != nil {
					f.config.OnSample(ref.RepresentationID, int64(len(data)), elapsed)
				}
				hub.publish(Event{Kind: EventChunkComplete, Chunk: data, Host: host, Elapsed: elapsed})
				hub.publish(Event{Kind: EventRequestEnd, Host: host})
				return
			}

			lastErr = err
			f.ranker.ReportFailure(host)
			f.incFetchFailure(host)
			if isNonRetryable(err) {
				break
			}
			retry, cancelled := f.wait(ctx, policy)
			if cancelled {
				lastErr = ctx.Err()
				hub.publish(Event{Kind: EventRequestEnd, Err: lastErr})
				return
			}
			if !retry {
				break
			}
		}
	}

	hub.publish(Event{Kind: EventRequestEnd, Err: lastErr})
}

// incFetchFailure reports a per-host fetch failure, if metrics are attached.
func (f *Fetcher) incFetchFailure(host string) {
	if f.metrics != nil {
		f.metrics.IncFetchFailure(host)
	}
}

// wait sleeps for policy's next backoff delay, cancellable via ctx. retry
// is false once the retry budget is exhausted (try the next CDN, if any);
// cancelled is true if ctx ended while waiting, which always takes
// precedence and means the whole fetch should stop, not just this host.
func (f *Fetcher) wait(ctx context.Context, policy *backoff.Policy) (retry, cancelled bool) {
	delay, ok := policy.Next()
	if !ok {
		return false, false
	}
	if f.metrics != nil {
		f.metrics.IncFetchRetry()
	}
	select {
	case <-ctx.Done():
		return false, true
	case <-time.After(delay):
		return true, false
	}
}

// doOnce performs a single HTTP attempt against host, bounded by
// Config.RequestTimeout (if set) layered on top of ctx.
func (f *Fetcher) doOnce(ctx context.Context, host string, ref SegmentRef, hub *eventBus) ([]byte, time.Duration, error) {
	attemptCtx := ctx
	if f.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, f.config.RequestTimeout)
		defer cancel()
	}
	return f.fetchOnce(attemptCtx, host, ref, hub)
}

// fetchOnce performs a single HTTP GET against host and streams the
// response body, emitting Progress events as bytes arrive. For LowLatency
// refs it also emits one Chunk event per top-level box, after the whole
// body has been read.
func (f *Fetcher) fetchOnce(ctx context.Context, host string, ref SegmentRef, hub *eventBus) ([]byte, time.Duration, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host, nil)
	if err != nil {
		return nil, time.Since(start), newError(ErrorKindNonRetryable, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, time.Since(start), newError(ErrorKindRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, time.Since(start), statusError(resp.StatusCode)
	}

	total := resp.ContentLength
	var data []byte
	buf := make([]byte, readChunkSize)
	var loaded int64

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			loaded += int64(n)
			elapsed := time.Since(start)
			hub.publish(Event{Kind: EventProgress, Loaded: loaded, Total: total, Elapsed: elapsed, Host: host})
			if f.config.OnProgress != nil {
				f.config.OnProgress(ref.RepresentationID, loaded, total, elapsed)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, time.Since(start), newError(ErrorKindRetryable, rerr)
		}
	}

	if ref.LowLatency && !ref.IsInit {
		if boxes, berr := integrity.Walk(data); berr == nil {
			offset := int64(0)
			for _, b := range boxes {
				hub.publish(Event{Kind: EventChunk, Chunk: data[offset : offset+b.Size], Host: host})
				offset += b.Size
			}
		}
	}

	return data, time.Since(start), nil
}
