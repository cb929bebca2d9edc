// Package cdnrank implements CDN selection: it orders candidate CDN hosts
// by a moving success/latency score and temporarily
// downranks recently-failed hosts for a cooldown, grounded on the
// retry-with-backoff bookkeeping shape of
// Savid-iptv-proxy/internal/buffer.RetryManager, generalized from a single
// reader's retry count to a per-host score with time-based cooldown.
package cdnrank

import (
	"math"
	"sort"
	"sync"
	"time"
)

// scoreHalfLife is the sample-count half-life for a host's latency EWMA.
const scoreHalfLife = 4.0

// defaultCooldown is how long a failed host is downranked before it is
// reconsidered at full priority.
const defaultCooldown = 30 * time.Second

type hostState struct {
	latencyEWMA  float64
	samples      int
	downrankedAt time.Time
	downranked   bool
}

// Ranker orders candidate CDN hosts for a segment request, prioritizing
// hosts with lower observed latency and pushing recently-failed hosts to
// the back for a cooldown window.
type Ranker struct {
	mu       sync.Mutex
	cooldown time.Duration
	hosts    map[string]*hostState
	now      func() time.Time
}

// New creates a Ranker with the given failure cooldown; cooldown <= 0 uses
// defaultCooldown.
func New(cooldown time.Duration) *Ranker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Ranker{cooldown: cooldown, hosts: make(map[string]*hostState), now: time.Now}
}

// Order returns candidates sorted by ascending latency score, with any
// currently-downranked host moved to the end (stable otherwise).
func (r *Ranker) Order(candidates []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	ordered := make([]string, len(candidates))
	copy(ordered, candidates)

	sort.SliceStable(ordered, func(i, j int) bool {
		hi, hj := r.hosts[ordered[i]], r.hosts[ordered[j]]
		di := r.downrankedLocked(hi, now)
		dj := r.downrankedLocked(hj, now)
		if di != dj {
			return !di // non-downranked sorts first
		}
		return r.scoreLocked(hi) < r.scoreLocked(hj)
	})
	return ordered
}

func (r *Ranker) downrankedLocked(h *hostState, now time.Time) bool {
	if h == nil || !h.downranked {
		return false
	}
	if now.Sub(h.downrankedAt) >= r.cooldown {
		h.downranked = false
		return false
	}
	return true
}

func (r *Ranker) scoreLocked(h *hostState) float64 {
	if h == nil {
		return 0 // unknown hosts are given the benefit of the doubt
	}
	return h.latencyEWMA
}

// ReportSuccess records a successful fetch's latency for host.
func (r *Ranker) ReportSuccess(host string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.hostLocked(host)
	weight := 0.0
	if h.samples > 0 {
		weight = math.Pow(0.5, 1.0/scoreHalfLife)
	}
	h.latencyEWMA = latency.Seconds()*(1-weight) + h.latencyEWMA*weight
	h.samples++
	h.downranked = false
}

// ReportFailure downranks host for the cooldown window; a 4xx-class
// (non-retryable) failure and a 5xx/network failure both count, since
// advancing to the next CDN happens before counting as a full retry.
func (r *Ranker) ReportFailure(host string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.hostLocked(host)
	h.downranked = true
	h.downrankedAt = r.now()
}

func (r *Ranker) hostLocked(host string) *hostState {
	h, ok := r.hosts[host]
	if !ok {
		h = &hostState{}
		r.hosts[host] = h
	}
	return h
}
