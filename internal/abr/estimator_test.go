package abr

import (
	"testing"
	"time"

	"github.com/zsiec/streamcore/internal/clock"
	"github.com/zsiec/streamcore/internal/estimator"
	"github.com/zsiec/streamcore/internal/ladder"
)

var testLadder = []ladder.Representation{
	{ID: "300k", Bitrate: 300_000},
	{ID: "800k", Bitrate: 800_000},
	{ID: "2000k", Bitrate: 2_000_000},
	{ID: "5000k", Bitrate: 5_000_000},
}

// addStrongSample feeds enough bytes that the bandwidth EWMA converges close
// to targetBps in a single sample, so the test can script a bandwidth
// trajectory deterministically instead of waiting out many small samples.
func addStrongSample(bw *estimator.Bandwidth, targetBps float64) {
	const numBytes = 30_000_000
	duration := time.Duration(float64(numBytes) * 8 / targetBps * float64(time.Second))
	bw.AddSample(numBytes, duration)
}

// TestMonotoneABRUnderDegradingBandwidth covers a concrete scenario: as the
// bandwidth estimate falls from ~6 Mb/s to ~500 kb/s, the chosen
// representation steps down the ladder and never re-climbs once it has
// settled at the bottom tier.
func TestMonotoneABRUnderDegradingBandwidth(t *testing.T) {
	t.Parallel()

	bw := estimator.NewBandwidth(0)
	sb := estimator.NewScoreBoard()
	e := New(nil, bw, sb, Config{})

	e.SetRepresentations(testLadder, testLadder[3]) // start at 5000k
	decisions, cancel := e.Decisions()
	defer cancel()

	// Keep forceBandwidthMode pinned on (gap <= 5) so the buffer-based
	// sub-estimator never overrides the bandwidth-derived choice, isolating
	// the property under test.
	e.Observe(clock.Observation{BufferGap: 3})
	<-decisions

	stages := []float64{6_000_000, 2_500_000, 900_000, 500_000, 400_000}
	want := []int{5_000_000, 2_000_000, 800_000, 300_000, 300_000}

	got := make([]int, len(stages))
	for i, target := range stages {
		addStrongSample(bw, target)
		e.Observe(clock.Observation{BufferGap: 3})

		var d Decision
		select {
		case d = <-decisions:
		case <-time.After(time.Second):
			t.Fatalf("stage %d: timed out waiting for decision", i)
		}
		got[i] = d.Representation.Bitrate

		if d.Representation.Bitrate != want[i] {
			t.Errorf("stage %d: chosen bitrate = %d, want %d", i, d.Representation.Bitrate, want[i])
		}
	}

	for i := 1; i < len(got); i++ {
		if got[i] > got[i-1] {
			t.Errorf("bitrate rose from %d to %d at stage %d under continuously degrading bandwidth", got[i-1], got[i], i)
		}
	}
}

func TestManualBitrateOverride(t *testing.T) {
	t.Parallel()

	bw := estimator.NewBandwidth(0)
	sb := estimator.NewScoreBoard()
	e := New(nil, bw, sb, Config{})
	e.SetRepresentations(testLadder, testLadder[0])

	decisions, cancel := e.Decisions()
	defer cancel()
	<-decisions // replay of the auto decision published by SetRepresentations

	e.SetManualBitrate(900_000)
	d := <-decisions

	if !d.Manual || !d.Urgent {
		t.Errorf("manual override should set Manual and Urgent, got %+v", d)
	}
	if d.Representation.Bitrate != 800_000 {
		t.Errorf("manual 900_000 should select 800k tier, got %d", d.Representation.Bitrate)
	}

	e.SetManualBitrate(-1)
	d = <-decisions
	if d.Manual {
		t.Error("negative manual bitrate should return control to automatic selection")
	}
}

// TestForceBandwidthModeHysteresis checks the spec's stated hysteresis: the
// flag flips true at bufferGap<=5, flips false only once bufferGap>10, and
// is sticky in between.
func TestForceBandwidthModeHysteresis(t *testing.T) {
	t.Parallel()

	bw := estimator.NewBandwidth(1_000_000)
	sb := estimator.NewScoreBoard()
	e := New(nil, bw, sb, Config{})
	e.SetRepresentations(testLadder, testLadder[0])

	steps := []struct {
		gap  float64
		want bool
	}{
		{gap: 20, want: false},
		{gap: 5, want: true},
		{gap: 7, want: true},  // sticky: between thresholds
		{gap: 11, want: false},
		{gap: 7, want: false}, // sticky the other way
		{gap: 4, want: true},
	}

	for i, s := range steps {
		e.Observe(clock.Observation{BufferGap: s.gap})
		e.mu.Lock()
		got := e.forceBandwidthMode
		e.mu.Unlock()
		if got != s.want {
			t.Errorf("step %d (gap=%v): forceBandwidthMode = %v, want %v", i, s.gap, got, s.want)
		}
	}
}

func TestStableBitrateHintUsesSpeed(t *testing.T) {
	t.Parallel()

	bw := estimator.NewBandwidth(0)
	sb := estimator.NewScoreBoard()
	sb.AddSample("5000k", 4, 2)
	sb.AddSample("5000k", 4, 2)

	e := New(nil, bw, sb, Config{})
	e.SetRepresentations(testLadder, testLadder[3])

	decisions, cancel := e.Decisions()
	defer cancel()
	<-decisions

	e.Observe(clock.Observation{BufferGap: 20, PlaybackRate: 2})
	d := <-decisions

	if d.StableBitrateHint != 5_000_000/2 {
		t.Errorf("StableBitrateHint = %v, want %v", d.StableBitrateHint, 5_000_000/2.0)
	}
}
