package estimator

import (
	"testing"
	"time"

	"github.com/zsiec/streamcore/internal/ladder"
)

func TestBandwidthEstimateFollowsSamples(t *testing.T) {
	t.Parallel()

	b := NewBandwidth(0)
	if got := b.Estimate(); got != 0 {
		t.Fatalf("estimate before any sample = %v, want 0", got)
	}

	// ~10 Mb/s: 1,250,000 bytes in 1 second.
	b.AddSample(1_250_000, time.Second)

	got := b.Estimate()
	if got <= 0 {
		t.Fatalf("estimate after sample should be positive, got %v", got)
	}
	// First sample should move the estimate substantially toward 10 Mb/s.
	if got < 5_000_000 || got > 10_000_001 {
		t.Errorf("estimate = %v, want roughly 10 Mb/s", got)
	}
}

func TestBandwidthIgnoresShortSamples(t *testing.T) {
	t.Parallel()

	b := NewBandwidth(0)
	b.AddSample(1_000_000, 10*time.Millisecond)
	if got := b.Estimate(); got != 0 {
		t.Errorf("short sample should be ignored, got estimate %v", got)
	}
}

func TestBandwidthInitialBitrateUsedBeforeSamples(t *testing.T) {
	t.Parallel()

	b := NewBandwidth(2_000_000)
	if got := b.Estimate(); got != 2_000_000 {
		t.Errorf("estimate = %v, want initial bitrate 2_000_000", got)
	}
}

func TestBandwidthDegradesTowardSlowSamples(t *testing.T) {
	t.Parallel()

	b := NewBandwidth(0)
	for i := 0; i < 10; i++ {
		b.AddSample(6_000_000, time.Second) // ~48 Mb/s
	}
	fast := b.Estimate()

	for i := 0; i < 10; i++ {
		b.AddSample(500_000, 8*time.Second) // ~500 kb/s
	}
	slow := b.Estimate()

	if slow >= fast {
		t.Errorf("estimate should fall after a run of slow samples: fast=%v slow=%v", fast, slow)
	}
}

func TestScoreBoardMaintainableNeedsConfidence(t *testing.T) {
	t.Parallel()

	sb := NewScoreBoard()
	sb.AddSample("r1", 4.0, 2.0) // ratio 2.0, single sample: not confident yet

	if sb.Maintainable("r1") {
		t.Error("should not be maintainable with only one sample")
	}

	sb.AddSample("r1", 4.0, 2.0)
	if !sb.Maintainable("r1") {
		t.Error("should be maintainable after two good samples")
	}
}

func TestScoreBoardMaintainableFalseBelowOne(t *testing.T) {
	t.Parallel()

	sb := NewScoreBoard()
	sb.AddSample("r1", 4.0, 8.0) // ratio 0.5
	sb.AddSample("r1", 4.0, 8.0)

	if sb.Maintainable("r1") {
		t.Error("score below 1 should not be maintainable")
	}
}

func TestLastStableRepresentationPicksHighestBitrate(t *testing.T) {
	t.Parallel()

	sb := NewScoreBoard()
	reps := []ladder.Representation{
		{ID: "low", Bitrate: 300_000},
		{ID: "mid", Bitrate: 800_000},
		{ID: "high", Bitrate: 2_000_000},
	}

	for _, id := range []string{"low", "mid", "high"} {
		sb.AddSample(id, 4, 2)
		sb.AddSample(id, 4, 2)
	}
	// Make "high" unmaintainable by driving its score well below 1 with a
	// long run of slow samples.
	for i := 0; i < 30; i++ {
		sb.AddSample("high", 4, 16)
	}

	got, ok := sb.LastStableRepresentation(reps)
	if !ok {
		t.Fatal("expected a stable representation")
	}
	if got.ID != "mid" {
		t.Errorf("LastStableRepresentation = %v, want mid", got.ID)
	}
}

func TestLastStableRepresentationNoneQualify(t *testing.T) {
	t.Parallel()

	sb := NewScoreBoard()
	_, ok := sb.LastStableRepresentation([]ladder.Representation{{ID: "a", Bitrate: 1}})
	if ok {
		t.Error("expected no stable representation with zero samples")
	}
}
