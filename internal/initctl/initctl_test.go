package initctl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/streamcore/internal/clock"
)

type fakePlayer struct {
	mu          sync.Mutex
	playErr     error
	playCalls   int
	rate        float64
	rateHistory []float64
}

func (f *fakePlayer) Play(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playCalls++
	return f.playErr
}

func (f *fakePlayer) SetPlaybackRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
	f.rateHistory = append(f.rateHistory, rate)
}

func (f *fakePlayer) PlaybackRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

func TestResolveInitialPositionVariants(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		in    StartAt
		want  float64
	}{
		{"position", StartAt{Kind: StartAtPosition, Position: 42}, 42},
		{"from-first", StartAt{Kind: StartAtFromFirstPosition, FromFirstPosition: 5}, 15},
		{"from-last", StartAt{Kind: StartAtFromLastPosition, FromLastPosition: 5}, 95},
		{"percentage-zero", StartAt{Kind: StartAtPercentage, Percentage: 0}, 0},
		{"percentage-full", StartAt{Kind: StartAtPercentage, Percentage: 100}, 120},
		{"percentage-over", StartAt{Kind: StartAtPercentage, Percentage: 150}, 120},
		{"percentage-half", StartAt{Kind: StartAtPercentage, Percentage: 50}, 60},
		{"none", StartAt{Kind: StartAtNone}, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ResolveInitialPosition(c.in, 120, 10, 100, nil)
			if got != c.want {
				t.Errorf("ResolveInitialPosition(%+v) = %v, want %v", c.in, got, c.want)
			}
		})
	}
}

func TestResolveInitialPositionWallClockUsesResolver(t *testing.T) {
	t.Parallel()

	target := time.Unix(1000, 0)
	resolve := func(ts time.Time) (float64, bool) {
		if ts.Equal(target) {
			return 33, true
		}
		return 0, false
	}
	got := ResolveInitialPosition(StartAt{Kind: StartAtWallClock, WallClockTime: target}, 0, 0, 0, resolve)
	if got != 33 {
		t.Errorf("ResolveInitialPosition wall clock = %v, want 33", got)
	}
}

// TestInitialSeekWithPercentageAndBlockedAutoplay implements the concrete
// scenario: startAt={percentage:50}, duration=120s -> initial position 60s;
// autoplay blocked by the host -> a blocked-autoplay warning, result
// autoplay-blocked, and initialPlayPerformed becomes true regardless.
func TestInitialSeekWithPercentageAndBlockedAutoplay(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{playErr: &PlayError{NotAllowed: true, Cause: errors.New("user has not interacted with the document")}}
	o := New(nil, player, Config{StartAt: StartAt{Kind: StartAtPercentage, Percentage: 50}})

	ch, cancel := o.Events()
	defer cancel()

	position, seekNeeded, err := o.HandleMetadataLoaded(120, 0, 0, nil)
	if err != nil {
		t.Fatalf("HandleMetadataLoaded: %v", err)
	}
	if !seekNeeded {
		t.Fatal("seekNeeded = false, want true for a configured StartAt")
	}
	if position != 60 {
		t.Fatalf("initial position = %v, want 60", position)
	}
	if o.State() != StateSeekPending {
		t.Fatalf("state = %v, want seek-pending", o.State())
	}

	if err := o.FinishSeek(); err != nil {
		t.Fatalf("FinishSeek: %v", err)
	}
	if o.State() != StateWaitingPlayable {
		t.Fatalf("state = %v, want waiting-playable", o.State())
	}

	result, err := o.HandlePlayable(context.Background(), true, false)
	if err != nil {
		t.Fatalf("HandlePlayable: %v", err)
	}
	if result != AutoplayBlocked {
		t.Fatalf("autoplay result = %v, want AutoplayBlocked", result)
	}
	if !o.InitialPlayPerformed() {
		t.Error("InitialPlayPerformed() = false, want true even though autoplay was blocked")
	}
	if o.State() != StatePlaying {
		t.Fatalf("state = %v, want playing even with autoplay blocked", o.State())
	}

	select {
	case ev := <-ch:
		if ev.Kind != EventBlockedAutoplay {
			t.Fatalf("event kind = %v, want EventBlockedAutoplay", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a blocked-autoplay event")
	}
}

func TestAutoplaySkippedOnAlreadyEndedMedia(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{}
	o := New(nil, player, Config{})

	if _, _, err := o.HandleMetadataLoaded(100, 0, 0, nil); err != nil {
		t.Fatalf("HandleMetadataLoaded: %v", err)
	}
	result, err := o.HandlePlayable(context.Background(), true, true)
	if err != nil {
		t.Fatalf("HandlePlayable: %v", err)
	}
	if result != AutoplaySkipped {
		t.Errorf("autoplay result = %v, want AutoplaySkipped for already-ended media", result)
	}
	player.mu.Lock()
	calls := player.playCalls
	player.mu.Unlock()
	if calls != 0 {
		t.Errorf("Play called %d times, want 0 for already-ended media", calls)
	}
}

func TestRebufferForcesZeroRateAndRestoresOnExit(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{rate: 1.5}
	o := New(nil, player, Config{})
	if _, _, err := o.HandleMetadataLoaded(100, 0, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.HandlePlayable(context.Background(), false, false); err != nil {
		t.Fatal(err)
	}

	o.OnObservation(clock.Observation{Rebuffering: &clock.RebufferState{Reason: clock.RebufferReasonBuffering}})
	if o.State() != StateRebuffering {
		t.Fatalf("state = %v, want rebuffering", o.State())
	}
	if player.PlaybackRate() != 0 {
		t.Errorf("rate during rebuffer = %v, want 0", player.PlaybackRate())
	}

	o.OnObservation(clock.Observation{})
	if o.State() != StatePlaying {
		t.Fatalf("state = %v, want playing after rebuffer clears", o.State())
	}
	if player.PlaybackRate() != 1.5 {
		t.Errorf("rate after rebuffer clears = %v, want restored 1.5", player.PlaybackRate())
	}
}

func TestFreezingTransitionsToFrozenAndBack(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{rate: 1}
	o := New(nil, player, Config{})
	if _, _, err := o.HandleMetadataLoaded(100, 0, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.HandlePlayable(context.Background(), false, false); err != nil {
		t.Fatal(err)
	}

	o.OnObservation(clock.Observation{Freezing: &clock.FreezingState{}})
	if o.State() != StateFrozen {
		t.Fatalf("state = %v, want frozen", o.State())
	}

	o.OnObservation(clock.Observation{})
	if o.State() != StatePlaying {
		t.Fatalf("state = %v, want playing after freeze clears", o.State())
	}
}

func TestHandlePlayableTwiceRejectsSecondTransition(t *testing.T) {
	t.Parallel()

	player := &fakePlayer{}
	o := New(nil, player, Config{})
	if _, _, err := o.HandleMetadataLoaded(100, 0, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := o.HandlePlayable(context.Background(), false, false); err != nil {
		t.Fatal(err)
	}
	if _, err := o.HandlePlayable(context.Background(), false, false); err == nil {
		t.Fatal("expected an error transitioning playing -> playing")
	}
}
