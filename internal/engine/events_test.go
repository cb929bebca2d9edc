package engine

import (
	"errors"
	"testing"

	"github.com/zsiec/streamcore/internal/adaptstream"
	"github.com/zsiec/streamcore/internal/broadcast"
	"github.com/zsiec/streamcore/internal/events"
	"github.com/zsiec/streamcore/internal/initctl"
	"github.com/zsiec/streamcore/internal/ladder"
)

func TestTranslateAdaptEventMapsEveryKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   adaptstream.EventKind
		want events.Kind
	}{
		{adaptstream.EventAdaptationChange, events.KindAdaptationChange},
		{adaptstream.EventNeedsMediaSourceReload, events.KindNeedsMediaSourceReload},
		{adaptstream.EventNeedsBufferFlush, events.KindNeedsBufferFlush},
		{adaptstream.EventFatal, events.KindWarning},
		{adaptstream.EventWarning, events.KindWarning},
	}

	for _, c := range cases {
		rep := ladder.Representation{ID: "720p", Bitrate: 3_000_000}
		ev := adaptstream.Event{Kind: c.in, Representation: rep, ReloadAt: 4, FlushStart: 1, FlushEnd: 2}

		got := translateAdaptEvent("video", ev)
		if got.Kind != c.want {
			t.Errorf("translateAdaptEvent(%v).Kind = %v, want %v", c.in, got.Kind, c.want)
		}
		if got.BufferType != "video" {
			t.Errorf("BufferType = %q, want video", got.BufferType)
		}
		if got.Representation != rep {
			t.Errorf("Representation not threaded through: got %+v", got.Representation)
		}
	}
}

func TestTranslateAdaptEventPropagatesError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("boom")
	got := translateAdaptEvent("audio", adaptstream.Event{Kind: adaptstream.EventFatal, Err: wantErr})
	if got.Err != wantErr {
		t.Errorf("Err = %v, want %v", got.Err, wantErr)
	}
}

func TestTranslateInitEventMapsStateTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state initctl.State
		want  events.Kind
	}{
		{initctl.StateRebuffering, events.KindStalled},
		{initctl.StatePlaying, events.KindUnstalled},
		{initctl.StateFrozen, events.KindWarning},
		{initctl.StateSeekPending, events.KindResumeStream},
	}

	for _, c := range cases {
		got := translateInitEvent(initctl.Event{Kind: initctl.EventStateChanged, State: c.state})
		if got.Kind != c.want {
			t.Errorf("translateInitEvent(state=%v).Kind = %v, want %v", c.state, got.Kind, c.want)
		}
	}
}

func TestTranslateInitEventBlockedAutoplayIsWarning(t *testing.T) {
	t.Parallel()

	got := translateInitEvent(initctl.Event{Kind: initctl.EventBlockedAutoplay})
	if got.Kind != events.KindWarning {
		t.Errorf("Kind = %v, want KindWarning", got.Kind)
	}
}

func TestSessionEventsAggregatesAcrossSources(t *testing.T) {
	t.Parallel()

	s := &Session{events: broadcast.NewHub[events.Event]()}

	sub, cancel := s.Events()
	defer cancel()

	s.events.Publish(events.Event{Kind: events.KindStalled})

	select {
	case got := <-sub:
		if got.Kind != events.KindStalled {
			t.Errorf("Kind = %v, want KindStalled", got.Kind)
		}
	default:
		t.Fatal("expected the published event to be replayed to a subscriber")
	}
}
