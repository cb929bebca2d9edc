package engine

import (
	"context"

	"github.com/zsiec/streamcore/internal/adaptstream"
	"github.com/zsiec/streamcore/internal/events"
	"github.com/zsiec/streamcore/internal/initctl"
)

// Events returns a subscription to this session's aggregate event stream:
// every adaptstream/initctl event, translated into the single tagged
// events.Event type a host only needs to switch over once rather than
// subscribing to a differently-shaped channel per track. Representation
// Stream-level events (segment-added, representation-change) stay
// internal to adaptstream's currently-active Representation Stream, since
// that stream is swapped out on every switch and adaptstream never
// exposes it directly; a host that needs that granularity subscribes to
// adaptstream.Stream.Events() itself for the switch-level notifications
// this method already republishes.
func (s *Session) Events() (<-chan events.Event, func()) {
	return s.events.Subscribe()
}

func (s *Session) forwardEvents(ctx context.Context, bufferType string, adaptEvents <-chan adaptstream.Event) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-adaptEvents:
				if !ok {
					return
				}
				s.events.Publish(translateAdaptEvent(bufferType, ev))
			}
		}
	}()
}

func (s *Session) forwardInitEvents(ctx context.Context, initEvents <-chan initctl.Event) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-initEvents:
				if !ok {
					return
				}
				s.events.Publish(translateInitEvent(ev))
			}
		}
	}()
}

func translateAdaptEvent(bufferType string, ev adaptstream.Event) events.Event {
	out := events.Event{
		BufferType:     bufferType,
		Representation: ev.Representation,
		ReloadAt:       ev.ReloadAt,
		ResumeOnPause:  ev.ResumeOnPause,
		FlushStart:     ev.FlushStart,
		FlushEnd:       ev.FlushEnd,
		Err:            ev.Err,
	}
	switch ev.Kind {
	case adaptstream.EventAdaptationChange:
		out.Kind = events.KindAdaptationChange
	case adaptstream.EventNeedsMediaSourceReload:
		out.Kind = events.KindNeedsMediaSourceReload
	case adaptstream.EventNeedsBufferFlush:
		out.Kind = events.KindNeedsBufferFlush
	case adaptstream.EventFatal:
		out.Kind = events.KindWarning
	case adaptstream.EventWarning:
		out.Kind = events.KindWarning
	}
	return out
}

func translateInitEvent(ev initctl.Event) events.Event {
	out := events.Event{Err: ev.Err}
	switch ev.Kind {
	case initctl.EventStateChanged:
		switch ev.State {
		case initctl.StateRebuffering:
			out.Kind = events.KindStalled
		case initctl.StatePlaying:
			out.Kind = events.KindUnstalled
		case initctl.StateFrozen:
			out.Kind = events.KindWarning
		default:
			out.Kind = events.KindResumeStream
		}
	case initctl.EventBlockedAutoplay:
		out.Kind = events.KindWarning
	}
	return out
}
