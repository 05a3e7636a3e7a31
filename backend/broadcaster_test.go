package backend

import (
	"context"
	"testing"
	"time"

	"github.com/b0bbywan/go-odio-portal/events"
)

func TestBroadcaster_Subscribe_ReceivesAll(t *testing.T) {
	upstream := make(chan events.Event, 4)
	b := NewBroadcaster(context.Background(), upstream)

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	upstream <- events.Event{Type: events.TypeSessionCreated}
	upstream <- events.Event{Type: events.TypeInputNotify}

	for _, want := range []string{events.TypeSessionCreated, events.TypeInputNotify} {
		select {
		case got := <-ch:
			if got.Type != want {
				t.Errorf("got %s, want %s", got.Type, want)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func TestBroadcaster_SubscribeFunc_FiltersEvents(t *testing.T) {
	upstream := make(chan events.Event, 4)
	b := NewBroadcaster(context.Background(), upstream)

	filter := func(e events.Event) bool { return e.Type == events.TypeSessionCreated }
	ch := b.SubscribeFunc(filter)
	defer b.Unsubscribe(ch)

	// Send one matching and one non-matching event.
	upstream <- events.Event{Type: events.TypeSessionCreated}
	upstream <- events.Event{Type: events.TypeInputNotify}

	// Only the session event should arrive.
	select {
	case got := <-ch:
		if got.Type != events.TypeSessionCreated {
			t.Errorf("got %s, want %s", got.Type, events.TypeSessionCreated)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for session.created event")
	}

	// Input event must not be in the channel.
	select {
	case got := <-ch:
		t.Errorf("unexpected event %s delivered through filter", got.Type)
	case <-time.After(30 * time.Millisecond):
		// expected: nothing received
	}
}

func TestBroadcaster_SubscribeFunc_NilFilterPassesAll(t *testing.T) {
	upstream := make(chan events.Event, 4)
	b := NewBroadcaster(context.Background(), upstream)

	ch := b.SubscribeFunc(nil)
	defer b.Unsubscribe(ch)

	upstream <- events.Event{Type: events.TypeWallpaperSet}

	select {
	case got := <-ch:
		if got.Type != events.TypeWallpaperSet {
			t.Errorf("got %s, want %s", got.Type, events.TypeWallpaperSet)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for wallpaper.set event")
	}
}

func TestBroadcaster_EventDataFlowsThrough(t *testing.T) {
	upstream := make(chan events.Event, 4)
	b := NewBroadcaster(context.Background(), upstream)

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	upstream <- events.Event{Type: events.TypeActionInvoked, Data: events.NotificationData{Sender: ":1.4", ID: "n1", Action: "open"}}

	select {
	case got := <-ch:
		if got.Type != events.TypeActionInvoked {
			t.Errorf("got %s, want %s", got.Type, events.TypeActionInvoked)
		}
		data, ok := got.Data.(events.NotificationData)
		if !ok {
			t.Fatalf("data is %T, want NotificationData", got.Data)
		}
		if data.Action != "open" {
			t.Errorf("data.Action = %q, want %q", data.Action, "open")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for notification.action event")
	}
}

func TestBroadcaster_NilUpstream_NoPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broadcaster := NewBroadcaster(ctx, nil)
	ch := broadcaster.Subscribe()
	defer broadcaster.Unsubscribe(ch)
	select {
	case got := <-ch:
		t.Errorf("unexpected event %s from nil upstream", got.Type)
	case <-time.After(20 * time.Millisecond):
		// expected
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	upstream := make(chan events.Event)
	b := NewBroadcaster(context.Background(), upstream)

	slow := b.Subscribe()
	defer b.Unsubscribe(slow)
	fast := b.Subscribe()
	defer b.Unsubscribe(fast)

	const n = 40 // more than a subscriber buffers
	go func() {
		for i := 0; i < n; i++ {
			upstream <- events.Event{Type: events.TypeInputNotify}
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatalf("fast subscriber stalled after %d events", i)
		}
	}
	if got := len(slow); got != cap(slow) {
		t.Errorf("slow subscriber holds %d events, want a full buffer of %d", got, cap(slow))
	}
}

func TestBroadcaster_MultipleSubscribersIndependentFilters(t *testing.T) {
	upstream := make(chan events.Event, 8)
	b := NewBroadcaster(context.Background(), upstream)

	allCh := b.Subscribe()
	defer b.Unsubscribe(allCh)

	inputOnly := b.SubscribeFunc(func(e events.Event) bool { return e.Type == events.TypeInputNotify })
	defer b.Unsubscribe(inputOnly)

	upstream <- events.Event{Type: events.TypeInputNotify}
	upstream <- events.Event{Type: events.TypeSessionCreated}

	// allCh should receive both events.
	for _, want := range []string{events.TypeInputNotify, events.TypeSessionCreated} {
		select {
		case got := <-allCh:
			if got.Type != want {
				t.Errorf("allCh: got %s, want %s", got.Type, want)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("allCh: timed out waiting for %s", want)
		}
	}

	// inputOnly should receive only audio.updated.
	select {
	case got := <-inputOnly:
		if got.Type != events.TypeInputNotify {
			t.Errorf("inputOnly: got %s, want input.notify", got.Type)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("inputOnly: timed out waiting for input.notify")
	}

	select {
	case got := <-inputOnly:
		t.Errorf("inputOnly: unexpected event %s", got.Type)
	case <-time.After(30 * time.Millisecond):
		// expected: nothing
	}
}
