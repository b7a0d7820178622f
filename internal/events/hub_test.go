package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHub_OrderedDelivery(t *testing.T) {
	hub := NewHub(16, zerolog.Nop())
	sub := hub.Subscribe("a1", "p1")
	defer sub.Close()

	for v := int64(1); v <= 5; v++ {
		_ = hub.Publish(context.Background(), Event{Type: TrackingLocation, AppointmentID: "a1", Version: v})
	}

	for want := int64(1); want <= 5; want++ {
		select {
		case ev := <-sub.Events():
			if ev.Version != want {
				t.Fatalf("expected version %d, got %d", want, ev.Version)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for version %d", want)
		}
	}
}

func TestHub_TopicsAreIsolated(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	sub := hub.Subscribe("a1", "p1")
	defer sub.Close()

	_ = hub.Publish(context.Background(), Event{Type: TrackingLocation, AppointmentID: "a2", Version: 1})

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event for another appointment: %+v", ev)
	default:
	}
}

func TestHub_SlowSubscriberIsClosed(t *testing.T) {
	hub := NewHub(2, zerolog.Nop())
	slow := hub.Subscribe("a1", "p1")
	fast := hub.Subscribe("a1", "p1")

	for v := int64(1); v <= 3; v++ {
		_ = hub.Publish(context.Background(), Event{Type: TrackingLocation, AppointmentID: "a1", Version: v})
		if v <= 2 {
			<-fast.Events()
		}
	}

	// два события в буфере, затем канал закрыт
	<-slow.Events()
	<-slow.Events()
	if _, ok := <-slow.Events(); ok {
		t.Fatal("expected slow subscription to be closed")
	}
	if !errors.Is(slow.Err(), ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", slow.Err())
	}

	if ev := <-fast.Events(); ev.Version != 3 {
		t.Fatalf("fast subscriber must keep receiving, got version %d", ev.Version)
	}
	if n := hub.Subscribers("a1"); n != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", n)
	}
	fast.Close()
	fast.Close()
	if n := hub.Subscribers("a1"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestHub_PendingFeed(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	feed := hub.SubscribePending()
	defer feed.Close()

	ctx := context.Background()
	_ = hub.Publish(ctx, Event{Type: AppointmentCreated, AppointmentID: "a1", Version: 1})
	_ = hub.Publish(ctx, Event{Type: TrackingLocation, AppointmentID: "a1", Version: 2})
	_ = hub.Publish(ctx, Event{Type: AppointmentAccepted, AppointmentID: "a1", Version: 3})

	if ev := <-feed.Events(); ev.Type != AppointmentCreated {
		t.Fatalf("expected created, got %s", ev.Type)
	}
	if ev := <-feed.Events(); ev.Type != AppointmentAccepted {
		t.Fatalf("expected accepted, got %s", ev.Type)
	}
}

func TestHub_OlderVersionIsDropped(t *testing.T) {
	hub := NewHub(8, zerolog.Nop())
	sub := hub.Subscribe("a1", "p1")
	defer sub.Close()

	ctx := context.Background()
	_ = hub.Publish(ctx, Event{Type: TrackingLocation, AppointmentID: "a1", Version: 6})
	_ = hub.Publish(ctx, Event{Type: TrackingLocation, AppointmentID: "a1", Version: 5})
	_ = hub.Publish(ctx, Event{Type: TrackingStale, AppointmentID: "a1"})
	_ = hub.Publish(ctx, Event{Type: TrackingLocation, AppointmentID: "a1", Version: 7})

	var got []Event
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d events", len(got))
		}
	}
	if got[0].Version != 6 || got[1].Type != TrackingStale || got[2].Version != 7 {
		t.Fatalf("unexpected sequence %+v", got)
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event %+v", ev)
	default:
	}
}

func TestHub_ConcurrentPublishKeepsVersionsIncreasing(t *testing.T) {
	const total = 200
	hub := NewHub(total, zerolog.Nop())
	sub := hub.Subscribe("a1", "p1")
	defer sub.Close()

	var wg sync.WaitGroup
	for v := int64(1); v <= total; v++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			_ = hub.Publish(context.Background(), Event{Type: TrackingLocation, AppointmentID: "a1", Version: v})
		}(v)
	}
	wg.Wait()

	var last int64
	for {
		select {
		case ev := <-sub.Events():
			if ev.Version <= last {
				t.Fatalf("version %d delivered after %d", ev.Version, last)
			}
			last = ev.Version
		default:
			if last == 0 {
				t.Fatal("no events delivered")
			}
			return
		}
	}
}

func TestHub_Restrict(t *testing.T) {
	hub := NewHub(4, zerolog.Nop())
	patient := hub.Subscribe("a1", "p1")
	defer patient.Close()
	assigned := hub.Subscribe("a1", "d1")
	defer assigned.Close()
	other := hub.Subscribe("a1", "d2")
	feed := hub.SubscribePending()
	defer feed.Close()

	if n := hub.Restrict("a1", "p1", "d1"); n != 1 {
		t.Fatalf("expected 1 revoked subscription, got %d", n)
	}
	if _, ok := <-other.Events(); ok {
		t.Fatal("expected revoked subscription to be closed")
	}
	if !errors.Is(other.Err(), ErrAccessRevoked) {
		t.Fatalf("expected ErrAccessRevoked, got %v", other.Err())
	}
	if patient.Err() != nil || assigned.Err() != nil {
		t.Fatal("participants must stay subscribed")
	}

	_ = hub.Publish(context.Background(), Event{Type: AppointmentEnRoute, AppointmentID: "a1", Version: 3})
	if ev := <-assigned.Events(); ev.Version != 3 {
		t.Fatalf("unexpected event %+v", ev)
	}
	if n := hub.Subscribers(PendingFeed); n != 1 {
		t.Fatalf("pending feed must not be affected, got %d", n)
	}
	if n := hub.Restrict("missing", "p1"); n != 0 {
		t.Fatalf("unknown appointment: expected 0, got %d", n)
	}
}

type recordingPublisher struct {
	got []Event
	err error
}

func (r *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestFanout_ContinuesAfterError(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("broker down")}
	ok := &recordingPublisher{}
	f := NewFanout(zerolog.Nop(), failing, ok)

	if err := f.Publish(context.Background(), Event{Type: AppointmentCreated, AppointmentID: "a1"}); err != nil {
		t.Fatalf("fanout must absorb errors, got %v", err)
	}
	if len(failing.got) != 1 || len(ok.got) != 1 {
		t.Fatalf("expected both publishers to be called, got %d and %d", len(failing.got), len(ok.got))
	}
}
