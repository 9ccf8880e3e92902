package engine_test

import (
	"testing"

	"github.com/seantiz/batchbridge/internal/engine"
	"github.com/seantiz/batchbridge/internal/model"
)

func ev(jobID string, seq int, line string) model.JobEvent {
	return model.JobEvent{JobID: jobID, Seq: seq, Line: line}
}

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	lines := []string{"submitted", "poll 1", "poll 2"}
	for i, l := range lines {
		b.Publish(ev("j1", i, l))
	}
	b.Close("j1")

	var got []model.JobEvent
	for e := range ch {
		got = append(got, e)
	}

	if len(got) != len(lines) {
		t.Fatalf("got %d events, want %d", len(got), len(lines))
	}
	for i, e := range got {
		if e.Line != lines[i] || e.Seq != i {
			t.Errorf("event[%d] = %+v, want seq %d line %q", i, e, i, lines[i])
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("j1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("j1")
	defer unsub2()

	b.Publish(ev("j1", 0, "hello"))
	b.Close("j1")

	for i, ch := range []<-chan model.JobEvent{ch1, ch2} {
		var got []string
		for e := range ch {
			got = append(got, e.Line)
		}
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("subscriber %d got %v, want [hello]", i+1, got)
		}
	}
}

func TestEventBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := engine.NewEventBroker()
	b.Close("j1")

	ch, unsub := b.Subscribe("j1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel for finished job")
	}
}

func TestEventBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")

	unsub()
	b.Publish(ev("j1", 0, "dropped"))

	select {
	case e := <-ch:
		t.Errorf("received %q after unsubscribe", e.Line)
	default:
	}
}

func TestEventBrokerIsolatesJobs(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	b.Publish(ev("j2", 0, "other job"))

	select {
	case e := <-ch:
		t.Errorf("received event for %s on j1 subscription", e.JobID)
	default:
	}
}

func TestEventBrokerPublishToUnknownJobIsNoop(t *testing.T) {
	b := engine.NewEventBroker()
	b.Publish(ev("nobody", 0, "x"))
}

func TestEventBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("j1")
	defer unsub()

	for i := 0; i < 100; i++ {
		b.Publish(ev("j1", i, "line"))
	}
	b.Close("j1")

	n := 0
	for range ch {
		n++
	}
	if n != 64 {
		t.Errorf("received %d events, want buffer size 64", n)
	}
}
