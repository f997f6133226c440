package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skiffhq/skiff/internal/domain"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("gone")
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never satisfied")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPublishReachesOnlyProjectSubscribers(t *testing.T) {
	hub := NewHub()
	mine := &fakeSubscriber{}
	other := &fakeSubscriber{}
	hub.Register("proj-1", mine)
	hub.Register("proj-2", other)

	hub.Publish(domain.DeploymentEvent{
		ProjectID:    "proj-1",
		DeploymentID: "dep-1",
		Status:       domain.StatusBuilding,
	})

	waitFor(t, func() bool { return mine.received() == 1 })
	if other.received() != 0 {
		t.Fatalf("other project received %d events", other.received())
	}

	var event domain.DeploymentEvent
	mine.mu.Lock()
	raw := mine.payloads[0]
	mine.mu.Unlock()
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.DeploymentID != "dep-1" || event.Status != domain.StatusBuilding {
		t.Fatalf("event = %+v", event)
	}
}

func TestFailingSubscriberIsDropped(t *testing.T) {
	hub := NewHub()
	dead := &fakeSubscriber{fail: true}
	alive := &fakeSubscriber{}
	hub.Register("proj-1", dead)
	hub.Register("proj-1", alive)

	hub.Broadcast("proj-1", []byte(`{}`))
	waitFor(t, func() bool { return alive.received() == 1 })
	waitFor(t, func() bool {
		dead.mu.Lock()
		defer dead.mu.Unlock()
		return dead.closed
	})

	// The dropped client receives nothing further.
	hub.Broadcast("proj-1", []byte(`{}`))
	waitFor(t, func() bool { return alive.received() == 2 })
	if dead.received() != 0 {
		t.Fatalf("dead subscriber received %d payloads", dead.received())
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub()
	sub := &fakeSubscriber{}
	hub.Register("proj-1", sub)
	hub.Broadcast("proj-1", []byte(`{}`))
	waitFor(t, func() bool { return sub.received() == 1 })

	hub.Unregister("proj-1", sub)
	hub.Broadcast("proj-1", []byte(`{}`))

	// Broadcast is processed by the same loop that handled the unregister,
	// so one more send would have landed by now if delivery continued.
	time.Sleep(10 * time.Millisecond)
	if sub.received() != 1 {
		t.Fatalf("received %d payloads after unregister", sub.received())
	}
}
