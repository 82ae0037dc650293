package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewEventHub()
	ch := h.Subscribe()

	h.Publish(FrequencyTuned, ProgressEvent{Step: 2, Total: 3, TransferFunction: 0.8})

	select {
	case e := <-ch:
		if e.Name != FrequencyTuned {
			t.Errorf("event name = %q", e.Name)
		}
		p, err := DecodeAs[ProgressEvent](e)
		if err != nil {
			t.Fatalf("DecodeAs() error = %v", err)
		}
		if p.Step != 2 || p.Total != 3 || p.TransferFunction != 0.8 {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	h.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Errorf("channel should be closed after Unsubscribe")
	}
	// Unsubscribing twice is a no-op.
	h.Unsubscribe(ch)
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	h := NewEventHub(WithBuffer(1))
	ch := h.Subscribe()
	for i := 0; i < 5; i++ {
		h.Publish(SessionPhase, PhaseEvent{To: "Sweeping"})
	}
	if len(ch) != 1 {
		t.Errorf("buffered %d events, want 1", len(ch))
	}
}

func TestNilHub(t *testing.T) {
	var h *EventHub
	h.Publish(SessionPhase, PhaseEvent{})
}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return &fakeToken{err: p.err}
}

func TestMQTTBridge(t *testing.T) {
	pub := &fakePublisher{}
	bridge := NewMQTTBridge(pub, "lab/stm1/")
	h := NewEventHub(WithSink(bridge))

	h.Publish(SessionPhase, PhaseEvent{From: "Idle", To: "Preparing"})
	h.Publish(FrequencyTuned, ProgressEvent{Step: 1})

	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.msgs))
	}
	if pub.msgs[0].topic != "lab/stm1/session/phase" || !pub.msgs[0].retained {
		t.Errorf("phase message = %+v", pub.msgs[0])
	}
	if pub.msgs[1].topic != "lab/stm1/frequency/tuned" || pub.msgs[1].retained {
		t.Errorf("progress message = %+v", pub.msgs[1])
	}

	// Broker failures are logged, not propagated.
	pub.err = errors.New("not connected")
	h.Publish(SessionFinished, FinishedEvent{})
	bridge.Close()
}

func TestMQTTTopic(t *testing.T) {
	if got := NewMQTTBridge(nil, "").Topic(ReferenceBuilt); got != "reference/built" {
		t.Errorf("Topic() = %q", got)
	}
}
