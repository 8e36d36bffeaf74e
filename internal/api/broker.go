package api

import (
	"encoding/json"
	"sync"

	"leaddispatch/internal/dispatch"
)

// SSEEvent is one message on a lead's event stream.
type SSEEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type EventBroker interface {
	Subscribe(leadID string) chan SSEEvent
	Unsubscribe(leadID string, ch chan SSEEvent)
	Publish(leadID string, evt SSEEvent)
}

// Broker is the in-process EventBroker used without REDIS_URL.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // leadId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(leadID string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	b.mu.Lock()
	if b.subs[leadID] == nil {
		b.subs[leadID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[leadID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(leadID string, ch chan SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[leadID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, leadID)
	}
	close(ch)
}

// Publish never blocks; slow subscribers drop events.
func (b *Broker) Publish(leadID string, evt SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[leadID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// brokerSink adapts an EventBroker to the coordinator's event sink.
type brokerSink struct {
	b EventBroker
}

func (s brokerSink) Publish(ev dispatch.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.b.Publish(ev.LeadID, SSEEvent{Type: ev.Type, Data: data})
}
