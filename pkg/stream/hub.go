package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/larose-eth/bitcoin-parametric-insurance/pkg/engine"
)

// Event is the wire shape of an engine event fanned out to websocket
// subscribers. Settlement fields are flattened so clients read a policy
// id and payout directly instead of parsing a nested payload.
type Event struct {
	Type       string `json:"type"`
	At         string `json:"at"`
	PolicyID   uint64 `json:"policy_id,omitempty"`
	Payout     uint64 `json:"payout,omitempty"`
	LedgerTime uint64 `json:"ledger_time,omitempty"`
}

// FromEngine flattens an engine event, stamping the wall-clock receipt
// time alongside the engine's ledger time.
func FromEngine(evt engine.Event) Event {
	return Event{
		Type:       evt.Type,
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		PolicyID:   evt.PolicyID,
		Payout:     evt.Payout,
		LedgerTime: evt.At,
	}
}

// Ready is the first event written on every subscription.
func Ready() Event {
	return Event{Type: "ready", At: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Hub is a non-blocking fan-out: a slow subscriber drops events instead
// of stalling settlement. Drops are counted per subscriber so the
// metrics snapshot can surface lossy streams.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]*subscriber
}

type subscriber struct {
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]*subscriber{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = &subscriber{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, sub := range h.subs {
		select {
		case ch <- evt:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports events discarded across current subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var total uint64
	for _, sub := range h.subs {
		total += sub.dropped.Load()
	}
	return total
}
