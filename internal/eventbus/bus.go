package eventbus

import (
	"sync"
	"time"
)

// FeeEvent is published once per newly indexed transaction fee.
type FeeEvent struct {
	TxHash      string    `json:"txn_hash"`
	BlockNumber uint64    `json:"block_number"`
	Fee         float64   `json:"fee_usd"`
	Timestamp   time.Time `json:"timestamp"`
}

// Bus fans fee events out to subscribers over Go channels. Safe for
// concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan<- FeeEvent
	closed      bool
}

func New() *Bus {
	return &Bus{}
}

// Subscribe registers a channel to receive every published fee event.
// The caller chooses the buffer size; slow subscribers have events dropped.
func (b *Bus) Subscribe(ch chan<- FeeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, ch)
}

// Publish delivers evt to all subscribers. If a subscriber's channel is
// full the event is dropped for that subscriber. No-op after Close.
func (b *Bus) Publish(evt FeeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// drop if subscriber is slow
		}
	}
}

// Close marks the bus as closed. Subscriber channels are not closed;
// that is the caller's responsibility.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
