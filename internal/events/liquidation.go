package events

import (
	"sync"
	"sync/atomic"

	"github.com/vadiminshakov/lendingd/internal/domain"
)

// Liquidation is published once per liquidated loan after the record is persisted.
type Liquidation struct {
	// Index position in the liquidation log, zero when the log is disabled.
	Index  uint64                   `json:"index"`
	Record domain.LiquidationRecord `json:"record"`
}

// LiquidationBroadcaster fans out liquidation events to all subscribers via buffered channels.
type LiquidationBroadcaster struct {
	mu      sync.RWMutex
	subs    map[chan Liquidation]struct{}
	buffer  int
	dropped atomic.Uint64
}

// NewLiquidationBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewLiquidationBroadcaster(buffer int) *LiquidationBroadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &LiquidationBroadcaster{
		subs:   make(map[chan Liquidation]struct{}),
		buffer: buffer,
	}
}

// Publish sends the event to all subscribers, dropping it for slow readers.
func (b *LiquidationBroadcaster) Publish(ev Liquidation) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped number of deliveries skipped because a subscriber was full.
func (b *LiquidationBroadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribe returns a channel that receives events until Unsubscribe is called.
func (b *LiquidationBroadcaster) Subscribe() chan Liquidation {
	ch := make(chan Liquidation, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *LiquidationBroadcaster) Unsubscribe(ch chan Liquidation) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers number of active subscribers.
func (b *LiquidationBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
