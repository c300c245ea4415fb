package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

func TestLiquidationBroadcaster_FanOut(t *testing.T) {
	b := NewLiquidationBroadcaster(1)
	first := b.Subscribe()
	second := b.Subscribe()
	assert.Equal(t, 2, b.Subscribers())

	ev := Liquidation{Index: 7, Record: domain.LiquidationRecord{ID: "LIQ_1", UserID: "alice"}}
	b.Publish(ev)

	require.Equal(t, ev, <-first)
	require.Equal(t, ev, <-second)

	b.Unsubscribe(first)
	_, open := <-first
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())

	// unsubscribing twice is a no-op
	b.Unsubscribe(first)
}

func TestLiquidationBroadcaster_DropsForSlowReaders(t *testing.T) {
	b := NewLiquidationBroadcaster(1)
	ch := b.Subscribe()

	b.Publish(Liquidation{Index: 1})
	b.Publish(Liquidation{Index: 2})

	assert.Equal(t, uint64(1), (<-ch).Index)
	assert.Equal(t, uint64(1), b.Dropped())
}
