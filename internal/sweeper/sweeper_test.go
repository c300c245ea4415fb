package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

type fakeEngine struct {
	mu         sync.Mutex
	users      []string
	checked    []string
	underwater map[string]bool
	failing    map[string]bool
	block     chan struct{}
	entered   chan struct{}
	awarded     int
	checkpoints int
}

func (f *fakeEngine) Assets() []string        { return []string{"BTC", "USDC"} }
func (f *fakeEngine) BorrowerUsers() []string { return f.users }

func (f *fakeEngine) CheckAndLiquidate(_ context.Context, userID string) (domain.LiquidationCheck, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append(f.checked, userID)

	check := domain.LiquidationCheck{UserID: userID}
	if f.failing[userID] {
		return check, domain.OracleUnavailableError("BTC")
	}
	if f.underwater[userID] {
		check.NeedsLiquidation = true
		check.Liquidations = []domain.LiquidationRecord{{ID: "LIQ_" + userID, UserID: userID}}
	}
	return check, nil
}

func (f *fakeEngine) AwardAccountAge(context.Context) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awarded++
	return 0
}

func (f *fakeEngine) Checkpoint() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints++
	return nil
}

type fakeRefresher struct {
	mu     sync.Mutex
	assets [][]string
}

func (r *fakeRefresher) Refresh(_ context.Context, assets []string) map[string]domain.Price {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets = append(r.assets, assets)
	return nil
}

type sweepRecorder struct {
	users int
}

func (r *sweepRecorder) ObserveSweep(_ time.Duration, users int) { r.users += users }

func TestSweeper_Sweep(t *testing.T) {
	engine := &fakeEngine{
		users:      []string{"alice", "bob", "carol"},
		underwater: map[string]bool{"bob": true},
		failing:    map[string]bool{"carol": true},
	}
	refresher := &fakeRefresher{}
	rec := &sweepRecorder{}
	s := New(Config{Workers: 2}, engine, refresher, rec, nil)

	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Users)
	assert.Equal(t, 1, res.Liquidated)
	assert.Equal(t, 1, res.Failed)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, engine.checked)
	require.Len(t, refresher.assets, 1)
	assert.Equal(t, []string{"BTC", "USDC"}, refresher.assets[0])
	assert.Equal(t, 3, rec.users)
}

func TestSweeper_RejectsOverlappingSweeps(t *testing.T) {
	engine := &fakeEngine{
		users:   []string{"alice"},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	s := New(Config{Workers: 1}, engine, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.Sweep(context.Background())
		done <- err
	}()
	<-engine.entered

	_, err := s.Sweep(context.Background())
	assert.True(t, errors.Is(err, ErrSweepInProgress))

	close(engine.block)
	require.NoError(t, <-done)

	// the guard is released once the sweep finishes
	engine.entered = nil
	_, err = s.Sweep(context.Background())
	assert.NoError(t, err)
}

func TestSweeper_CancelledContextSkipsUsers(t *testing.T) {
	engine := &fakeEngine{users: []string{"alice", "bob"}}
	s := New(Config{}, engine, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Users)
	assert.Empty(t, engine.checked)
}

func TestSweeper_RunRejectsBadSpec(t *testing.T) {
	s := New(Config{SweepSpec: "every now and then"}, &fakeEngine{}, nil, nil, nil)
	assert.Error(t, s.Run(context.Background()))
}

func TestSweeper_RunStopsWithContext(t *testing.T) {
	engine := &fakeEngine{}
	s := New(Config{SweepSpec: "@every 1s", AgeSpec: "-", CheckpointSpec: "-"}, engine, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, s.Run(ctx))
	assert.Equal(t, 0, engine.awarded)
}
