// Package journal persists engine state to a WAL so a restart resumes from the last
// committed operation.
package journal

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"github.com/vadiminshakov/lendingd/internal/services/pool"
)

const (
	defaultJournalDir   = "./wal/journal"
	journalSegmentLimit = 1000
	journalMaxSegments  = 100
	walDirPermissions   = 0o755

	userKeyPrefix = "user_"
	poolsKey      = "pools"
)

// UserState everything the engine holds for one user after an operation.
type UserState struct {
	UserID     string                     `json:"user_id"`
	Collateral map[string]decimal.Decimal `json:"collateral"`
	Loans      []*domain.Loan             `json:"loans"`
	Credit     *domain.CreditProfile      `json:"credit,omitempty"`
	SavedAt    time.Time                  `json:"saved_at"`
}

// State latest persisted state of every user and of the pools.
type State struct {
	Users map[string]UserState
	Pools []pool.State
}

// Config WAL layout. Zero values fall back to defaults.
type Config struct {
	Dir              string
	SegmentThreshold int
	MaxSegments      int
}

// WALStore journals user and pool snapshots. The latest entry per key wins on load.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore opens or creates the journal.
func NewWALStore(cfg Config) (*WALStore, error) {
	if cfg.Dir == "" {
		cfg.Dir = defaultJournalDir
	}
	if cfg.SegmentThreshold <= 0 {
		cfg.SegmentThreshold = journalSegmentLimit
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = journalMaxSegments
	}
	if err := os.MkdirAll(cfg.Dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure journal directory %s", cfg.Dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              cfg.Dir,
		Prefix:           "journal_",
		SegmentThreshold: cfg.SegmentThreshold,
		MaxSegments:      cfg.MaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init journal WAL")
	}

	return &WALStore{wal: wal}, nil
}

// SaveUser appends the user's state.
func (s *WALStore) SaveUser(state UserState) error {
	if state.UserID == "" {
		return errors.New("journal user id is required")
	}
	return s.write(userKeyPrefix+state.UserID, state)
}

// SavePools appends the pool balances.
func (s *WALStore) SavePools(pools []pool.State) error {
	return s.write(poolsKey, pools)
}

func (s *WALStore) write(key string, v any) error {
	if s == nil || s.wal == nil {
		return errors.New("journal is not initialized")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal journal entry %s", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return errors.Wrapf(s.wal.Write(nextIndex, key, payload), "write journal entry %s", key)
}

// Load replays the journal. A corrupt entry fails the load.
func (s *WALStore) Load() (State, error) {
	state := State{Users: make(map[string]UserState)}
	if s == nil || s.wal == nil {
		return state, errors.New("journal is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for msg := range s.wal.Iterator() {
		switch {
		case msg.Key == poolsKey:
			var pools []pool.State
			if err := json.Unmarshal(msg.Value, &pools); err != nil {
				return state, errors.Wrap(err, "decode pools entry")
			}
			state.Pools = pools
		case strings.HasPrefix(msg.Key, userKeyPrefix):
			var user UserState
			if err := json.Unmarshal(msg.Value, &user); err != nil {
				return state, errors.Wrapf(err, "decode journal entry %s", msg.Key)
			}
			state.Users[user.UserID] = user
		}
	}

	return state, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("journal is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
