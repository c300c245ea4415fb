// Package liquidations keeps the append-only liquidation log in a WAL.
package liquidations

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

const (
	defaultLogDir     = "./wal/liquidations"
	logSegmentLimit   = 1000
	logMaxSegments    = 100
	walDirPermissions = 0o755
	recordKeyPrefix   = "liquidation_"
)

// Entry liquidation record with its position in the log.
type Entry struct {
	Index  uint64                   `json:"index"`
	Record domain.LiquidationRecord `json:"record"`
}

// WALStore appends liquidation records and streams them back by index.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewWALStore opens or creates the liquidation log under dir.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultLogDir
	}
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure liquidation log directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "liq_",
		SegmentThreshold: logSegmentLimit,
		MaxSegments:      logMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init liquidation WAL")
	}

	return &WALStore{wal: wal}, nil
}

// Append writes the record and returns its index.
func (s *WALStore) Append(rec domain.LiquidationRecord) (uint64, error) {
	if s == nil || s.wal == nil {
		return 0, errors.New("liquidation store is not initialized")
	}
	if rec.ID == "" {
		return 0, errors.New("liquidation record id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	payload, err := json.Marshal(Entry{Index: nextIndex, Record: rec})
	if err != nil {
		return 0, errors.Wrap(err, "marshal liquidation record")
	}
	if err := s.wal.Write(nextIndex, recordKeyPrefix+rec.ID, payload); err != nil {
		return 0, errors.Wrap(err, "write liquidation record")
	}

	return nextIndex, nil
}

// After returns records written after the provided index, oldest first.
func (s *WALStore) After(index uint64) ([]Entry, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("liquidation store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.wal.CurrentIndex() <= index {
		return nil, nil
	}

	var entries []Entry
	for msg := range s.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, recordKeyPrefix) {
			continue
		}
		var e Entry
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			return nil, errors.Wrapf(err, "decode liquidation record %s", msg.Key)
		}
		if e.Index > index {
			entries = append(entries, e)
		}
	}

	return entries, nil
}

// All returns every record in the log.
func (s *WALStore) All() ([]domain.LiquidationRecord, error) {
	entries, err := s.After(0)
	if err != nil {
		return nil, err
	}

	records := make([]domain.LiquidationRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, e.Record)
	}
	return records, nil
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
		return errors.New("liquidation store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
