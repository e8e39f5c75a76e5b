package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"CommitLane/internal/logger"
)

const (
	// DefaultSyncInterval is the default interval between WAL syncs.
	DefaultSyncInterval = 100 * time.Millisecond

	// DefaultCacheSize is the default Pebble block cache size.
	DefaultCacheSize = 32 << 20
)

// Config holds the key-value store settings.
type Config struct {
	SyncInterval time.Duration // SyncInterval is the WAL sync period, DefaultSyncInterval when zero
	CacheSize    int64         // CacheSize is the block cache size in bytes, DefaultCacheSize when zero
}

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Batch is a set of writes and deletes applied atomically.
type Batch struct {
	Sets    []KeyValue // Sets are the pairs to write
	Deletes [][]byte   // Deletes are the keys to remove
}

// Storage is a key-value store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk.
type Storage struct {
	db           *pebble.DB     // db is the underlying Pebble database
	syncInterval time.Duration  // syncInterval is the WAL sync period
	stopSync     chan struct{}  // stopSync signals the sync goroutine to stop
	wg           sync.WaitGroup // wg waits for the sync goroutine
}

// New opens a store at path and starts the WAL sync loop.
func New(path string, cfg Config) (*Storage, error) {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}

	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	cache := pebble.NewCache(cfg.CacheSize)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                16 << 20, // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	s := &Storage{
		db:           db,
		syncInterval: cfg.SyncInterval,
		stopSync:     make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get returns the value for key, or nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// value is only valid until closer.Close()
	result := make([]byte, len(value))
	copy(result, value)

	return result, nil
}

// Set stores a key-value pair.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Apply writes b atomically. Either every operation lands or none does.
func (s *Storage) Apply(b Batch) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range b.Sets {
		if err := batch.Set(kv.Key, kv.Value, nil); err != nil {
			return fmt.Errorf("batch set:\n%w", err)
		}
	}

	for _, key := range b.Deletes {
		if err := batch.Delete(key, nil); err != nil {
			return fmt.Errorf("batch delete:\n%w", err)
		}
	}

	return batch.Commit(pebble.NoSync)
}

// IteratePrefix calls fn for each pair whose key starts with prefix, in key order.
// Iteration stops at the first error returned by fn.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound returns the exclusive upper bound of a prefix scan,
// or nil when prefix is all 0xFF.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync loop, syncs once more and closes the database.
func (s *Storage) Close() error {
	close(s.stopSync)
	s.wg.Wait()

	if err := s.sync(); err != nil {
		return fmt.Errorf("final sync:\n%w", err)
	}

	return s.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.syncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.sync(); err != nil {
					logger.Warn("wal sync failed", "error", err)
				}
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
