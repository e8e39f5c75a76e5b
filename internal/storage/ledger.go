package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/klauspost/compress/zstd"

	"CommitLane/internal/ledger"
)

const (
	// compressThreshold is the payload size above which block payloads are zstd-compressed.
	compressThreshold = 1024

	// DefaultBlockCacheSize is the number of recent blocks kept in memory.
	DefaultBlockCacheSize = 1024
)

// ErrHeightRegression is returned when a commit does not extend the stored ledger.
var ErrHeightRegression = errors.New("commit does not advance ledger height")

var (
	blockPrefix  = []byte("b:")
	commitPrefix = []byte("c:")
	latestKey    = []byte("m:latest")
)

// LedgerStore persists committed blocks and their commit certificates.
// Block records are keyed by height, certificates by the height of the block they certify.
type LedgerStore struct {
	db      *Storage      // db is the underlying key-value store
	blocks  *lru.Cache    // blocks caches decoded blocks by height
	encoder *zstd.Encoder // encoder compresses large payloads
	decoder *zstd.Decoder // decoder restores compressed payloads

	mu     sync.Mutex // mu serializes commits
	latest uint64     // latest is the height of the last certified block, 0 when empty
}

// NewLedgerStore creates a ledger over db. cacheSize 0 selects DefaultBlockCacheSize.
func NewLedgerStore(db *Storage, cacheSize int) (*LedgerStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultBlockCacheSize
	}

	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create block cache:\n%w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	s := &LedgerStore{db: db, blocks: cache, encoder: encoder, decoder: decoder}

	raw, err := db.Get(latestKey)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("read latest height:\n%w", err)
	}

	if len(raw) == 8 {
		s.latest = binary.BigEndian.Uint64(raw)
	}

	return s, nil
}

// SaveCommit writes blocks and the certificate of the last one in a single batch.
// Heights must be strictly increasing and above the stored ledger.
func (s *LedgerStore) SaveCommit(blocks []*ledger.Block, commit *ledger.LedgerInfoWithSignatures) error {
	if len(blocks) == 0 || commit == nil {
		return fmt.Errorf("empty commit")
	}

	last := blocks[len(blocks)-1]
	if last.ID != commit.LedgerInfo.CommitInfo.ID {
		return fmt.Errorf("%w: certificate for %s, last block %s",
			ledger.ErrLedgerInfoMismatch, commit.LedgerInfo.CommitInfo.ID.Short(), last.ID.Short())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.latest
	batch := Batch{Sets: make([]KeyValue, 0, len(blocks)+2)}

	for _, b := range blocks {
		if b.Height <= prev {
			return fmt.Errorf("%w: block %s at height %d, ledger at %d", ErrHeightRegression, b.ID.Short(), b.Height, prev)
		}
		prev = b.Height

		batch.Sets = append(batch.Sets, KeyValue{Key: heightKey(blockPrefix, b.Height), Value: s.encodeBlock(b)})
	}

	batch.Sets = append(batch.Sets,
		KeyValue{Key: heightKey(commitPrefix, last.Height), Value: encodeCommit(commit)},
		KeyValue{Key: latestKey, Value: binary.BigEndian.AppendUint64(nil, last.Height)},
	)

	if err := s.db.Apply(batch); err != nil {
		return fmt.Errorf("write commit at height %d:\n%w", last.Height, err)
	}

	s.latest = last.Height

	for _, b := range blocks {
		s.blocks.Add(b.Height, b.Clone())
	}

	return nil
}

// LatestHeight returns the height of the last certified block, 0 when the ledger is empty.
func (s *LedgerStore) LatestHeight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.latest
}

// Block returns the committed block at height, or nil if there is none.
func (s *LedgerStore) Block(height uint64) (*ledger.Block, error) {
	if v, ok := s.blocks.Get(height); ok {
		return v.(*ledger.Block).Clone(), nil
	}

	raw, err := s.db.Get(heightKey(blockPrefix, height))
	if err != nil {
		return nil, fmt.Errorf("read block %d:\n%w", height, err)
	}

	if raw == nil {
		return nil, nil
	}

	b, err := s.decodeBlock(raw)
	if err != nil {
		return nil, fmt.Errorf("decode block %d:\n%w", height, err)
	}

	s.blocks.Add(height, b.Clone())

	return b, nil
}

// Commit returns the certificate stored at height, or nil if none certifies that height.
func (s *LedgerStore) Commit(height uint64) (*ledger.LedgerInfoWithSignatures, error) {
	raw, err := s.db.Get(heightKey(commitPrefix, height))
	if err != nil {
		return nil, fmt.Errorf("read commit %d:\n%w", height, err)
	}

	if raw == nil {
		return nil, nil
	}

	cert, err := decodeCommit(raw)
	if err != nil {
		return nil, fmt.Errorf("decode commit %d:\n%w", height, err)
	}

	return cert, nil
}

// Latest returns the most recent certificate, or nil for an empty ledger.
func (s *LedgerStore) Latest() (*ledger.LedgerInfoWithSignatures, error) {
	height := s.LatestHeight()
	if height == 0 {
		return nil, nil
	}

	return s.Commit(height)
}

// Commits calls fn for every stored certificate in height order.
func (s *LedgerStore) Commits(fn func(cert *ledger.LedgerInfoWithSignatures) error) error {
	return s.db.IteratePrefix(commitPrefix, func(key, value []byte) error {
		cert, err := decodeCommit(value)
		if err != nil {
			return fmt.Errorf("decode commit at key %x:\n%w", key, err)
		}

		return fn(cert)
	})
}

// Prune removes blocks and certificates below height. The latest commit is always kept.
func (s *LedgerStore) Prune(height uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if height > s.latest {
		height = s.latest
	}

	var batch Batch

	for _, prefix := range [][]byte{blockPrefix, commitPrefix} {
		end := heightKey(prefix, height)

		err := s.db.IteratePrefix(prefix, func(key, _ []byte) error {
			if string(key) >= string(end) {
				return errStopIteration
			}

			batch.Deletes = append(batch.Deletes, append([]byte(nil), key...))

			return nil
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			return 0, fmt.Errorf("scan %s:\n%w", prefix, err)
		}
	}

	if len(batch.Deletes) == 0 {
		return 0, nil
	}

	if err := s.db.Apply(batch); err != nil {
		return 0, fmt.Errorf("prune below %d:\n%w", height, err)
	}

	for h := range s.prunedHeights(batch.Deletes) {
		s.blocks.Remove(h)
	}

	return len(batch.Deletes), nil
}

// Close releases the codec resources. The underlying Storage is closed by its owner.
func (s *LedgerStore) Close() {
	s.encoder.Close()
	s.decoder.Close()
}

// errStopIteration ends a prefix scan early.
var errStopIteration = errors.New("stop iteration")

// prunedHeights returns the block heights among deleted keys.
func (s *LedgerStore) prunedHeights(keys [][]byte) map[uint64]struct{} {
	heights := make(map[uint64]struct{})

	for _, k := range keys {
		if len(k) == len(blockPrefix)+8 && string(k[:len(blockPrefix)]) == string(blockPrefix) {
			heights[binary.BigEndian.Uint64(k[len(blockPrefix):])] = struct{}{}
		}
	}

	return heights
}

// heightKey builds prefix || big-endian height, so keys sort by height.
func heightKey(prefix []byte, height uint64) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)

	return binary.BigEndian.AppendUint64(key, height)
}
