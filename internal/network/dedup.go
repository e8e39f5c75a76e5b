package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// DefaultDedupTTL suppresses copies of one delivery but lets the
	// commit-vote retry, which fires every second, through.
	DefaultDedupTTL = 500 * time.Millisecond

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = 1 * time.Second
)

// Dedup tracks recently seen messages by BLAKE3 digest and expires them after a TTL.
type Dedup struct {
	seen map[[32]byte]int64 // seen maps message hash to first-seen time (unix nano)
	mu   sync.Mutex         // mu protects the seen map
	ttl  int64              // ttl in nanoseconds
	stop chan struct{}      // stop signals the cleanup goroutine to stop
	wg   sync.WaitGroup     // wg waits for the cleanup goroutine
}

// NewDedup creates a tracker. ttl 0 selects DefaultDedupTTL.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]int64),
		ttl:  int64(ttl),
		stop: make(chan struct{}),
	}

	d.startCleanup()

	return d
}

// Check reports whether data was not seen within the TTL, and records it.
func (d *Dedup) Check(data []byte) bool {
	return d.checkAt(blake3.Sum256(data), time.Now().UnixNano())
}

func (d *Dedup) checkAt(hash [32]byte, now int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[hash]; ok && now-ts < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Len returns the number of tracked digests.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

// startCleanup starts the background cleanup goroutine.
func (d *Dedup) startCleanup() {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.cleanup(time.Now().UnixNano())
			case <-d.stop:
				return
			}
		}
	}()
}

// cleanup removes entries older than the TTL.
func (d *Dedup) cleanup(now int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now-ts >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
