package network

import (
	"crypto/ed25519"
	"sync"
)

// peerKey is a validator's ed25519 public key in comparable form.
type peerKey [ed25519.PublicKeySize]byte

// keyOf converts a public key into a map key.
func keyOf(pub ed25519.PublicKey) (k peerKey) {
	copy(k[:], pub)
	return k
}

// directory tracks live peers and the addresses we dialed them at.
// Only dialed addresses are kept, inbound peers redial us themselves.
type directory struct {
	mu     sync.RWMutex
	live   map[peerKey]*Peer  // live holds the current connection per validator
	dialed map[peerKey]string // dialed holds the address used to reach each validator
}

func newDirectory() *directory {
	return &directory{
		live:   make(map[peerKey]*Peer),
		dialed: make(map[peerKey]string),
	}
}

// add registers p and returns the connection it replaces, if any.
func (d *directory) add(p *Peer, dialedAddr string) *Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.live[p.key]
	d.live[p.key] = p

	if dialedAddr != "" {
		d.dialed[p.key] = dialedAddr
	}

	return old
}

// remove drops p if it is still the live connection for its key.
// It returns the dialed address to reconnect to, or "" when none is known.
func (d *directory) remove(p *Peer) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.live[p.key] == p {
		delete(d.live, p.key)
	}

	return d.dialed[p.key]
}

func (d *directory) get(k peerKey) *Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.live[k]
}

func (d *directory) has(k peerKey) bool {
	return d.get(k) != nil
}

func (d *directory) list() []*Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Peer, 0, len(d.live))
	for _, p := range d.live {
		out = append(out, p)
	}

	return out
}

func (d *directory) len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return len(d.live)
}

// drain empties the directory and returns the connections it held.
func (d *directory) drain() []*Peer {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*Peer, 0, len(d.live))
	for _, p := range d.live {
		out = append(out, p)
	}

	d.live = make(map[peerKey]*Peer)

	return out
}
