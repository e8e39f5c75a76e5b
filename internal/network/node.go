package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"CommitLane/internal/logger"
)

const (
	// defaultReconnectDelay is the first backoff step when redialing a validator.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay caps the redial backoff.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN identifier of the commit protocol.
	alpnProtocol = "commitlane/1"
)

// ErrUnauthorizedPeer is returned when a peer's key is rejected by Config.Authorize.
var ErrUnauthorizedPeer = errors.New("unauthorized peer")

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey           // PrivateKey is the validator's identity key
	ListenAddr     string                       // ListenAddr is the QUIC listen address (e.g. ":9000")
	ReconnectDelay time.Duration                // ReconnectDelay is the first redial backoff step
	DedupTTL       time.Duration                // DedupTTL is how long identical messages are suppressed
	Authorize      func(ed25519.PublicKey) bool // Authorize admits peers by key, nil admits everyone
}

// handlers is an immutable set of event callbacks, swapped as a whole on update.
type handlers struct {
	connect    func(*Peer)
	message    func(*Peer, []byte)
	disconnect func(*Peer)
}

// Node is the QUIC endpoint a validator uses to exchange commit votes and decisions.
type Node struct {
	publicKey ed25519.PublicKey
	addr      string
	authorize func(ed25519.PublicKey) bool
	backoff   time.Duration

	tls  *tls.Config
	quic *quic.Config

	listener *quic.Listener
	peers    *directory
	dedup    *Dedup
	events   atomic.Pointer[handlers]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNode creates a node. Call Start to begin accepting validators.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	n := &Node{
		publicKey: cfg.PrivateKey.Public().(ed25519.PublicKey),
		addr:      cfg.ListenAddr,
		authorize: cfg.Authorize,
		backoff:   cfg.ReconnectDelay,
		tls: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			ClientAuth:         tls.RequireAnyClientCert,
			InsecureSkipVerify: true, // identity is the certificate key, checked in admit
			NextProtos:         []string{alpnProtocol},
		},
		quic: &quic.Config{
			HandshakeIdleTimeout: 2 * time.Second,
			MaxIdleTimeout:       30 * time.Second,
			KeepAlivePeriod:      10 * time.Second,
		},
		peers: newDirectory(),
		dedup: NewDedup(cfg.DedupTTL),
	}

	if n.backoff <= 0 {
		n.backoff = defaultReconnectDelay
	}

	n.events.Store(&handlers{})
	n.ctx, n.cancel = context.WithCancel(context.Background())

	return n, nil
}

// PublicKey returns the validator's identity key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the bound listen address, or "" before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start binds the listener and accepts connections in the background.
func (n *Node) Start() error {
	ln, err := quic.ListenAddr(n.addr, n.tls, n.quic)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = ln
	n.spawn(n.acceptLoop)

	logger.Info("network listening", "addr", ln.Addr().String(), "key", fmt.Sprintf("%x", n.publicKey[:4]))

	return nil
}

// Connect dials addr and registers the remote validator.
// The address is remembered so the connection is re-established if it drops.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tls, n.quic)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	p, err := n.admit(conn, addr, true)
	if err != nil {
		conn.CloseWithError(1, "rejected")
		return nil, err
	}

	return p, nil
}

// KeepConnected dials addr in the background until the first connection succeeds.
func (n *Node) KeepConnected(addr string) {
	n.spawn(func() {
		n.redial(func() (string, bool) { return addr, true })
	})
}

// Broadcast sends data to every connected validator in parallel.
// The returned error joins every per-peer failure.
func (n *Node) Broadcast(data []byte) error {
	peers := n.peers.list()
	errs := make([]error, len(peers))

	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := p.Send(data); err != nil {
				errs[i] = fmt.Errorf("peer %s:\n%w", p.Address(), err)
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Peers returns the connected validators.
func (n *Node) Peers() []*Peer {
	return n.peers.list()
}

// PeerCount returns the number of connected validators.
func (n *Node) PeerCount() int {
	return n.peers.len()
}

// GetPeer returns the connection to the validator with pub, or nil.
func (n *Node) GetPeer(pub ed25519.PublicKey) *Peer {
	return n.peers.get(keyOf(pub))
}

// OnConnect sets the callback run when a validator connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.update(func(h *handlers) { h.connect = fn })
}

// OnMessage sets the callback run for every non-duplicate message.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.update(func(h *handlers) { h.message = fn })
}

// OnDisconnect sets the callback run when a validator connection ends.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.update(func(h *handlers) { h.disconnect = fn })
}

// Close stops accepting, closes every connection and waits for the node's goroutines.
// Safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()

		if n.listener != nil {
			n.listener.Close()
		}

		for _, p := range n.peers.drain() {
			p.Close()
		}

		n.wg.Wait()
		n.dedup.Close()
	})

	return nil
}

// update replaces the handler set with a modified copy.
func (n *Node) update(change func(*handlers)) {
	for {
		cur := n.events.Load()
		next := *cur
		change(&next)

		if n.events.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// spawn runs fn on a goroutine tracked by Close.
func (n *Node) spawn(fn func()) {
	n.wg.Add(1)

	go func() {
		defer n.wg.Done()
		fn()
	}()
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		n.spawn(func() {
			p, err := n.admit(conn, conn.RemoteAddr().String(), false)
			if err != nil {
				logger.Debug("rejecting inbound connection", "addr", conn.RemoteAddr().String(), "error", err)
				conn.CloseWithError(1, "rejected")
				return
			}

			if fn := n.events.Load().connect; fn != nil {
				fn(p)
			}
		})
	}
}

// admit authenticates conn by its certificate key and registers it as the validator's
// live connection, closing any connection it replaces.
func (n *Node) admit(conn *quic.Conn, addr string, dialed bool) (*Peer, error) {
	if n.ctx.Err() != nil {
		return nil, fmt.Errorf("node closed")
	}

	pub, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	if n.authorize != nil && !n.authorize(pub) {
		return nil, fmt.Errorf("%w: %x", ErrUnauthorizedPeer, pub[:8])
	}

	p := &Peer{key: keyOf(pub), pub: pub, addr: addr, conn: conn, node: n}

	var redialAt string
	if dialed {
		redialAt = addr
	}

	if old := n.peers.add(p, redialAt); old != nil {
		old.closed.Store(true)
		old.conn.CloseWithError(0, "replaced")
	}

	n.spawn(p.receiveLoop)

	return p, nil
}

// dropped unregisters p and redials it when we reached it by address.
func (n *Node) dropped(p *Peer) {
	addr := n.peers.remove(p)

	if fn := n.events.Load().disconnect; fn != nil {
		fn(p)
	}

	if addr == "" || n.ctx.Err() != nil {
		return
	}

	n.spawn(func() {
		n.redial(func() (string, bool) {
			if n.peers.has(p.key) {
				return "", false
			}

			n.peers.mu.RLock()
			defer n.peers.mu.RUnlock()

			return n.peers.dialed[p.key], true
		})
	})
}

// redial dials the address produced by target with doubling backoff.
// target is consulted before every attempt and stops the loop by returning false.
func (n *Node) redial(target func() (string, bool)) {
	delay := n.backoff
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-timer.C:
		}

		addr, ok := target()
		if !ok {
			return
		}

		p, err := n.Connect(addr)
		if err == nil {
			logger.Debug("peer connected", "addr", addr)

			if fn := n.events.Load().connect; fn != nil {
				fn(p)
			}

			return
		}

		logger.Debug("dial failed", "addr", addr, "retry", delay, "error", err)

		timer.Reset(delay)
		delay = min(delay*2, maxReconnectDelay)
	}
}
