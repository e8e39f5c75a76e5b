package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"CommitLane/internal/logger"
)

// sendTimeout bounds opening a stream to a slow validator.
const sendTimeout = 5 * time.Second

// ErrPeerClosed is returned when sending to a closed peer.
var ErrPeerClosed = errors.New("peer is closed")

// Peer is an authenticated connection to another validator.
// Every message travels on its own unidirectional stream.
type Peer struct {
	key    peerKey
	pub    ed25519.PublicKey
	addr   string
	conn   *quic.Conn
	node   *Node
	closed atomic.Bool
	sendMu sync.Mutex // one stream open at a time
}

// PublicKey returns the validator's identity key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.pub
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.addr
}

// Send delivers one framed message.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(p.node.ctx, sendTimeout)
	defer cancel()

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write message:\n%w", err)
	}

	return stream.Close()
}

// Close closes the connection without triggering a redial.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop reads streams until the connection ends, then reports the drop to the node.
func (p *Peer) receiveLoop() {
	var received int

	for {
		stream, err := p.conn.AcceptUniStream(p.node.ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.addr, "streams", received, "error", err)
			break
		}

		received++
		p.node.spawn(func() { p.deliver(stream) })
	}

	if !p.closed.Swap(true) {
		p.node.dropped(p)
	}
}

// deliver reads one message and passes it on unless it is a recent duplicate.
func (p *Peer) deliver(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.addr, "error", err)
		return
	}

	if !p.node.dedup.Check(data) {
		return
	}

	if fn := p.node.events.Load().message; fn != nil {
		fn(p, data)
	}
}
