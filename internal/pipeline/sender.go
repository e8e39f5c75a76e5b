package pipeline

import (
	"sync"

	"CommitLane/internal/ledger"
	"CommitLane/internal/logger"
)

// Broadcaster sends raw messages to every connected peer.
type Broadcaster interface {
	Broadcast(data []byte) error
}

// NetworkSender broadcasts encoded commit messages to peers from its own goroutine
// and loops each message back to the local manager, which counts its own vote like any peer's.
type NetworkSender struct {
	network  Broadcaster           // network reaches the other validators
	loopback *Queue[CommitMessage] // loopback is the local manager's commit message queue
	outbound *Queue[[]byte]        // outbound holds encoded messages not yet sent

	stop chan struct{}  // stop ends the send loop
	wg   sync.WaitGroup // wg waits for the send loop
}

// NewNetworkSender creates a sender and starts its send loop.
func NewNetworkSender(network Broadcaster, loopback *Queue[CommitMessage]) *NetworkSender {
	s := &NetworkSender{
		network:  network,
		loopback: loopback,
		outbound: NewQueue[[]byte](),
		stop:     make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runWorker(s.stop, s.outbound, s.send)
	}()

	return s
}

// BroadcastVote queues vote for every peer and delivers it locally.
func (s *NetworkSender) BroadcastVote(vote *ledger.CommitVote) {
	s.outbound.Push(EncodeCommitVote(vote))

	if s.loopback != nil {
		s.loopback.Push(CommitMessage{Vote: vote})
	}
}

// BroadcastDecision queues decision for every peer and delivers it locally.
func (s *NetworkSender) BroadcastDecision(decision *ledger.CommitDecision) {
	s.outbound.Push(EncodeCommitDecision(decision))

	if s.loopback != nil {
		s.loopback.Push(CommitMessage{Decision: decision})
	}
}

// Close stops the send loop. Queued messages are dropped.
func (s *NetworkSender) Close() {
	close(s.stop)
	s.wg.Wait()
}

// send writes one message to the network.
func (s *NetworkSender) send(data []byte) {
	if err := s.network.Broadcast(data); err != nil {
		logger.Debug("commit broadcast incomplete", "bytes", len(data), "error", err)
	}
}
