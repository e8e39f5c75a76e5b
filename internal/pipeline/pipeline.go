package pipeline

import (
	"context"
	"errors"
	"sync"

	"CommitLane/internal/aggregation"
)

// ErrStopped is returned when the manager loop is no longer running.
var ErrStopped = errors.New("pipeline stopped")

// Pipeline runs the buffer manager and its execution, signing and persisting phases.
type Pipeline struct {
	ch      *Channels // ch connects the manager and its phases
	manager *Manager  // manager is the buffer manager

	cancel    context.CancelFunc // cancel stops the manager loop
	stop      chan struct{}      // stop ends the phase workers
	done      chan struct{}      // done is closed when the manager loop returns
	wg        sync.WaitGroup     // wg waits for all goroutines
	closeOnce sync.Once          // closeOnce guards Close
}

// New creates a pipeline over ch and starts its goroutines.
// Options configure the buffer manager.
func New(cfg Config, ch *Channels, verifier *aggregation.ValidatorVerifier, executor Executor, signer Signer, store CommitStore, opts ...Option) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		ch:      ch,
		manager: NewManager(cfg, verifier, ch, opts...),
		cancel:  cancel,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	execution := NewExecutionPhase(executor, ch.ExecutionRequests, ch.ExecutionResponses)
	signing := NewSigningPhase(signer, verifier, ch.SigningRequests, ch.SigningResponses)
	persisting := NewPersistingPhase(store, ch.PersistingRequests)

	p.wg.Add(4)

	go func() {
		defer p.wg.Done()
		defer close(p.done)
		p.manager.Run(ctx)
	}()

	go func() {
		defer p.wg.Done()
		execution.Run(p.stop)
	}()

	go func() {
		defer p.wg.Done()
		signing.Run(p.stop)
	}()

	go func() {
		defer p.wg.Done()
		persisting.Run(p.stop)
	}()

	return p
}

// Submit queues an ordered batch. It never blocks.
func (p *Pipeline) Submit(b OrderedBlocks) {
	p.ch.Blocks.Push(b)
}

// HandleMessage decodes a commit message received from the network and queues it.
func (p *Pipeline) HandleMessage(data []byte) error {
	msg, err := DecodeCommitMessage(data)
	if err != nil {
		return err
	}

	p.ch.CommitMessages.Push(msg)

	return nil
}

// Reset empties the buffer and waits for the manager's acknowledgement.
// With reconfig set the manager loop stops after acknowledging.
func (p *Pipeline) Reset(ctx context.Context, reconfig bool) error {
	ack := make(chan struct{})
	p.ch.Resets.Push(ResetRequest{Ack: ack, Reconfig: reconfig})

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		select {
		case <-ack:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Done is closed when the manager loop has returned.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// BufferLen returns the number of in-flight batches.
func (p *Pipeline) BufferLen() int {
	return p.manager.BufferLen()
}

// Close stops every goroutine and waits for them. Pending requests are dropped.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		close(p.stop)
		p.wg.Wait()
	})
}
