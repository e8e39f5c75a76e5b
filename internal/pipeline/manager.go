package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"CommitLane/internal/aggregation"
	"CommitLane/internal/buffer"
	"CommitLane/internal/ledger"
	"CommitLane/internal/logger"
)

// DefaultRetryInterval is the period between commit-vote re-broadcast sweeps.
const DefaultRetryInterval = 1000 * time.Millisecond

// Config holds the manager settings.
type Config struct {
	Author        ledger.Author // Author is this validator's identity
	RetryInterval time.Duration // RetryInterval is the re-broadcast period, DefaultRetryInterval when zero
}

// Option configures the manager during creation.
type Option func(*Manager)

// WithMetrics reports pipeline activity to m.
func WithMetrics(m *Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithCommitSender sets the broadcaster for commit votes and decisions.
func WithCommitSender(s CommitSender) Option {
	return func(mgr *Manager) {
		mgr.sender = s
	}
}

// discardSender drops every message. Used when no network is configured.
type discardSender struct{}

func (discardSender) BroadcastVote(*ledger.CommitVote)         {}
func (discardSender) BroadcastDecision(*ledger.CommitDecision) {}

// Manager owns the commit buffer and drives items through execution, signing,
// aggregation and persistence. All state is confined to the goroutine running Run.
type Manager struct {
	author   ledger.Author                  // author is this validator's identity
	verifier *aggregation.ValidatorVerifier // verifier checks votes and certificates

	buffer        *buffer.List[*buffer.Item] // buffer holds in-flight items in commit order
	executionRoot buffer.Cursor              // executionRoot is the Ordered item under execution
	signingRoot   buffer.Cursor              // signingRoot is the Executed item being signed
	resign        bool                       // resign asks for a new signature for signingRoot on the next tick
	epochEnds     bool                       // epochEnds stops Run after a reconfiguration reset

	ch            *Channels     // ch are the input and phase queues
	sender        CommitSender  // sender broadcasts votes and decisions
	metrics       *Metrics      // metrics receives counters and gauges
	retryInterval time.Duration // retryInterval is the re-broadcast period

	items atomic.Int64 // items mirrors the buffer length for readers outside the loop
}

// NewManager creates a buffer manager reading from and writing to ch.
func NewManager(cfg Config, verifier *aggregation.ValidatorVerifier, ch *Channels, opts ...Option) *Manager {
	m := &Manager{
		author:        cfg.Author,
		verifier:      verifier,
		buffer:        buffer.NewList[*buffer.Item](),
		ch:            ch,
		sender:        discardSender{},
		retryInterval: cfg.RetryInterval,
	}

	if m.retryInterval <= 0 {
		m.retryInterval = DefaultRetryInterval
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.metrics == nil {
		m.metrics, _ = NewMetrics(nil)
	}

	return m
}

// BufferLen returns the number of items in the buffer. Safe to call from any goroutine.
func (m *Manager) BufferLen() int {
	return int(m.items.Load())
}

// Run processes one event at a time until ctx is cancelled or a reconfiguration reset is acknowledged.
func (m *Manager) Run(ctx context.Context) {
	logger.Info("buffer manager started", "author", m.author.Short(), "retry", m.retryInterval)

	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()

	for !m.epochEnds {
		select {
		case <-ctx.Done():
			logger.Info("buffer manager stopped", "reason", ctx.Err())
			return

		case <-m.ch.Blocks.Signal():
			if b, ok := m.ch.Blocks.Pop(); ok {
				m.onOrderedBlocks(b)
			}

		case <-m.ch.Resets.Signal():
			if r, ok := m.ch.Resets.Pop(); ok {
				m.onReset(r)
			}

		case <-m.ch.ExecutionResponses.Signal():
			if r, ok := m.ch.ExecutionResponses.Pop(); ok {
				m.onExecutionResponse(r)
			}

		case <-m.ch.SigningResponses.Signal():
			if r, ok := m.ch.SigningResponses.Pop(); ok {
				m.onSigningResponse(r)
			}

		case <-m.ch.CommitMessages.Signal():
			if msg, ok := m.ch.CommitMessages.Pop(); ok {
				m.onCommitMessage(msg)
			}

		case <-ticker.C:
			m.onRetryTick()
		}
	}

	logger.Info("buffer manager stopped", "reason", "epoch ended")
}

// onOrderedBlocks appends a new batch and starts its execution if nothing is executing.
func (m *Manager) onOrderedBlocks(b OrderedBlocks) {
	if len(b.Blocks) == 0 {
		logger.Warn("dropping empty ordered batch")
		return
	}

	item := buffer.NewOrdered(b.Blocks, b.OrderedProof, b.Callback)
	m.buffer.PushBack(item)
	m.updateBufferLen()

	logger.Debug("ordered batch received", "block", item.ID().Short(), "blocks", len(b.Blocks))

	if !m.buffer.Valid(m.executionRoot) {
		m.advanceExecutionRoot()
	}
}

// onReset drops every item and both roots, then acknowledges.
// In-flight phase requests are abandoned; their responses no longer match any item.
func (m *Manager) onReset(r ResetRequest) {
	dropped := m.buffer.Len()

	m.buffer.Reset()
	m.executionRoot = buffer.Cursor{}
	m.signingRoot = buffer.Cursor{}
	m.resign = false
	m.epochEnds = r.Reconfig
	m.updateBufferLen()
	m.metrics.Resets.Inc()

	logger.Info("buffer reset", "dropped", dropped, "reconfig", r.Reconfig)

	if r.Ack != nil {
		close(r.Ack)
	}
}

// onExecutionResponse moves the executed item to Executed, or straight to Aggregated
// when a decision for it arrived earlier.
func (m *Manager) onExecutionResponse(r ExecutionResponse) {
	if r.Err != nil {
		m.fatal("execution failed: %v", r.Err)
	}

	if len(r.Blocks) == 0 {
		m.fatal("execution returned no blocks")
	}

	id := r.Blocks[len(r.Blocks)-1].ID

	c := m.buffer.Find(m.executionRoot, hasID(id))
	if c.IsZero() {
		logger.Debug("ignoring stale execution response", "block", id.Short())
		return
	}

	item, _ := m.buffer.Take(c)
	if !item.IsOrdered() {
		m.buffer.Set(c, item)
		logger.Debug("ignoring duplicate execution response", "block", id.Short(), "state", item.State())
		return
	}

	next, err := item.AdvanceToExecuted(r.Blocks)
	if err != nil {
		m.buffer.Set(c, item)
		m.fatal("apply execution result for %s: %v", id.Short(), err)
	}

	m.buffer.Set(c, next)

	logger.Debug("batch executed", "block", id.Short(), "state", next.State())

	if next.IsAggregated() {
		m.metrics.Decisions.WithLabelValues(resultAccepted).Inc()
		m.advanceHead(id)
	}

	m.advanceExecutionRoot()

	if !m.buffer.Valid(m.signingRoot) {
		m.advanceSigningRoot()
	}
}

// onSigningResponse moves the signing root to Signed and broadcasts its commit vote.
// Failures leave the item Executed and schedule a new signing request on the next tick.
func (m *Manager) onSigningResponse(r SigningResponse) {
	id := r.CommitLedgerInfo.CommitInfo.ID

	c := m.buffer.Find(m.signingRoot, hasID(id))
	if c.IsZero() || c != m.signingRoot {
		logger.Debug("ignoring stale signing response", "block", id.Short())
		return
	}

	item, _ := m.buffer.Take(c)
	if !item.IsExecuted() {
		m.buffer.Set(c, item)
		logger.Debug("ignoring signing response", "block", id.Short(), "state", item.State())
		return
	}

	if r.Err != nil {
		m.buffer.Set(c, item)
		m.signingFailed(id, r.Err)
		return
	}

	if r.CommitLedgerInfo != item.CommitLedgerInfo() {
		m.buffer.Set(c, item)
		m.signingFailed(id, ledger.ErrLedgerInfoMismatch)
		return
	}

	next, err := item.AdvanceToSigned(m.author, r.Signature, m.verifier)
	if err != nil {
		m.buffer.Set(c, item)
		m.signingFailed(id, err)
		return
	}

	m.buffer.Set(c, next)
	m.broadcastVote(next.Vote())

	logger.Debug("batch signed", "block", id.Short(), "signers", next.SignerCount())

	if next.IsAggregated() {
		m.onAggregated(next)
		m.advanceHead(id)
		return
	}

	m.advanceSigningRoot()
}

// signingFailed records a failed signature for the signing root.
func (m *Manager) signingFailed(id ledger.Hash, err error) {
	m.resign = true
	m.metrics.SigningFailures.Inc()

	logger.Warn("signing failed, retrying on next tick", "block", id.Short(), "error", err)
}

// onCommitMessage applies a peer vote or decision to the matching item anywhere in the buffer.
func (m *Manager) onCommitMessage(msg CommitMessage) {
	switch {
	case msg.Vote != nil:
		m.onCommitVote(msg.Vote)
	case msg.Decision != nil && msg.Decision.Proof != nil:
		m.onCommitDecision(msg.Decision)
	default:
		logger.Debug("dropping empty commit message")
	}
}

// onCommitVote records a vote and drains the buffer if it completes a certificate.
func (m *Manager) onCommitVote(vote *ledger.CommitVote) {
	id := vote.BlockID()

	c := m.buffer.Find(buffer.Cursor{}, hasID(id))
	if c.IsZero() {
		m.metrics.Votes.WithLabelValues(resultUnknown).Inc()
		logger.Debug("dropping vote for unknown block", "block", id.Short(), "author", vote.Author.Short())
		return
	}

	item, _ := m.buffer.Take(c)

	next, err := item.AddVote(vote, m.verifier)
	m.buffer.Set(c, next)

	if err != nil {
		m.metrics.Votes.WithLabelValues(resultRejected).Inc()
		logger.Debug("dropping commit vote", "block", id.Short(), "author", vote.Author.Short(), "error", err)
		return
	}

	if next == item {
		m.metrics.Votes.WithLabelValues(resultDuplicate).Inc()
		return
	}

	m.metrics.Votes.WithLabelValues(resultAccepted).Inc()

	if next.IsAggregated() {
		m.onAggregated(next)
		m.advanceHead(id)
	}
}

// onCommitDecision adopts a peer's certificate for the matching item.
func (m *Manager) onCommitDecision(d *ledger.CommitDecision) {
	id := d.BlockID()

	c := m.buffer.Find(buffer.Cursor{}, hasID(id))
	if c.IsZero() {
		m.metrics.Decisions.WithLabelValues(resultUnknown).Inc()
		logger.Debug("dropping decision for unknown block", "block", id.Short())
		return
	}

	item, _ := m.buffer.Take(c)

	next, err := item.AdoptDecision(d.Proof, m.verifier)
	m.buffer.Set(c, next)

	if err != nil {
		m.metrics.Decisions.WithLabelValues(resultRejected).Inc()
		logger.Debug("dropping commit decision", "block", id.Short(), "error", err)
		return
	}

	if !next.IsAggregated() {
		m.metrics.Decisions.WithLabelValues(resultCached).Inc()
		logger.Debug("decision cached until execution", "block", id.Short())
		return
	}

	m.metrics.Decisions.WithLabelValues(resultAccepted).Inc()
	logger.Debug("decision adopted", "block", id.Short(), "from", item.State())

	m.advanceHead(id)
}

// onRetryTick re-broadcasts the votes of Signed items ahead of the signing root
// and re-requests a failed signature.
func (m *Manager) onRetryTick() {
	if m.resign {
		m.resign = false

		if item, ok := m.buffer.Get(m.signingRoot); ok && item.IsExecuted() {
			m.sendSigningRequest(item)
		}
	}

	for c := m.buffer.Head(); !c.IsZero() && c != m.signingRoot; c = m.buffer.Next(c) {
		item, ok := m.buffer.Get(c)
		if !ok || !item.IsSigned() {
			continue
		}

		m.broadcastVote(item.Vote())
	}
}

// onAggregated shares a locally built certificate so lagging peers can persist without votes.
func (m *Manager) onAggregated(item *buffer.Item) {
	cert := item.Certificate()

	logger.Debug("commit certificate aggregated", "block", item.ID().Short(), "signers", cert.SignerCount())

	m.sender.BroadcastDecision(&ledger.CommitDecision{Proof: cert.Clone()})
}

// advanceExecutionRoot points the execution root at the first Ordered item and requests its execution.
func (m *Manager) advanceExecutionRoot() {
	m.executionRoot = m.buffer.Find(m.executionRoot, (*buffer.Item).IsOrdered)
	if m.executionRoot.IsZero() {
		return
	}

	item, _ := m.buffer.Get(m.executionRoot)

	m.ch.ExecutionRequests.Push(ExecutionRequest{Blocks: item.Blocks()})
	m.metrics.ExecutionRequests.Inc()
}

// advanceSigningRoot points the signing root at the first Executed item and requests its signature.
func (m *Manager) advanceSigningRoot() {
	m.resign = false

	m.signingRoot = m.buffer.Find(m.signingRoot, (*buffer.Item).IsExecuted)
	if m.signingRoot.IsZero() {
		return
	}

	item, _ := m.buffer.Get(m.signingRoot)
	m.sendSigningRequest(item)
}

// sendSigningRequest asks the signing phase to sign item's commit ledger info.
func (m *Manager) sendSigningRequest(item *buffer.Item) {
	m.ch.SigningRequests.Push(SigningRequest{
		OrderedLedgerInfo: item.OrderedProof(),
		CommitLedgerInfo:  item.CommitLedgerInfo(),
	})
	m.metrics.SigningRequests.Inc()
}

// advanceHead pops the buffer prefix ending at the aggregated item target and
// hands every popped block to the persisting phase with target's certificate.
func (m *Manager) advanceHead(target ledger.Hash) {
	resetSigning := m.buffer.Valid(m.signingRoot) && !m.buffer.Find(m.signingRoot, hasID(target)).IsZero()
	if resetSigning {
		m.signingRoot = buffer.Cursor{}
	}

	var blocks []*ledger.Block

	for {
		item, ok := m.buffer.PopFront()
		if !ok {
			break
		}

		blocks = append(blocks, item.Blocks()...)

		if item.ID() != target {
			continue
		}

		if !item.IsAggregated() {
			m.fatal("drained item %s is %s, not aggregated", target.Short(), item.State())
		}

		cert := item.Certificate()

		m.ch.PersistingRequests.Push(PersistingRequest{
			Blocks:   blocks,
			Commit:   cert,
			Callback: item.Callback(),
		})

		m.updateBufferLen()
		m.metrics.PersistedBlocks.Add(float64(len(blocks)))
		m.metrics.CommittedRound.Set(float64(cert.LedgerInfo.CommitInfo.Round))

		logger.Info("commit certified",
			"block", target.Short(),
			"height", cert.LedgerInfo.CommitInfo.Height,
			"blocks", len(blocks),
			"pending", m.buffer.Len(),
		)

		if resetSigning {
			m.advanceSigningRoot()
		}

		return
	}

	m.fatal("aggregated item %s not found in buffer", target.Short())
}

// broadcastVote sends vote to every validator.
func (m *Manager) broadcastVote(vote *ledger.CommitVote) {
	m.sender.BroadcastVote(vote)
	m.metrics.VoteBroadcasts.Inc()
}

// updateBufferLen publishes the buffer length.
func (m *Manager) updateBufferLen() {
	n := m.buffer.Len()
	m.items.Store(int64(n))
	m.metrics.BufferItems.Set(float64(n))
}

// fatal logs and aborts: the pipeline's safety assumptions no longer hold.
func (m *Manager) fatal(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logger.Error("buffer manager fatal", "error", msg)
	panic("buffer manager: " + msg)
}

// hasID matches items by identity.
func hasID(id ledger.Hash) func(*buffer.Item) bool {
	return func(it *buffer.Item) bool {
		return it.ID() == id
	}
}
