package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"CommitLane/internal/buffer"
	"CommitLane/internal/ledger"
)

// TestSingleBatchReachesQuorum delivers one batch and reaches a 4 of 4 quorum.
func TestSingleBatchReachesQuorum(t *testing.T) {
	h := newHarness(t, 4, 4)
	batch := h.chain.next(nil)
	id := batch.Blocks[0].ID

	h.m.onOrderedBlocks(batch)

	req := h.popExecution()
	if len(req.Blocks) != 1 || req.Blocks[0].ID != id {
		t.Fatalf("execution request for wrong blocks")
	}

	h.m.onExecutionResponse(ExecutionResponse{Blocks: executeBlocks(req.Blocks)})

	if st, _ := h.itemState(id); st != buffer.StateExecuted {
		t.Fatalf("state after execution: got %s, want executed", st)
	}

	li := h.signOwn()

	if st, _ := h.itemState(id); st != buffer.StateSigned {
		t.Fatalf("state after signing: got %s, want signed", st)
	}

	if h.sender.voteCount() != 1 {
		t.Fatalf("broadcast votes: got %d, want 1", h.sender.voteCount())
	}

	for i := 1; i < 4; i++ {
		if h.ch.PersistingRequests.Len() != 0 {
			t.Fatalf("persisted before quorum, after %d peer votes", i-1)
		}

		h.m.onCommitMessage(h.tv.vote(i, li))
	}

	persist, ok := h.ch.PersistingRequests.Pop()
	if !ok {
		t.Fatal("no persisting request")
	}

	if h.ch.PersistingRequests.Len() != 0 {
		t.Error("more than one persisting request")
	}

	if len(persist.Blocks) != 1 || persist.Blocks[0].ID != id || !persist.Blocks[0].Executed {
		t.Error("persisting request does not carry the executed block")
	}

	if got := persist.Commit.SignerCount(); got != 4 {
		t.Errorf("certificate signers: got %d, want 4", got)
	}

	if err := h.tv.verifier.VerifyCertificate(persist.Commit); err != nil {
		t.Errorf("certificate does not verify: %v", err)
	}

	if h.m.buffer.Len() != 0 {
		t.Errorf("buffer length: got %d, want 0", h.m.buffer.Len())
	}

	if h.sender.decisionCount() != 1 {
		t.Errorf("decision broadcasts: got %d, want 1", h.sender.decisionCount())
	}
}

// TestOneExecutionOutstanding checks that only one execution request is outstanding.
func TestOneExecutionOutstanding(t *testing.T) {
	h := newHarness(t, 4, 0)
	b1 := h.chain.next(nil)
	b2 := h.chain.next(nil)

	h.m.onOrderedBlocks(b1)
	h.m.onOrderedBlocks(b2)

	req := h.popExecution()
	if req.Blocks[0].ID != b1.Blocks[0].ID {
		t.Fatal("first execution request is not for B1")
	}

	h.m.onExecutionResponse(ExecutionResponse{Blocks: executeBlocks(req.Blocks)})

	req = h.popExecution()
	if req.Blocks[0].ID != b2.Blocks[0].ID {
		t.Fatal("second execution request is not for B2")
	}

	h.checkRoots()
}

// TestVoteForDrainedBlockIgnored checks that votes for drained or unknown blocks change nothing.
func TestVoteForDrainedBlockIgnored(t *testing.T) {
	h := newHarness(t, 4, 0)
	batch := h.chain.next(nil)

	h.m.onOrderedBlocks(batch)
	h.execute()
	li := h.signOwn()

	stray := li
	stray.CommitInfo.ID = ledger.Hash{0x99}
	h.m.onCommitMessage(h.tv.vote(1, stray))

	if st, _ := h.itemState(batch.Blocks[0].ID); st != buffer.StateSigned {
		t.Fatalf("state: got %s, want signed", st)
	}

	h.m.onCommitMessage(h.tv.vote(1, li))
	h.m.onCommitMessage(h.tv.vote(2, li))

	if h.ch.PersistingRequests.Len() != 1 {
		t.Fatalf("persisting requests: got %d, want 1", h.ch.PersistingRequests.Len())
	}

	// Late vote for the drained block.
	h.m.onCommitMessage(h.tv.vote(3, li))

	if h.ch.PersistingRequests.Len() != 1 || h.m.buffer.Len() != 0 {
		t.Error("late vote changed state")
	}
}

// TestDecisionAggregatesExecutedItem adopts a peer decision for an Executed item.
func TestDecisionAggregatesExecutedItem(t *testing.T) {
	h := newHarness(t, 4, 0)
	batch := h.chain.next(nil)

	h.m.onOrderedBlocks(batch)
	h.execute()

	sreq := h.popSigning()

	h.m.onCommitMessage(h.tv.decision(t, sreq.CommitLedgerInfo))

	persist, ok := h.ch.PersistingRequests.Pop()
	if !ok {
		t.Fatal("decision did not trigger persistence")
	}

	if !persist.Commit.IsAggregated() {
		t.Error("persisted certificate is not aggregated")
	}

	if h.sender.voteCount() != 0 {
		t.Error("item passed through Signed")
	}

	// The signing response for the drained item is stale.
	h.m.onSigningResponse(SigningResponse{Signature: h.tv.sign(0, sreq.CommitLedgerInfo), CommitLedgerInfo: sreq.CommitLedgerInfo})

	if h.sender.voteCount() != 0 || h.ch.SigningRequests.Len() != 0 {
		t.Error("stale signing response had an effect")
	}
}

// TestReconfigResetDropsOutstandingRequests resets with outstanding execution and signing requests.
func TestReconfigResetDropsOutstandingRequests(t *testing.T) {
	h := newHarness(t, 4, 0)

	h.m.onOrderedBlocks(h.chain.next(nil))
	h.m.onOrderedBlocks(h.chain.next(nil))
	h.execute()

	pendingExec := h.popExecution()
	pendingSign := h.popSigning()

	ack := make(chan struct{})
	h.m.onReset(ResetRequest{Ack: ack, Reconfig: true})

	select {
	case <-ack:
	default:
		t.Fatal("reset not acknowledged")
	}

	if h.m.buffer.Len() != 0 || !h.m.executionRoot.IsZero() || !h.m.signingRoot.IsZero() {
		t.Fatal("reset left state behind")
	}

	if !h.m.epochEnds {
		t.Error("reconfig reset did not end the epoch")
	}

	h.m.onExecutionResponse(ExecutionResponse{Blocks: executeBlocks(pendingExec.Blocks)})
	h.m.onSigningResponse(SigningResponse{Signature: h.tv.sign(0, pendingSign.CommitLedgerInfo), CommitLedgerInfo: pendingSign.CommitLedgerInfo})

	if h.ch.ExecutionRequests.Len() != 0 || h.ch.SigningRequests.Len() != 0 || h.m.buffer.Len() != 0 {
		t.Error("stale responses after reset had an effect")
	}
}

// TestRunExitsAfterReconfig checks that the loop returns once a reconfiguration reset is acknowledged.
func TestRunExitsAfterReconfig(t *testing.T) {
	tv := newTestValidators(t, 4, 0)
	ch := NewChannels()
	m := NewManager(Config{Author: tv.authors[0], RetryInterval: 10 * time.Millisecond}, tv.verifier, ch)

	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()

	c := &chain{tv: tv}
	ch.Blocks.Push(c.next(nil))

	waitFor(t, time.Second, func() bool { return ch.ExecutionRequests.Len() == 1 })

	ack := make(chan struct{})
	ch.Resets.Push(ResetRequest{Ack: ack, Reconfig: true})

	select {
	case <-ack:
	case <-time.After(time.Second):
		t.Fatal("reset not acknowledged")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("manager loop did not exit")
	}

	if m.BufferLen() != 0 {
		t.Errorf("buffer length: got %d, want 0", m.BufferLen())
	}
}

// TestRunStopsOnContextCancel checks the loop honours cancellation.
func TestRunStopsOnContextCancel(t *testing.T) {
	tv := newTestValidators(t, 1, 0)
	m := NewManager(Config{Author: tv.authors[0]}, tv.verifier, NewChannels())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		m.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("manager loop ignored cancellation")
	}
}

// TestNonReconfigResetContinues checks the pipeline keeps working after a plain reset.
func TestNonReconfigResetContinues(t *testing.T) {
	h := newHarness(t, 1, 0)

	h.m.onOrderedBlocks(h.chain.next(nil))
	stale := h.popExecution()

	h.m.onReset(ResetRequest{Reconfig: false})

	if h.m.epochEnds {
		t.Fatal("plain reset ended the epoch")
	}

	batch := h.chain.next(nil)
	h.m.onOrderedBlocks(batch)
	fresh := h.popExecution()

	// A stale response must not trigger a second request for the new batch.
	h.m.onExecutionResponse(ExecutionResponse{Blocks: executeBlocks(stale.Blocks)})

	if h.ch.ExecutionRequests.Len() != 0 {
		t.Fatal("stale execution response re-issued a request")
	}

	h.m.onExecutionResponse(ExecutionResponse{Blocks: executeBlocks(fresh.Blocks)})
	h.signOwn()

	persist, ok := h.ch.PersistingRequests.Pop()
	if !ok {
		t.Fatal("single validator did not commit after reset")
	}

	if persist.Blocks[0].ID != batch.Blocks[0].ID {
		t.Error("persisted wrong batch")
	}
}

// TestExecutionFailureIsFatal checks that execution errors abort the manager.
func TestExecutionFailureIsFatal(t *testing.T) {
	h := newHarness(t, 4, 0)
	h.m.onOrderedBlocks(h.chain.next(nil))
	h.popExecution()

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("execution failure did not panic")
		}

		if !strings.Contains(r.(string), "execution failed") {
			t.Errorf("unexpected panic: %v", r)
		}
	}()

	h.m.onExecutionResponse(ExecutionResponse{Err: errors.New("disk on fire")})
}

// TestDrainOntoNonAggregatedIsFatal checks the prefix drain invariant.
func TestDrainOntoNonAggregatedIsFatal(t *testing.T) {
	h := newHarness(t, 4, 0)
	batch := h.chain.next(nil)
	h.m.onOrderedBlocks(batch)

	defer func() {
		if recover() == nil {
			t.Fatal("drain onto an ordered item did not panic")
		}
	}()

	h.m.advanceHead(batch.Blocks[0].ID)
}

// TestSigningFailureRequestsAgainOnTick resolves a failed signature with a fresh request.
func TestSigningFailureRequestsAgainOnTick(t *testing.T) {
	h := newHarness(t, 4, 0)
	batch := h.chain.next(nil)

	h.m.onOrderedBlocks(batch)
	h.execute()

	req := h.popSigning()
	h.m.onSigningResponse(SigningResponse{Err: errors.New("hsm busy"), CommitLedgerInfo: req.CommitLedgerInfo})

	if h.sender.voteCount() != 0 {
		t.Fatal("vote broadcast after a signing failure")
	}

	if h.ch.SigningRequests.Len() != 0 {
		t.Fatal("signing re-requested before the retry tick")
	}

	h.m.onRetryTick()

	again := h.popSigning()
	if again.CommitLedgerInfo != req.CommitLedgerInfo {
		t.Fatal("re-request targets a different ledger info")
	}

	h.m.onSigningResponse(SigningResponse{Signature: h.tv.sign(0, again.CommitLedgerInfo), CommitLedgerInfo: again.CommitLedgerInfo})

	if st, _ := h.itemState(batch.Blocks[0].ID); st != buffer.StateSigned {
		t.Errorf("state: got %s, want signed", st)
	}

	h.m.onRetryTick()
	if h.ch.SigningRequests.Len() != 0 {
		t.Error("signed item was re-requested")
	}
}

// TestInvalidOwnSignatureIsRetried treats a signature that does not verify as a signing failure.
func TestInvalidOwnSignatureIsRetried(t *testing.T) {
	h := newHarness(t, 4, 0)
	h.m.onOrderedBlocks(h.chain.next(nil))
	h.execute()

	req := h.popSigning()
	h.m.onSigningResponse(SigningResponse{Signature: h.tv.sign(1, req.CommitLedgerInfo), CommitLedgerInfo: req.CommitLedgerInfo})

	if h.sender.voteCount() != 0 {
		t.Fatal("vote broadcast with a foreign signature")
	}

	h.m.onRetryTick()
	h.popSigning()
}

// TestRetryTickRebroadcastsSignedVotes checks that every Signed item's vote is re-sent.
func TestRetryTickRebroadcastsSignedVotes(t *testing.T) {
	h := newHarness(t, 4, 0)

	for i := 0; i < 3; i++ {
		h.m.onOrderedBlocks(h.chain.next(nil))
	}

	// Sign the first two, leave the third Executed.
	for i := 0; i < 3; i++ {
		h.execute()
	}
	h.signOwn()
	h.signOwn()
	h.popSigning()

	before := h.sender.voteCount()
	h.m.onRetryTick()

	if got := h.sender.voteCount() - before; got != 2 {
		t.Errorf("re-broadcast votes: got %d, want 2", got)
	}

	h.checkRoots()
}

// TestDuplicateVotesDoNotReachQuorum checks that replayed votes are not double counted.
func TestDuplicateVotesDoNotReachQuorum(t *testing.T) {
	h := newHarness(t, 4, 0)
	batch := h.chain.next(nil)

	h.m.onOrderedBlocks(batch)
	h.execute()
	li := h.signOwn()

	vote := h.tv.vote(1, li)
	for i := 0; i < 5; i++ {
		h.m.onCommitMessage(vote)
	}

	// Loopback of this validator's own vote.
	h.m.onCommitMessage(CommitMessage{Vote: h.sender.votes[0]})

	if st, _ := h.itemState(batch.Blocks[0].ID); st != buffer.StateSigned {
		t.Fatalf("state: got %s, want signed", st)
	}

	h.m.onCommitMessage(h.tv.vote(2, li))

	if h.ch.PersistingRequests.Len() != 1 {
		t.Error("third distinct signer did not reach quorum")
	}
}

// TestVotesAggregateExecutedItem checks the Executed to Aggregated skip through peer votes.
func TestVotesAggregateExecutedItem(t *testing.T) {
	h := newHarness(t, 4, 0)
	b1 := h.chain.next(nil)
	b2 := h.chain.next(nil)

	h.m.onOrderedBlocks(b1)
	h.m.onOrderedBlocks(b2)
	h.execute()
	h.execute()

	// Signing root is B1; peers certify B1 before the local signature.
	h.popSigning()

	li := commitInfoFor(b1)
	for i := 1; i < 4; i++ {
		h.m.onCommitMessage(h.tv.vote(i, li))
	}

	if _, ok := h.ch.PersistingRequests.Pop(); !ok {
		t.Fatal("peer votes did not aggregate the executed item")
	}

	// Signing moves on to B2.
	req := h.popSigning()
	if req.CommitLedgerInfo.CommitInfo.ID != b2.Blocks[0].ID {
		t.Error("signing root did not advance to B2")
	}

	h.checkRoots()
}

// TestVoteForOrderedItemDropped checks that Ordered items ignore votes.
func TestVoteForOrderedItemDropped(t *testing.T) {
	h := newHarness(t, 4, 0)
	batch := h.chain.next(nil)
	h.m.onOrderedBlocks(batch)

	li := commitInfoFor(batch)
	for i := 0; i < 4; i++ {
		h.m.onCommitMessage(h.tv.vote(i, li))
	}

	h.execute()

	if st, _ := h.itemState(batch.Blocks[0].ID); st != buffer.StateExecuted {
		t.Errorf("state: got %s, want executed", st)
	}
}

// TestDecisionBeforeExecution checks that a decision for an Ordered item applies once executed.
func TestDecisionBeforeExecution(t *testing.T) {
	h := newHarness(t, 4, 0)
	batch := h.chain.next(nil)
	h.m.onOrderedBlocks(batch)

	h.m.onCommitMessage(h.tv.decision(t, commitInfoFor(batch)))

	if st, _ := h.itemState(batch.Blocks[0].ID); st != buffer.StateOrdered {
		t.Fatalf("state: got %s, want ordered", st)
	}

	h.execute()

	if _, ok := h.ch.PersistingRequests.Pop(); !ok {
		t.Fatal("cached decision did not commit the batch")
	}

	if h.ch.SigningRequests.Len() != 0 {
		t.Error("signing requested for an aggregated item")
	}
}

// TestForgedDecisionDropped checks that decisions must verify.
func TestForgedDecisionDropped(t *testing.T) {
	h := newHarness(t, 4, 0)
	batch := h.chain.next(nil)
	h.m.onOrderedBlocks(batch)
	h.execute()

	msg := h.tv.decision(t, commitInfoFor(batch))
	msg.Decision.Proof.Aggregated = h.tv.sign(0, commitInfoFor(batch))

	h.m.onCommitMessage(msg)

	if h.ch.PersistingRequests.Len() != 0 {
		t.Fatal("forged decision was adopted")
	}

	if st, _ := h.itemState(batch.Blocks[0].ID); st != buffer.StateExecuted {
		t.Errorf("state: got %s, want executed", st)
	}
}

// TestDrainAccumulatesPrefix checks that a later certificate persists every earlier block.
func TestDrainAccumulatesPrefix(t *testing.T) {
	h := newHarness(t, 4, 0)
	var batches []OrderedBlocks

	for i := 0; i < 3; i++ {
		b := h.chain.next(nil)
		batches = append(batches, b)
		h.m.onOrderedBlocks(b)
	}

	for i := 0; i < 3; i++ {
		h.execute()
	}

	h.m.onCommitMessage(h.tv.decision(t, commitInfoFor(batches[2])))

	persist, ok := h.ch.PersistingRequests.Pop()
	if !ok {
		t.Fatal("no persisting request")
	}

	if len(persist.Blocks) != 3 {
		t.Fatalf("persisted blocks: got %d, want 3", len(persist.Blocks))
	}

	for i, b := range persist.Blocks {
		if b.ID != batches[i].Blocks[0].ID {
			t.Errorf("block %d out of order", i)
		}
	}

	if persist.Commit.LedgerInfo.CommitInfo.ID != batches[2].Blocks[0].ID {
		t.Error("certificate is not the last item's")
	}

	// The signing request for B1 is now stale.
	sreq := h.popSigning()
	h.m.onSigningResponse(SigningResponse{Signature: h.tv.sign(0, sreq.CommitLedgerInfo), CommitLedgerInfo: sreq.CommitLedgerInfo})

	if h.ch.SigningRequests.Len() != 0 || h.sender.voteCount() != 0 {
		t.Error("stale signing response had an effect")
	}

	if h.m.buffer.Valid(h.m.signingRoot) || h.m.buffer.Valid(h.m.executionRoot) {
		t.Error("roots not cleared after draining the whole buffer")
	}
}

// TestRandomizedCommitOrder drives many batches with shuffled votes and checks
// persisted order, root invariants and monotonic states after every event.
func TestRandomizedCommitOrder(t *testing.T) {
	h := newHarness(t, 4, 0)
	rng := rand.New(rand.NewSource(7))

	const batches = 12

	var delivered []ledger.Hash
	infos := make(map[ledger.Hash]ledger.LedgerInfo)

	for i := 0; i < batches; i++ {
		b := h.chain.next(nil)
		delivered = append(delivered, b.Blocks[0].ID)
		infos[b.Blocks[0].ID] = commitInfoFor(b)
		h.m.onOrderedBlocks(b)
	}

	var pending []CommitMessage
	for _, id := range delivered {
		for i := 1; i < 4; i++ {
			pending = append(pending, h.tv.vote(i, infos[id]))
		}
	}
	rng.Shuffle(len(pending), func(i, j int) { pending[i], pending[j] = pending[j], pending[i] })

	var persisted []ledger.Hash
	last := make(map[ledger.Hash]buffer.State)

	observe := func() {
		h.checkRoots()

		for c := h.m.buffer.Head(); !c.IsZero(); c = h.m.buffer.Next(c) {
			item, _ := h.m.buffer.Get(c)
			if prev, ok := last[item.ID()]; ok && item.State() < prev {
				t.Fatalf("item %s regressed from %s to %s", item.ID().Short(), prev, item.State())
			}
			last[item.ID()] = item.State()
		}

		for {
			req, ok := h.ch.PersistingRequests.Pop()
			if !ok {
				break
			}

			for _, b := range req.Blocks {
				persisted = append(persisted, b.ID)
			}
		}
	}

	for steps := 0; h.m.buffer.Len() > 0; steps++ {
		if steps > 10000 {
			t.Fatal("pipeline did not drain")
		}

		switch rng.Intn(3) {
		case 0:
			if req, ok := h.ch.ExecutionRequests.Pop(); ok {
				h.m.onExecutionResponse(ExecutionResponse{Blocks: executeBlocks(req.Blocks)})
			}
		case 1:
			if req, ok := h.ch.SigningRequests.Pop(); ok {
				h.m.onSigningResponse(SigningResponse{Signature: h.tv.sign(0, req.CommitLedgerInfo), CommitLedgerInfo: req.CommitLedgerInfo})
			}
		default:
			if len(pending) == 0 {
				break
			}

			msg := pending[0]
			pending = pending[1:]

			// Votes for unexecuted items are rejected, so hold them back.
			if st, ok := h.itemState(msg.Vote.BlockID()); ok && st == buffer.StateOrdered {
				pending = append(pending, msg)
				break
			}

			h.m.onCommitMessage(msg)
		}

		if h.ch.ExecutionRequests.Len() > 1 {
			t.Fatal("more than one outstanding execution request")
		}

		observe()
	}

	if len(persisted) != len(delivered) {
		t.Fatalf("persisted blocks: got %d, want %d", len(persisted), len(delivered))
	}

	for i := range delivered {
		if persisted[i] != delivered[i] {
			t.Fatalf("block %d persisted out of order", i)
		}
	}
}
