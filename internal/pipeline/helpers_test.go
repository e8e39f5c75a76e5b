package pipeline

import (
	"sync"
	"testing"
	"time"

	"CommitLane/internal/aggregation"
	"CommitLane/internal/buffer"
	"CommitLane/internal/ledger"
)

// testValidators holds equally weighted validators and their keys.
type testValidators struct {
	authors  []ledger.Author
	keys     map[ledger.Author]*aggregation.BLSKeyPair
	verifier *aggregation.ValidatorVerifier
}

// newTestValidators creates n validators. quorum 0 selects the default two-thirds quorum.
func newTestValidators(t *testing.T, n int, quorum uint64) *testValidators {
	t.Helper()

	tv := &testValidators{keys: make(map[ledger.Author]*aggregation.BLSKeyPair)}
	infos := make([]aggregation.ValidatorInfo, n)

	for i := 0; i < n; i++ {
		seed := make([]byte, 32)
		seed[0] = byte(i + 1)
		seed[1] = 0x5E

		key, err := aggregation.GenerateBLSKeyFromSeed(seed)
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}

		author := ledger.Author{0xA0, byte(i + 1)}
		tv.authors = append(tv.authors, author)
		tv.keys[author] = key
		infos[i] = aggregation.ValidatorInfo{Author: author, PublicKey: key.PublicKeyBytes(), VotingPower: 1}
	}

	var err error
	if quorum == 0 {
		tv.verifier, err = aggregation.NewValidatorVerifier(infos)
	} else {
		tv.verifier, err = aggregation.NewValidatorVerifierWithQuorum(infos, quorum)
	}

	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	return tv
}

func (tv *testValidators) sign(i int, li ledger.LedgerInfo) []byte {
	digest := li.Digest()
	return tv.keys[tv.authors[i]].Sign(digest[:])
}

func (tv *testValidators) vote(i int, li ledger.LedgerInfo) CommitMessage {
	return CommitMessage{Vote: &ledger.CommitVote{Author: tv.authors[i], LedgerInfo: li, Signature: tv.sign(i, li)}}
}

// certify returns li signed by every validator.
func (tv *testValidators) certify(li ledger.LedgerInfo) *ledger.LedgerInfoWithSignatures {
	cert := ledger.NewLedgerInfoWithSignatures(li)
	for i, a := range tv.authors {
		cert.AddSignature(a, tv.sign(i, li))
	}

	return cert
}

// decision returns an aggregated certificate for li.
func (tv *testValidators) decision(t *testing.T, li ledger.LedgerInfo) CommitMessage {
	t.Helper()

	cert := tv.certify(li)
	if err := tv.verifier.AggregateCertificate(cert); err != nil {
		t.Fatalf("aggregate decision: %v", err)
	}

	return CommitMessage{Decision: &ledger.CommitDecision{Proof: cert}}
}

// chain builds ordered batches of one block each, linked by parent ID.
type chain struct {
	tv     *testValidators
	parent ledger.Hash
	height uint64
}

func (c *chain) next(cb ledger.CommitCallback) OrderedBlocks {
	c.height++

	b := &ledger.Block{
		ParentID:  c.parent,
		Epoch:     1,
		Round:     c.height,
		Height:    c.height,
		Timestamp: c.height * 1000,
		Payload:   []byte{byte(c.height)},
	}
	b.ID = b.ComputeID()
	c.parent = b.ID

	li := ledger.NewLedgerInfo(b.Info(), ledger.Hash{0xCD, byte(c.height)})

	return OrderedBlocks{Blocks: []*ledger.Block{b}, OrderedProof: c.tv.certify(li), Callback: cb}
}

// stateRootFor is the deterministic state root the fake executor assigns.
func stateRootFor(b *ledger.Block) ledger.Hash {
	return ledger.Hash{0xEE, byte(b.Height)}
}

// fakeExecutor marks blocks executed with stateRootFor.
type fakeExecutor struct{}

func (fakeExecutor) Execute(blocks []*ledger.Block) ([]*ledger.Block, error) {
	return executeBlocks(blocks), nil
}

func executeBlocks(blocks []*ledger.Block) []*ledger.Block {
	out := make([]*ledger.Block, len(blocks))
	for i, b := range blocks {
		c := b.Clone()
		c.StateRoot = stateRootFor(b)
		c.Executed = true
		out[i] = c
	}

	return out
}

// commitInfoFor is the ledger info validators sign for an executed batch.
func commitInfoFor(b OrderedBlocks) ledger.LedgerInfo {
	executed := executeBlocks(b.Blocks)
	return ledger.NewLedgerInfo(executed[len(executed)-1].Info(), b.OrderedProof.LedgerInfo.ConsensusDataHash)
}

// recordingSender keeps every broadcast.
type recordingSender struct {
	mu        sync.Mutex
	votes     []*ledger.CommitVote
	decisions []*ledger.CommitDecision
}

func (s *recordingSender) BroadcastVote(v *ledger.CommitVote) {
	s.mu.Lock()
	s.votes = append(s.votes, v)
	s.mu.Unlock()
}

func (s *recordingSender) BroadcastDecision(d *ledger.CommitDecision) {
	s.mu.Lock()
	s.decisions = append(s.decisions, d)
	s.mu.Unlock()
}

func (s *recordingSender) voteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.votes)
}

func (s *recordingSender) decisionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.decisions)
}

// harness drives a manager's handlers directly, without its event loop.
type harness struct {
	t      *testing.T
	tv     *testValidators
	ch     *Channels
	m      *Manager
	sender *recordingSender
	chain  *chain
}

func newHarness(t *testing.T, n int, quorum uint64) *harness {
	t.Helper()

	tv := newTestValidators(t, n, quorum)
	ch := NewChannels()
	sender := &recordingSender{}

	m := NewManager(Config{Author: tv.authors[0]}, tv.verifier, ch, WithCommitSender(sender))

	return &harness{t: t, tv: tv, ch: ch, m: m, sender: sender, chain: &chain{tv: tv}}
}

// popExecution returns the single pending execution request.
func (h *harness) popExecution() ExecutionRequest {
	h.t.Helper()

	req, ok := h.ch.ExecutionRequests.Pop()
	if !ok {
		h.t.Fatal("no execution request")
	}

	if n := h.ch.ExecutionRequests.Len(); n != 0 {
		h.t.Fatalf("extra execution requests: %d", n)
	}

	return req
}

// popSigning returns the single pending signing request.
func (h *harness) popSigning() SigningRequest {
	h.t.Helper()

	req, ok := h.ch.SigningRequests.Pop()
	if !ok {
		h.t.Fatal("no signing request")
	}

	if n := h.ch.SigningRequests.Len(); n != 0 {
		h.t.Fatalf("extra signing requests: %d", n)
	}

	return req
}

// execute answers the pending execution request.
func (h *harness) execute() {
	h.t.Helper()

	req := h.popExecution()
	h.m.onExecutionResponse(ExecutionResponse{Blocks: executeBlocks(req.Blocks)})
}

// signOwn answers the pending signing request with this validator's signature.
func (h *harness) signOwn() ledger.LedgerInfo {
	h.t.Helper()

	req := h.popSigning()
	h.m.onSigningResponse(SigningResponse{Signature: h.tv.sign(0, req.CommitLedgerInfo), CommitLedgerInfo: req.CommitLedgerInfo})

	return req.CommitLedgerInfo
}

// itemState returns the state of the item with id, or false if it is not buffered.
func (h *harness) itemState(id ledger.Hash) (buffer.State, bool) {
	c := h.m.buffer.Find(buffer.Cursor{}, hasID(id))
	item, ok := h.m.buffer.Get(c)
	if !ok {
		return 0, false
	}

	return item.State(), true
}

// checkRoots verifies the root cursor invariants.
func (h *harness) checkRoots() {
	h.t.Helper()

	if item, ok := h.m.buffer.Get(h.m.executionRoot); ok && !item.IsOrdered() {
		h.t.Fatalf("execution root points to %s item", item.State())
	}

	if item, ok := h.m.buffer.Get(h.m.signingRoot); ok && !item.IsExecuted() {
		h.t.Fatalf("signing root points to %s item", item.State())
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}

		time.Sleep(5 * time.Millisecond)
	}
}
