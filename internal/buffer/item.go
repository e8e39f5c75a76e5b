package buffer

import (
	"errors"
	"fmt"

	"CommitLane/internal/aggregation"
	"CommitLane/internal/ledger"
)

var (
	// ErrInvalidTransition is returned when an operation does not apply to the item's state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrBlockMismatch is returned when executed blocks do not correspond to the ordered ones.
	ErrBlockMismatch = errors.New("executed blocks do not match ordered blocks")
)

// State is the pipeline stage of an item.
type State int

const (
	StateOrdered    State = iota // StateOrdered waits for execution
	StateExecuted                // StateExecuted waits for the local signature
	StateSigned                  // StateSigned waits for a quorum of commit votes
	StateAggregated              // StateAggregated holds a commit certificate
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateOrdered:
		return "ordered"
	case StateExecuted:
		return "executed"
	case StateSigned:
		return "signed"
	case StateAggregated:
		return "aggregated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Item is one ordered batch of blocks moving through the commit pipeline.
// Items are values: transitions return a new Item and leave the receiver unchanged.
type Item struct {
	state        State                            // state is the current stage
	blocks       []*ledger.Block                  // blocks are ordered, then executed, blocks
	orderedProof *ledger.LedgerInfoWithSignatures // orderedProof certifies the ordering
	callback     ledger.CommitCallback            // callback runs once after persistence

	commitInfo  ledger.LedgerInfo                // commitInfo is the ledger info votes sign, set from Executed on
	partial     *ledger.LedgerInfoWithSignatures // partial holds verified signatures, set in Executed and Signed
	vote        *ledger.CommitVote               // vote is this validator's commit vote, set from Signed on
	commitProof *ledger.LedgerInfoWithSignatures // commitProof is the certificate when Aggregated, or a verified decision cached while Ordered
}

// NewOrdered creates an item in the Ordered state. blocks must not be empty.
func NewOrdered(blocks []*ledger.Block, proof *ledger.LedgerInfoWithSignatures, callback ledger.CommitCallback) *Item {
	if len(blocks) == 0 {
		panic("buffer: ordered item without blocks")
	}

	return &Item{
		state:        StateOrdered,
		blocks:       blocks,
		orderedProof: proof,
		callback:     callback,
	}
}

// ID returns the identifier of the highest block.
func (it *Item) ID() ledger.Hash {
	return it.blocks[len(it.blocks)-1].ID
}

// State returns the current stage.
func (it *Item) State() State { return it.state }

// IsOrdered reports whether the item waits for execution.
func (it *Item) IsOrdered() bool { return it.state == StateOrdered }

// IsExecuted reports whether the item waits for its local signature.
func (it *Item) IsExecuted() bool { return it.state == StateExecuted }

// IsSigned reports whether the item waits for peer votes.
func (it *Item) IsSigned() bool { return it.state == StateSigned }

// IsAggregated reports whether the item holds a commit certificate.
func (it *Item) IsAggregated() bool { return it.state == StateAggregated }

// Blocks returns the item's blocks.
func (it *Item) Blocks() []*ledger.Block { return it.blocks }

// OrderedProof returns the ordering certificate.
func (it *Item) OrderedProof() *ledger.LedgerInfoWithSignatures { return it.orderedProof }

// Callback returns the completion callback.
func (it *Item) Callback() ledger.CommitCallback { return it.callback }

// CommitLedgerInfo returns the ledger info commit votes sign. Zero while Ordered.
func (it *Item) CommitLedgerInfo() ledger.LedgerInfo { return it.commitInfo }

// Vote returns this validator's commit vote, or nil before Signed.
func (it *Item) Vote() *ledger.CommitVote { return it.vote }

// Certificate returns the commit certificate of an Aggregated item, or nil.
func (it *Item) Certificate() *ledger.LedgerInfoWithSignatures {
	if it.state != StateAggregated {
		return nil
	}

	return it.commitProof
}

// SignerCount returns the number of distinct verified signatures collected.
func (it *Item) SignerCount() int {
	switch it.state {
	case StateExecuted, StateSigned:
		return it.partial.SignerCount()
	case StateAggregated:
		return it.commitProof.SignerCount()
	default:
		return 0
	}
}

// commitLedgerInfoFor builds the ledger info signed for the executed blocks.
func commitLedgerInfoFor(executed []*ledger.Block, proof *ledger.LedgerInfoWithSignatures) ledger.LedgerInfo {
	var consensusHash ledger.Hash
	if proof != nil {
		consensusHash = proof.LedgerInfo.ConsensusDataHash
	}

	return ledger.NewLedgerInfo(executed[len(executed)-1].Info(), consensusHash)
}

// AdvanceToExecuted moves an Ordered item to Executed with the executed blocks.
// A decision adopted while Ordered is applied now when it certifies the executed ledger info,
// in which case the result is Aggregated.
func (it *Item) AdvanceToExecuted(executed []*ledger.Block) (*Item, error) {
	if it.state != StateOrdered {
		return it, fmt.Errorf("%w: execute %s item", ErrInvalidTransition, it.state)
	}

	if len(executed) != len(it.blocks) {
		return it, fmt.Errorf("%w: got %d blocks, want %d", ErrBlockMismatch, len(executed), len(it.blocks))
	}

	for i, b := range executed {
		if b.ID != it.blocks[i].ID {
			return it, fmt.Errorf("%w: block %d is %s, want %s", ErrBlockMismatch, i, b.ID.Short(), it.blocks[i].ID.Short())
		}
	}

	commitInfo := commitLedgerInfoFor(executed, it.orderedProof)

	next := &Item{
		blocks:       executed,
		orderedProof: it.orderedProof,
		callback:     it.callback,
		commitInfo:   commitInfo,
	}

	if it.commitProof != nil && it.commitProof.LedgerInfo == commitInfo {
		next.state = StateAggregated
		next.commitProof = it.commitProof

		return next, nil
	}

	next.state = StateExecuted
	next.partial = ledger.NewLedgerInfoWithSignatures(commitInfo)

	return next, nil
}

// AdvanceToSigned records this validator's signature and builds its commit vote.
// The result is Aggregated when the local signature completes the quorum.
func (it *Item) AdvanceToSigned(author ledger.Author, signature []byte, verifier *aggregation.ValidatorVerifier) (*Item, error) {
	if it.state != StateExecuted {
		return it, fmt.Errorf("%w: sign %s item", ErrInvalidTransition, it.state)
	}

	digest := it.commitInfo.Digest()
	if err := verifier.VerifySignature(author, digest[:], signature); err != nil {
		return it, fmt.Errorf("verify own signature:\n%w", err)
	}

	next := it.copy()
	next.state = StateSigned
	next.vote = &ledger.CommitVote{
		Author:     author,
		LedgerInfo: it.commitInfo,
		Signature:  append([]byte(nil), signature...),
	}
	next.partial = it.partial.Clone()
	next.partial.AddSignature(author, signature)

	return next.tryAggregate(verifier), nil
}

// AddVote records a peer's commit vote. Votes are accepted only by Executed and Signed items,
// only for the item's commit ledger info, and only with a valid signature.
// A repeated vote from a counted author returns the item unchanged.
func (it *Item) AddVote(vote *ledger.CommitVote, verifier *aggregation.ValidatorVerifier) (*Item, error) {
	if it.state != StateExecuted && it.state != StateSigned {
		return it, fmt.Errorf("%w: vote for %s item", ErrInvalidTransition, it.state)
	}

	if vote.LedgerInfo != it.commitInfo {
		return it, fmt.Errorf("%w: vote from %s", ledger.ErrLedgerInfoMismatch, vote.Author.Short())
	}

	if _, ok := it.partial.Signatures[vote.Author]; ok {
		return it, nil
	}

	digest := it.commitInfo.Digest()
	if err := verifier.VerifySignature(vote.Author, digest[:], vote.Signature); err != nil {
		return it, err
	}

	next := it.copy()
	next.partial = it.partial.Clone()
	next.partial.AddSignature(vote.Author, vote.Signature)

	return next.tryAggregate(verifier), nil
}

// AdoptDecision applies a peer's commit certificate.
// Executed and Signed items become Aggregated when the certificate covers their commit ledger info.
// Ordered items keep the verified certificate until execution completes.
func (it *Item) AdoptDecision(proof *ledger.LedgerInfoWithSignatures, verifier *aggregation.ValidatorVerifier) (*Item, error) {
	if it.state == StateAggregated {
		return it, fmt.Errorf("%w: decision for aggregated item", ErrInvalidTransition)
	}

	if it.state == StateOrdered {
		expected := commitLedgerInfoFor(it.blocks, it.orderedProof)
		if !proof.LedgerInfo.CommitInfo.MatchesOrdered(expected.CommitInfo) ||
			proof.LedgerInfo.ConsensusDataHash != expected.ConsensusDataHash {
			return it, fmt.Errorf("%w: decision for %s", ledger.ErrLedgerInfoMismatch, proof.LedgerInfo.CommitInfo.ID.Short())
		}
	} else if proof.LedgerInfo != it.commitInfo {
		return it, fmt.Errorf("%w: decision for %s", ledger.ErrLedgerInfoMismatch, proof.LedgerInfo.CommitInfo.ID.Short())
	}

	if err := verifier.VerifyCertificate(proof); err != nil {
		return it, fmt.Errorf("verify commit decision:\n%w", err)
	}

	next := it.copy()
	next.commitProof = proof.Clone()

	if it.state != StateOrdered {
		next.state = StateAggregated
		next.partial = nil
	}

	return next, nil
}

// tryAggregate turns the collected signatures into a certificate once they reach quorum.
func (it *Item) tryAggregate(verifier *aggregation.ValidatorVerifier) *Item {
	if err := verifier.CheckVotingPower(it.partial.Authors()); err != nil {
		return it
	}

	cert := it.partial.Clone()
	if err := verifier.AggregateCertificate(cert); err != nil {
		return it
	}

	it.state = StateAggregated
	it.commitProof = cert
	it.partial = nil

	return it
}

// copy returns a shallow copy sharing immutable fields.
func (it *Item) copy() *Item {
	c := *it
	return &c
}
