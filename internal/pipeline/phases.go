package pipeline

import (
	"CommitLane/internal/ledger"
)

// OrderedBlocks is a batch delivered by the ordering protocol, in commit order.
type OrderedBlocks struct {
	Blocks       []*ledger.Block                  // Blocks are the ordered blocks, never empty
	OrderedProof *ledger.LedgerInfoWithSignatures // OrderedProof certifies the ordering of Blocks
	Callback     ledger.CommitCallback            // Callback runs once the batch is persisted
}

// ResetRequest empties the pipeline. Ack is closed once the buffer is cleared.
type ResetRequest struct {
	Ack      chan struct{} // Ack is closed by the manager after the reset
	Reconfig bool          // Reconfig ends the epoch and stops the manager loop
}

// ExecutionRequest asks the execution phase to run an ordered batch.
type ExecutionRequest struct {
	Blocks []*ledger.Block // Blocks are the ordered blocks to execute
}

// ExecutionResponse carries the executed blocks or a failure.
type ExecutionResponse struct {
	Blocks []*ledger.Block // Blocks are the executed blocks, same identities as the request
	Err    error           // Err is set when execution failed
}

// SigningRequest asks the signing phase to sign a commit ledger info.
type SigningRequest struct {
	OrderedLedgerInfo *ledger.LedgerInfoWithSignatures // OrderedLedgerInfo is the ordering proof of the batch
	CommitLedgerInfo  ledger.LedgerInfo                // CommitLedgerInfo is the ledger info to sign
}

// SigningResponse carries this validator's signature over CommitLedgerInfo.
type SigningResponse struct {
	Signature        []byte            // Signature is the BLS signature over CommitLedgerInfo.Digest()
	Err              error             // Err is set when signing failed
	CommitLedgerInfo ledger.LedgerInfo // CommitLedgerInfo identifies the signed item
}

// PersistingRequest hands an aggregated prefix of the buffer to storage.
type PersistingRequest struct {
	Blocks   []*ledger.Block                  // Blocks are every block drained from the buffer, in order
	Commit   *ledger.LedgerInfoWithSignatures // Commit is the certificate of the last drained item
	Callback ledger.CommitCallback            // Callback is the last drained item's callback
}

// CommitMessage is a commit vote or a commit decision received from a peer.
// Exactly one field is set.
type CommitMessage struct {
	Vote     *ledger.CommitVote     // Vote is a single validator's signature
	Decision *ledger.CommitDecision // Decision is a quorum certificate
}

// CommitSender broadcasts commit messages to every validator, this one included.
// Calls must not block the caller on network I/O.
type CommitSender interface {
	BroadcastVote(vote *ledger.CommitVote)
	BroadcastDecision(decision *ledger.CommitDecision)
}

// Executor runs ordered blocks and returns executed copies.
type Executor interface {
	Execute(blocks []*ledger.Block) ([]*ledger.Block, error)
}

// Signer produces this validator's signature over a message.
type Signer interface {
	Sign(message []byte) []byte
}

// CommitStore durably writes committed blocks with their certificate.
type CommitStore interface {
	SaveCommit(blocks []*ledger.Block, commit *ledger.LedgerInfoWithSignatures) error
}

// Channels connects the manager to its phases and inputs.
type Channels struct {
	Blocks             *Queue[OrderedBlocks]     // Blocks carries ordered batches into the manager
	Resets             *Queue[ResetRequest]      // Resets carries reset requests into the manager
	ExecutionRequests  *Queue[ExecutionRequest]  // ExecutionRequests carries work to the execution phase
	ExecutionResponses *Queue[ExecutionResponse] // ExecutionResponses carries results back
	SigningRequests    *Queue[SigningRequest]    // SigningRequests carries work to the signing phase
	SigningResponses   *Queue[SigningResponse]   // SigningResponses carries signatures back
	CommitMessages     *Queue[CommitMessage]     // CommitMessages carries peer votes and decisions
	PersistingRequests *Queue[PersistingRequest] // PersistingRequests carries drained prefixes to storage
}

// NewChannels creates empty queues for every pipeline edge.
func NewChannels() *Channels {
	return &Channels{
		Blocks:             NewQueue[OrderedBlocks](),
		Resets:             NewQueue[ResetRequest](),
		ExecutionRequests:  NewQueue[ExecutionRequest](),
		ExecutionResponses: NewQueue[ExecutionResponse](),
		SigningRequests:    NewQueue[SigningRequest](),
		SigningResponses:   NewQueue[SigningResponse](),
		CommitMessages:     NewQueue[CommitMessage](),
		PersistingRequests: NewQueue[PersistingRequest](),
	}
}
