package api

import (
	"fmt"

	"CommitLane/internal/aggregation"
	"CommitLane/internal/ledger"
)

// maxBatchBlocks is the maximum number of blocks in one ordered batch.
const maxBatchBlocks = 256

// validateBatch checks an ordered batch before it enters the pipeline:
// identities must be recomputable, the blocks must form a chain, none may
// carry execution results, and the proof must certify the last block.
func validateBatch(batch orderedBatch, verifier *aggregation.ValidatorVerifier) error {
	if len(batch.Blocks) == 0 {
		return fmt.Errorf("no blocks")
	}

	if len(batch.Blocks) > maxBatchBlocks {
		return fmt.Errorf("too many blocks: %d > %d", len(batch.Blocks), maxBatchBlocks)
	}

	if batch.Proof == nil {
		return fmt.Errorf("missing ordering proof")
	}

	for i, b := range batch.Blocks {
		if err := validateBlock(b); err != nil {
			return fmt.Errorf("block %d:\n%w", i, err)
		}

		if i == 0 {
			continue
		}

		prev := batch.Blocks[i-1]
		if b.ParentID != prev.ID || b.Height != prev.Height+1 {
			return fmt.Errorf("block %d does not extend block %d", i, i-1)
		}
	}

	last := batch.Blocks[len(batch.Blocks)-1]
	if !batch.Proof.LedgerInfo.CommitInfo.MatchesOrdered(last.Info()) {
		return fmt.Errorf("%w: proof for %s, last block %s",
			ledger.ErrLedgerInfoMismatch, batch.Proof.LedgerInfo.CommitInfo.ID.Short(), last.ID.Short())
	}

	if err := verifier.VerifyCertificate(batch.Proof); err != nil {
		return fmt.Errorf("ordering proof:\n%w", err)
	}

	return nil
}

// validateBlock checks a single ordered block.
func validateBlock(b *ledger.Block) error {
	if b == nil {
		return fmt.Errorf("null block")
	}

	if b.Executed || !b.StateRoot.IsZero() {
		return fmt.Errorf("ordered block carries execution results")
	}

	if b.ComputeID() != b.ID {
		return fmt.Errorf("id %s does not match contents", b.ID.Short())
	}

	return nil
}
