package pipeline

import (
	"fmt"

	"CommitLane/internal/logger"
)

// PersistingPhase writes drained prefixes to the commit store in arrival order.
type PersistingPhase struct {
	store    CommitStore               // store is the durable ledger
	requests *Queue[PersistingRequest] // requests come from the manager
}

// NewPersistingPhase creates a persisting worker over requests.
func NewPersistingPhase(store CommitStore, requests *Queue[PersistingRequest]) *PersistingPhase {
	return &PersistingPhase{store: store, requests: requests}
}

// Run serves requests until stop is closed.
func (p *PersistingPhase) Run(stop <-chan struct{}) {
	runWorker(stop, p.requests, p.process)
}

// process saves one request and runs its callback.
// A node that cannot write its ledger must stop, so write failures panic.
func (p *PersistingPhase) process(req PersistingRequest) {
	if err := p.store.SaveCommit(req.Blocks, req.Commit); err != nil {
		msg := fmt.Sprintf("persist commit at height %d: %v", req.Commit.LedgerInfo.CommitInfo.Height, err)
		logger.Error("persisting phase fatal", "error", msg)
		panic(msg)
	}

	logger.Debug("commit persisted",
		"height", req.Commit.LedgerInfo.CommitInfo.Height,
		"blocks", len(req.Blocks),
	)

	if req.Callback != nil {
		req.Callback(req.Blocks, req.Commit)
	}
}
