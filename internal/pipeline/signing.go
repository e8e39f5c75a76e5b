package pipeline

import (
	"fmt"

	"CommitLane/internal/aggregation"
	"CommitLane/internal/ledger"
)

// SigningPhase signs commit ledger infos that extend a certified ordering.
type SigningPhase struct {
	signer    Signer                         // signer holds this validator's BLS key
	verifier  *aggregation.ValidatorVerifier // verifier checks ordering proofs
	requests  *Queue[SigningRequest]         // requests come from the manager
	responses *Queue[SigningResponse]        // responses go back to the manager
}

// NewSigningPhase creates a signing worker over the given queues.
func NewSigningPhase(signer Signer, verifier *aggregation.ValidatorVerifier, requests *Queue[SigningRequest], responses *Queue[SigningResponse]) *SigningPhase {
	return &SigningPhase{signer: signer, verifier: verifier, requests: requests, responses: responses}
}

// Run serves requests until stop is closed.
func (p *SigningPhase) Run(stop <-chan struct{}) {
	runWorker(stop, p.requests, func(req SigningRequest) {
		p.responses.Push(p.process(req))
	})
}

// process checks the request and signs the commit ledger info digest.
func (p *SigningPhase) process(req SigningRequest) SigningResponse {
	resp := SigningResponse{CommitLedgerInfo: req.CommitLedgerInfo}

	if err := p.check(req); err != nil {
		resp.Err = err
		return resp
	}

	digest := req.CommitLedgerInfo.Digest()
	resp.Signature = p.signer.Sign(digest[:])

	return resp
}

// check refuses to sign anything but the execution result of a certified ordering.
func (p *SigningPhase) check(req SigningRequest) error {
	if req.OrderedLedgerInfo == nil {
		return fmt.Errorf("missing ordering proof")
	}

	if err := p.verifier.VerifyCertificate(req.OrderedLedgerInfo); err != nil {
		return fmt.Errorf("verify ordering proof:\n%w", err)
	}

	ordered := req.OrderedLedgerInfo.LedgerInfo
	commit := req.CommitLedgerInfo

	if !commit.CommitInfo.MatchesOrdered(ordered.CommitInfo) || commit.ConsensusDataHash != ordered.ConsensusDataHash {
		return fmt.Errorf("%w: commit %s does not extend ordered %s",
			ledger.ErrLedgerInfoMismatch, commit.CommitInfo.ID.Short(), ordered.CommitInfo.ID.Short())
	}

	return nil
}
