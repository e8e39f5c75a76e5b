package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"CommitLane/internal/aggregation"
	"CommitLane/internal/ledger"
	"CommitLane/internal/logger"
	"CommitLane/internal/pipeline"
)

const (
	// maxBatchSize is the maximum ordered batch body size in bytes.
	maxBatchSize = 8 << 20
)

// Submitter accepts ordered batches into the commit pipeline.
type Submitter interface {
	Submit(b pipeline.OrderedBlocks)
	BufferLen() int
}

// Resetter empties the commit pipeline, ending the epoch when reconfig is set.
type Resetter interface {
	Reset(ctx context.Context, reconfig bool) error
}

// Pipeline is the commit pipeline as seen by the API.
type Pipeline interface {
	Submitter
	Resetter
}

// Ledger exposes committed blocks and certificates.
type Ledger interface {
	LatestHeight() uint64
	Block(height uint64) (*ledger.Block, error)
	Latest() (*ledger.LedgerInfoWithSignatures, error)
}

// PeerCounter reports connected validators.
type PeerCounter interface {
	PeerCount() int
}

// Server is the HTTP API server.
type Server struct {
	addr     string                         // addr is the HTTP listen address
	pipeline Pipeline                       // pipeline receives ordered batches and resets
	verifier *aggregation.ValidatorVerifier // verifier checks ordering proofs
	ledger   Ledger                         // ledger serves committed data, may be nil
	peers    PeerCounter                    // peers is the network view, may be nil
	gatherer prometheus.Gatherer            // gatherer backs /metrics, may be nil
	server   *http.Server                   // server is the underlying HTTP server

	tipMu  sync.Mutex // tipMu serializes intake so batches reach the pipeline in chain order
	tip    tip        // tip is the last block handed to the pipeline
	tipSet bool       // tipSet is false until tip is read from the ledger
}

// tip identifies the block a new batch must extend.
type tip struct {
	id     ledger.Hash
	height uint64
}

// New creates a new HTTP API server.
func New(addr string, p Pipeline, verifier *aggregation.ValidatorVerifier, l Ledger, peers PeerCounter, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		pipeline: p,
		verifier: verifier,
		ledger:   l,
		peers:    peers,
		gatherer: gatherer,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ordered", s.handleOrdered)
	mux.HandleFunc("POST /reset", s.handleReset)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /blocks/{height}", s.handleBlock)
	mux.HandleFunc("GET /commits/latest", s.handleLatestCommit)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", s.addr)

		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// orderedBatch is the body of POST /ordered.
type orderedBatch struct {
	Blocks []*ledger.Block                  `json:"blocks"`
	Proof  *ledger.LedgerInfoWithSignatures `json:"proof"`
}

// handleOrdered accepts a batch ordered by the consensus protocol.
func (s *Server) handleOrdered(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBatchSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(body) > maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "batch too large")
		return
	}

	var batch orderedBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}

	if err := validateBatch(batch, s.verifier); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid batch: %v", err))
		return
	}

	s.tipMu.Lock()
	defer s.tipMu.Unlock()

	cur, err := s.currentTip()
	if err != nil {
		logger.Warn("read ledger tip", "error", err)
		writeError(w, http.StatusInternalServerError, "read ledger tip")
		return
	}

	first := batch.Blocks[0]
	if first.ParentID != cur.id || first.Height != cur.height+1 {
		writeError(w, http.StatusConflict, fmt.Sprintf("batch does not extend block %s at height %d", cur.id.Short(), cur.height))
		return
	}

	last := batch.Blocks[len(batch.Blocks)-1]

	s.pipeline.Submit(pipeline.OrderedBlocks{
		Blocks:       batch.Blocks,
		OrderedProof: batch.Proof,
		Callback:     logCommitted,
	})

	s.tip = tip{id: last.ID, height: last.Height}

	logger.Debug("ordered batch accepted", "block", last.ID.Short(), "blocks", len(batch.Blocks))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     last.ID,
		"height": last.Height,
	})
}

// currentTip returns the block the next batch must extend.
// After startup or a reset it is the latest committed block, or the zero block on an empty ledger.
// The caller holds tipMu.
func (s *Server) currentTip() (tip, error) {
	if s.tipSet {
		return s.tip, nil
	}

	s.tip = tip{}

	if s.ledger != nil {
		latest, err := s.ledger.Latest()
		if err != nil {
			return tip{}, err
		}

		if latest != nil {
			s.tip = tip{id: latest.LedgerInfo.CommitInfo.ID, height: latest.LedgerInfo.CommitInfo.Height}
		}
	}

	s.tipSet = true

	return s.tip, nil
}

// resetRequest is the body of POST /reset.
type resetRequest struct {
	Reconfig bool `json:"reconfig"`
}

// handleReset empties the commit pipeline. Intake resumes from the latest committed block.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest

	if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return
	}

	s.tipMu.Lock()
	defer s.tipMu.Unlock()

	err := s.pipeline.Reset(r.Context(), req.Reconfig)

	// An unacknowledged reset may still be applied later.
	s.tipSet = false

	switch {
	case errors.Is(err, pipeline.ErrStopped):
		writeError(w, http.StatusConflict, "pipeline stopped")
		return
	case err != nil:
		logger.Warn("reset pipeline", "error", err)
		writeError(w, http.StatusServiceUnavailable, "reset not acknowledged")
		return
	}

	logger.Info("pipeline reset over http", "reconfig", req.Reconfig)

	writeJSON(w, http.StatusOK, map[string]bool{
		"reconfig": req.Reconfig,
	})
}

// logCommitted is the completion callback of batches received over HTTP.
func logCommitted(blocks []*ledger.Block, commit *ledger.LedgerInfoWithSignatures) {
	logger.Debug("ordered batch committed",
		"height", commit.LedgerInfo.CommitInfo.Height,
		"blocks", len(blocks),
	)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"buffered":   s.pipeline.BufferLen(),
		"validators": s.verifier.Len(),
		"quorum":     s.verifier.Quorum(),
	}

	if s.peers != nil {
		status["peers"] = s.peers.PeerCount()
	}

	if s.ledger != nil {
		status["committedHeight"] = s.ledger.LatestHeight()

		latest, err := s.ledger.Latest()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "read latest commit")
			logger.Warn("status: read latest commit", "error", err)
			return
		}

		if latest != nil {
			status["committedRound"] = latest.LedgerInfo.CommitInfo.Round
			status["epoch"] = latest.LedgerInfo.CommitInfo.Epoch
		}
	}

	writeJSON(w, http.StatusOK, status)
}

// handleBlock handles GET /blocks/{height} requests.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not available")
		return
	}

	height, err := strconv.ParseUint(r.PathValue("height"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid height")
		return
	}

	b, err := s.ledger.Block(height)
	if err != nil {
		logger.Warn("read block", "height", height, "error", err)
		writeError(w, http.StatusInternalServerError, "read block")
		return
	}

	if b == nil {
		writeError(w, http.StatusNotFound, "block not found")
		return
	}

	writeJSON(w, http.StatusOK, b)
}

// handleLatestCommit handles GET /commits/latest requests.
func (s *Server) handleLatestCommit(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not available")
		return
	}

	cert, err := s.ledger.Latest()
	if err != nil {
		logger.Warn("read latest commit", "error", err)
		writeError(w, http.StatusInternalServerError, "read latest commit")
		return
	}

	if cert == nil {
		writeError(w, http.StatusNotFound, "no commit yet")
		return
	}

	writeJSON(w, http.StatusOK, cert)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
