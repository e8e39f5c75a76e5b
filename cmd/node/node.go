package main

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"CommitLane/internal/aggregation"
	"CommitLane/internal/api"
	"CommitLane/internal/execution"
	"CommitLane/internal/ledger"
	"CommitLane/internal/logger"
	"CommitLane/internal/network"
	"CommitLane/internal/pipeline"
	"CommitLane/internal/storage"
)

const (
	// pruneInterval is the period between ledger pruning passes.
	pruneInterval = time.Minute
)

// Node represents a running commit pipeline validator.
type Node struct {
	cfg      *Config
	author   ledger.Author
	blsKey   *aggregation.BLSKeyPair
	storage  *storage.Storage
	ledger   *storage.LedgerStore
	executor *execution.HashChain
	verifier *aggregation.ValidatorVerifier
	peers    []aggregation.ValidatorInfo // peers are the other validators with a known address
	network  *network.Node
	sender   *pipeline.NetworkSender
	pipeline *pipeline.Pipeline
	registry *prometheus.Registry
	api      *api.Server

	stop chan struct{}  // stop ends the prune loop
	wg   sync.WaitGroup // wg waits for the prune loop
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg, stop: make(chan struct{})}
	copy(n.author[:], cfg.PrivateKey.Public().(ed25519.PublicKey))

	blsKey, err := aggregation.DeriveFromED25519(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("derive BLS key:\n%w", err)
	}
	n.blsKey = blsKey

	if err := n.initValidators(); err != nil {
		return nil, err
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initExecutor(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initPipeline(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initValidators loads the validator set and checks this node belongs to it.
func (n *Node) initValidators() error {
	self := aggregation.ValidatorInfo{
		Author:      n.author,
		PublicKey:   n.blsKey.PublicKeyBytes(),
		VotingPower: 1,
		Address:     n.cfg.QUICAddress,
	}

	infos := []aggregation.ValidatorInfo{self}

	if n.cfg.ValidatorsPath != "" {
		loaded, err := aggregation.LoadValidators(n.cfg.ValidatorsPath)
		if err != nil {
			return fmt.Errorf("load validators:\n%w", err)
		}
		infos = loaded
	}

	verifier, err := aggregation.NewValidatorVerifier(infos)
	if err != nil {
		return fmt.Errorf("build validator set:\n%w", err)
	}

	if !verifier.Contains(n.author) {
		return fmt.Errorf("node %s is not in the validator set", n.author.Short())
	}

	for _, v := range verifier.Validators() {
		if v.Author == n.author {
			if !bytes.Equal(v.PublicKey, self.PublicKey) {
				return fmt.Errorf("validator set lists a different BLS key for %s", n.author.Short())
			}
			continue
		}

		if v.Address != "" {
			n.peers = append(n.peers, v)
		}
	}

	n.verifier = verifier

	logger.Info("validator set loaded",
		"validators", verifier.Len(),
		"quorum", verifier.Quorum(),
		"peers", len(n.peers),
	)

	return nil
}

// initStorage opens the Pebble store and the ledger on top of it.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(n.cfg.DataPath+"/db", storage.Config{})
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	l, err := storage.NewLedgerStore(db, 0)
	if err != nil {
		db.Close()
		return fmt.Errorf("init ledger:\n%w", err)
	}

	n.storage = db
	n.ledger = l

	return nil
}

// initExecutor creates the executor and seeds it with the last committed state.
func (n *Node) initExecutor() error {
	executor, err := execution.NewHashChain(0)
	if err != nil {
		return fmt.Errorf("init executor:\n%w", err)
	}

	if height := n.ledger.LatestHeight(); height > 0 {
		b, err := n.ledger.Block(height)
		if err != nil {
			return fmt.Errorf("read latest block:\n%w", err)
		}

		if b != nil {
			executor.Seed(b.ID, b.StateRoot)
			logger.Info("resuming from ledger", "height", height, "block", b.ID.Short())
		}
	}

	n.executor = executor

	return nil
}

// initNetwork creates the QUIC node admitting only validators.
func (n *Node) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
		Authorize: func(pk ed25519.PublicKey) bool {
			var a ledger.Author
			copy(a[:], pk)
			return n.verifier.Contains(a)
		},
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	return nil
}

// initPipeline wires metrics, the commit message sender and the pipeline phases.
func (n *Node) initPipeline() error {
	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics, err := pipeline.NewMetrics(n.registry)
	if err != nil {
		return fmt.Errorf("init metrics:\n%w", err)
	}

	ch := pipeline.NewChannels()
	n.sender = pipeline.NewNetworkSender(n.network, ch.CommitMessages)

	n.pipeline = pipeline.New(
		pipeline.Config{Author: n.author, RetryInterval: n.cfg.RetryInterval},
		ch,
		n.verifier,
		n.executor,
		n.blsKey,
		n.ledger,
		pipeline.WithMetrics(metrics),
		pipeline.WithCommitSender(n.sender),
	)

	return nil
}

// Run starts the node and blocks until a shutdown signal or a reconfiguration.
func (n *Node) Run() error {
	n.network.OnMessage(func(p *network.Peer, data []byte) {
		if err := n.pipeline.HandleMessage(data); err != nil {
			logger.Debug("drop commit message", "peer", p.Address(), "error", err)
		}
	})

	n.network.OnConnect(func(p *network.Peer) {
		logger.Debug("validator connected", "peer", p.Address())
	})

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	for _, v := range n.peers {
		n.network.KeepConnected(v.Address)
	}

	n.api = api.New(n.cfg.HTTPAddress, n.pipeline, n.verifier, n.ledger, n.network, n.registry)
	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	if n.cfg.Retain > 0 {
		n.wg.Add(1)
		go n.pruneLoop()
	}

	return n.waitForShutdown()
}

// pruneLoop periodically drops committed heights beyond the retention window.
func (n *Node) pruneLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-ticker.C:
			latest := n.ledger.LatestHeight()
			if latest <= n.cfg.Retain {
				continue
			}

			start := time.Now()
			removed, err := n.ledger.Prune(latest - n.cfg.Retain)
			if err != nil {
				logger.Warn("prune ledger", "error", err)
				continue
			}

			if removed > 0 {
				logger.Debug("ledger pruned", "below", latest-n.cfg.Retain, "keys", removed, logger.Timed(start))
			}
		}
	}
}

// waitForShutdown blocks until SIGINT or SIGTERM is received or the pipeline stops.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-n.pipeline.Done():
		logger.Info("commit pipeline stopped, shutting down")
	}

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.pipeline != nil {
		n.pipeline.Close()
	}

	if n.sender != nil {
		n.sender.Close()
	}

	close(n.stop)
	n.wg.Wait()

	if n.ledger != nil {
		n.ledger.Close()
	}

	if n.storage != nil {
		if err := n.storage.Close(); err != nil {
			return fmt.Errorf("close storage:\n%w", err)
		}
	}

	return nil
}
