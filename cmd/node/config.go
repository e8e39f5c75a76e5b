package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"CommitLane/internal/logger"
	"CommitLane/internal/pipeline"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// KeyPath is the path to the hex-encoded ed25519 seed file.
	KeyPath string

	// PrivateKey is the node's Ed25519 identity key. The BLS voting key is derived from it.
	PrivateKey ed25519.PrivateKey

	// ValidatorsPath is the JSON validator set. Empty runs a single-validator network.
	ValidatorsPath string

	// RetryInterval is the commit vote re-broadcast period.
	RetryInterval time.Duration

	// Retain is the number of committed heights kept on disk. 0 keeps everything.
	Retain uint64

	// LogLevel is the minimum level written to the log.
	LogLevel slog.Level
}

// parseFlags parses command-line flags into Config.
func parseFlags() (*Config, error) {
	cfg := &Config{}
	var level string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC P2P address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Hex ed25519 seed file (created if missing, ephemeral if empty)")
	flag.StringVar(&cfg.ValidatorsPath, "validators", "", "Validator set JSON file (single validator if empty)")
	flag.DurationVar(&cfg.RetryInterval, "retry-interval", pipeline.DefaultRetryInterval, "Commit vote re-broadcast interval")
	flag.Uint64Var(&cfg.Retain, "retain", 0, "Committed heights kept on disk (0 keeps all)")
	flag.StringVar(&level, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	var err error
	if cfg.LogLevel, err = logger.ParseLevel(level); err != nil {
		return nil, err
	}

	if cfg.RetryInterval <= 0 {
		return nil, fmt.Errorf("retry interval must be positive, got %s", cfg.RetryInterval)
	}

	return cfg, nil
}

// loadOrGenerateKey reads a hex-encoded ed25519 seed from keyPath.
// A missing file is created with a fresh seed; an empty path yields an ephemeral key.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return newSeedKey()
	}

	data, err := os.ReadFile(keyPath)
	if errors.Is(err, fs.ErrNotExist) {
		priv, err := newSeedKey()
		if err != nil {
			return nil, err
		}

		encoded := hex.EncodeToString(priv.Seed()) + "\n"
		if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
			return nil, fmt.Errorf("save key to %s:\n%w", keyPath, err)
		}

		return priv, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key file %s:\n%w", keyPath, err)
	}

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size in %s: got %d, want %d", keyPath, len(seed), ed25519.SeedSize)
	}

	return ed25519.NewKeyFromSeed(seed), nil
}

// newSeedKey creates an ed25519 key from a random seed.
func newSeedKey() (ed25519.PrivateKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed:\n%w", err)
	}

	return ed25519.NewKeyFromSeed(seed), nil
}
