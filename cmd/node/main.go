package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"CommitLane/internal/aggregation"
	"CommitLane/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return fmt.Errorf("parse flags:\n%w", err)
	}

	logger.Init(cfg.LogLevel)

	if cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath); err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	if err := logIdentity(cfg); err != nil {
		return err
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	return node.Run()
}

// logIdentity prints the keys an operator copies into the validators file.
func logIdentity(cfg *Config) error {
	bls, err := aggregation.DeriveFromED25519(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive BLS key:\n%w", err)
	}

	logger.Info("starting commitlane node",
		"author", hex.EncodeToString(cfg.PrivateKey.Public().(ed25519.PublicKey)),
		"bls", hex.EncodeToString(bls.PublicKeyBytes()),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"validators", cfg.ValidatorsPath,
		"retry", cfg.RetryInterval,
	)

	return nil
}
