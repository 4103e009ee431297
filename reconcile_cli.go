package main

import (
	"context"
	"os"
	"strconv"
)

// runReconcileCli re-scans a configured chain over an explicit block range
// for deposits that the running watcher may have missed, e.g. after an RPC
// outage or a reorg deeper than the configured confirmation latency.
// Example: zeropay reconcile 1 18000000 18001000
func runReconcileCli(logger Logger) {
	logger = logger.NewSystem("reconcile")
	if len(os.Args) < 5 {
		logger.Fatal("usage: zeropay reconcile <chain_id> <block_start> <block_end>")
	}

	chainID, err := strconv.ParseUint(os.Args[2], 10, 32)
	if err != nil {
		logger.Fatal("invalid chain id", "value", os.Args[2])
	}
	blockStart, err := strconv.ParseUint(os.Args[3], 10, 64)
	if err != nil {
		logger.Fatal("invalid block start", "value", os.Args[3])
	}
	blockEnd, err := strconv.ParseUint(os.Args[4], 10, 64)
	if err != nil {
		logger.Fatal("invalid block end", "value", os.Args[4])
	}

	config, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	cfg, ok := config.chains[uint32(chainID)]
	if !ok {
		logger.Fatal("chain is not configured", "chain_id", chainID)
	}

	db, err := ConnectToDB(config.dbConf)
	if err != nil {
		logger.Fatal("failed to setup database", "error", err)
	}

	matcher := NewSessionMatcher(db, config.chains, nil, nil, logger)

	watcher, err := NewChainWatcher(cfg, db, nil, logger, func(ctx context.Context, d *Deposit) {
		if err := matcher.Match(ctx, d); err != nil {
			logger.Error("failed to match reconciled deposit", "deposit_id", d.ID, "error", err)
		}
	})
	if err != nil {
		logger.Fatal("failed to initialize chain watcher", "error", err)
	}

	ctx := context.Background()
	if err := watcher.scanRangeInChunks(ctx, blockStart, blockEnd); err != nil {
		logger.Fatal("reconcile scan failed", "error", err)
	}

	logger.Info("reconcile complete", "chain_id", chainID, "from", blockStart, "to", blockEnd)
}
