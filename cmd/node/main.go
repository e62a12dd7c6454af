package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/stegos-labs/node/params"
	"github.com/stegos-labs/node/pkg/api"
	"github.com/stegos-labs/node/pkg/chain"
	"github.com/stegos-labs/node/pkg/chainstore"
	"github.com/stegos-labs/node/pkg/crypto"
	"github.com/stegos-labs/node/pkg/node"
	"github.com/stegos-labs/node/pkg/p2p"
	"github.com/stegos-labs/node/pkg/util"
)

func main() {
	// Load config from .env file and environment variables.
	cfg := params.LoadFromEnv("")

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		logFile = "data/node.log"
	}
	logger, err := util.NewLoggerWithFile(logFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", logFile)

	names := cfg.Consensus.Validators
	if cfg.Node.SingleNode && len(names) > 0 {
		names = names[:1]
	}
	selfName := os.Getenv("VALIDATOR_NAME")
	if selfName == "" {
		selfName = names[0]
	}

	var members []chain.Validator
	var selfKeypair *crypto.Keypair
	for _, name := range names {
		kp, err := crypto.GenerateKeypair([]byte(name))
		if err != nil {
			sugar.Fatalw("keypair_generation_failed", "validator", name, "err", err)
		}
		members = append(members, chain.Validator{PublicKey: kp.PublicKey(), Key: []byte(name), Stake: 1})
		if name == selfName {
			selfKeypair = kp
		}
	}
	if selfKeypair == nil {
		sugar.Fatalw("self_not_in_validator_set", "name", selfName)
	}
	validators := chain.NewValidatorSet(members)
	genesisRandom := crypto.DigestBytes([]byte("stegos-genesis"))

	var bc chain.Blockchain
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		pb, err := chainstore.NewPebble(dataDir, validators, cfg.Node.BlocksInEpoch, genesisRandom)
		if err != nil {
			sugar.Fatalw("pebble_open_failed", "dir", dataDir, "err", err)
		}
		bc = pb
		sugar.Infow("chainstore_ready", "backend", "pebble", "dir", dataDir)
	} else {
		bc = chainstore.NewMemory(validators, cfg.Node.BlocksInEpoch, genesisRandom, chainstore.NewNopWAL())
		sugar.Infow("chainstore_ready", "backend", "memory")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: os.Getenv("LISTEN"),
		Bootstrap:  splitCSV(os.Getenv("BOOTSTRAP")),
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}

	svc, handle, err := node.NewService(cfg, bc, selfKeypair, []byte(selfName), net, util.RealClock{}, sugar)
	if err != nil {
		sugar.Fatalw("node_service_init_failed", "err", err)
	}

	sugar.Infow("node_starting",
		"self", selfName,
		"validators", len(members),
		"single_node_mode", cfg.Node.SingleNode,
		"blocks_in_epoch", cfg.Node.BlocksInEpoch)

	go func() {
		if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
			sugar.Fatalw("node_run_failed", "err", err)
		}
	}()

	apiAddr := os.Getenv("API_ADDR")
	if apiAddr == "" {
		apiAddr = ":8080"
	}
	apiServer := api.NewServer(handle, sugar)
	go func() {
		sugar.Infow("api_server_starting", "addr", apiAddr)
		if err := apiServer.Start(apiAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("node_shutting_down")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
