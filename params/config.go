package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Consensus holds the round-timing parameters the BFT engine and its
// pacemaker are configured with.
type Consensus struct {
	Validators []string

	// MicroBlockTimeout is how long a validator waits for the current
	// leader to gossip a micro block before raising a view change.
	MicroBlockTimeout time.Duration
	// MacroBlockTimeout is the equivalent wait for a macro-block
	// proposal before a round gives up and advances its view.
	MacroBlockTimeout time.Duration
	// TxWaitTimeout bounds how long a leader waits for the mempool to
	// fill before proposing an (possibly empty) micro block anyway.
	TxWaitTimeout time.Duration
}

// Node holds chain-cadence and reward parameters.
type Node struct {
	SingleNode bool
	// MinBlockTime is loaded from the environment; no block-production
	// path reads it, so it does not throttle block production.
	MinBlockTime time.Duration

	// BlocksInEpoch is the number of micro blocks between macro blocks.
	BlocksInEpoch uint64
	// BlockReward is the reward paid to a block's leader.
	BlockReward int64
	// PaymentFee and StakeFee are the configured per-kind transaction
	// fees. They are loaded from the environment only; the mempool does
	// not check fees when admitting a transaction.
	PaymentFee int64
	StakeFee   int64

	// MaxUtxoInTx, MaxUtxoInMempool, and MaxUtxoInBlock bound UTXO
	// fan-in/fan-out to keep multi-signature verification and block
	// validation bounded.
	MaxUtxoInTx      int
	MaxUtxoInMempool int
	MaxUtxoInBlock   int
}

type Config struct {
	Consensus Consensus
	Node      Node
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			Validators:        []string{"val1", "val2", "val3", "val4"},
			MicroBlockTimeout: 30 * time.Second,
			MacroBlockTimeout: 60 * time.Second,
			TxWaitTimeout:     5 * time.Second,
		},
		Node: Node{
			SingleNode:       true,
			MinBlockTime:     200 * time.Millisecond, // devnet default: prevent log spam
			BlocksInEpoch:    5,
			BlockReward:      60,
			PaymentFee:       1,
			StakeFee:         1,
			MaxUtxoInTx:      16,
			MaxUtxoInMempool: 10_000,
			MaxUtxoInBlock:   2_000,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("CONSENSUS_MICRO_BLOCK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.MicroBlockTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CONSENSUS_MACRO_BLOCK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.MacroBlockTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("CONSENSUS_TX_WAIT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.TxWaitTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("NODE_MIN_BLOCK_TIME_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Node.MinBlockTime = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SINGLE_NODE"); v != "" {
		cfg.Node.SingleNode = v == "true"
	}
	if v := os.Getenv("NODE_BLOCKS_IN_EPOCH"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Node.BlocksInEpoch = n
		}
	}
	if v := os.Getenv("NODE_BLOCK_REWARD"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Node.BlockReward = n
		}
	}
	if v := os.Getenv("NODE_PAYMENT_FEE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Node.PaymentFee = n
		}
	}
	if v := os.Getenv("NODE_STAKE_FEE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Node.StakeFee = n
		}
	}
	if v := os.Getenv("NODE_MAX_UTXO_IN_TX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.MaxUtxoInTx = n
		}
	}
	if v := os.Getenv("NODE_MAX_UTXO_IN_MEMPOOL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.MaxUtxoInMempool = n
		}
	}
	if v := os.Getenv("NODE_MAX_UTXO_IN_BLOCK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Node.MaxUtxoInBlock = n
		}
	}

	if vals := os.Getenv("CONSENSUS_VALIDATORS"); vals != "" {
		cfg.Consensus.Validators = splitCSV(vals)
	}

	return cfg
}

func splitCSV(s string) []string {
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
