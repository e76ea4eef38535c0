package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/obscura-unlinker/unlinker/internal/chainclient"
	"github.com/obscura-unlinker/unlinker/internal/eth"
	"github.com/obscura-unlinker/unlinker/internal/jitter"
	"github.com/obscura-unlinker/unlinker/internal/matcher"
	"github.com/obscura-unlinker/unlinker/internal/queue"
	"github.com/obscura-unlinker/unlinker/internal/secrets"
	"github.com/obscura-unlinker/unlinker/internal/session"
	"github.com/obscura-unlinker/unlinker/internal/withdrawjob"
)

func main() {
	var (
		rpcURL        = flag.String("rpc-url", "", "EVM JSON-RPC URL (required)")
		chainID       = flag.Uint64("chain-id", 0, "EVM chain id (required)")
		escrowAddress = flag.String("escrow-address", "", "escrow contract address (required)")

		operatorKeySecret = flag.String("operator-key-secret", "OPERATOR_PRIVATE_KEY", "secrets key holding the operator's hex-encoded private key")
		secretsDriver     = flag.String("secrets-driver", "env", "secrets provider driver (env|aws)")

		maxDelaySeconds = flag.Int("max-delay-seconds", 10, "upper bound of the jitter delay window, widenable to 60")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*rpcURL) == "" || *chainID == 0 || !common.IsHexAddress(*escrowAddress) {
		fmt.Fprintln(os.Stderr, "error: --rpc-url, --chain-id, and --escrow-address are required")
		os.Exit(2)
	}
	if *maxDelaySeconds <= 0 {
		fmt.Fprintln(os.Stderr, "error: --max-delay-seconds must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var secretsProvider secrets.Provider
	switch *secretsDriver {
	case "env":
		secretsProvider = secrets.NewEnv()
	case "aws":
		aws, err := secrets.NewAWS(ctx)
		if err != nil {
			log.Error("init aws secrets provider", "error", err)
			os.Exit(2)
		}
		secretsProvider = aws
	default:
		fmt.Fprintln(os.Stderr, "error: --secrets-driver must be env or aws")
		os.Exit(2)
	}

	operatorKeyHex, err := secretsProvider.Get(ctx, *operatorKeySecret)
	if err != nil {
		log.Error("load operator private key", "error", err)
		os.Exit(2)
	}
	operatorKeys, err := eth.ParsePrivateKeysHexList(operatorKeyHex)
	if err != nil || len(operatorKeys) == 0 {
		log.Error("parse operator private key", "error", err)
		os.Exit(2)
	}

	ethClient, err := chainclient.Dial(ctx, *rpcURL)
	if err != nil {
		log.Error("dial rpc", "error", err)
		os.Exit(2)
	}

	relayer, err := eth.NewRelayer(ethClient, []eth.Signer{eth.NewLocalSigner(operatorKeys[0])}, eth.RelayerConfig{
		ChainID:             new(big.Int).SetUint64(*chainID),
		GasLimitMultiplier:  1.2,
		MinTipCap:           big.NewInt(1),
		ReceiptPollInterval: 2 * time.Second,
	})
	if err != nil {
		log.Error("init relayer", "error", err)
		os.Exit(2)
	}

	chain, err := chainclient.New(ethClient, relayer, chainclient.Config{
		EscrowAddress: common.HexToAddress(*escrowAddress),
		Log:           log,
	})
	if err != nil {
		log.Error("init chain client", "error", err)
		os.Exit(2)
	}

	// NOTE: this process keeps its own in-memory session/job/queue state.
	// A production deployment wires unlinker-api, unlinker-matcher and
	// unlinker-processor against shared durable stores; see DESIGN.md.
	sessions := session.NewMemoryStore(nil)
	jobs := withdrawjob.NewMemoryStore(nil)
	q := queue.NewMemoryQueue()

	m := matcher.New(sessions, jobs, q, matcher.WithJitterConfig(jitter.Config{MaxDelaySeconds: *maxDelaySeconds}), matcher.WithLogger(log))

	events, err := chain.Subscribe(ctx)
	if err != nil {
		log.Error("subscribe to deposit events", "error", err)
		os.Exit(2)
	}

	log.Info("unlinker-matcher running")
	for ev := range events {
		if err := m.HandleEvent(ctx, ev); err != nil {
			log.Error("matcher: failed to handle deposit event", "from", ev.From.Hex(), "error", err)
			continue
		}
	}
}
