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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/obscura-unlinker/unlinker/internal/blobstore"
	"github.com/obscura-unlinker/unlinker/internal/chainclient"
	"github.com/obscura-unlinker/unlinker/internal/eth"
	"github.com/obscura-unlinker/unlinker/internal/processor"
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

		blobstoreDriver = flag.String("blobstore-driver", "memory", "blobstore driver for execution manifests (memory|s3)")
		blobstoreBucket = flag.String("blobstore-bucket", "", "s3 bucket, required when --blobstore-driver=s3")

		tickInterval = flag.Duration("tick-interval", 15*time.Second, "interval between batch ticks")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*rpcURL) == "" || *chainID == 0 || !common.IsHexAddress(*escrowAddress) {
		fmt.Fprintln(os.Stderr, "error: --rpc-url, --chain-id, and --escrow-address are required")
		os.Exit(2)
	}
	if *tickInterval <= 0 {
		fmt.Fprintln(os.Stderr, "error: --tick-interval must be > 0")
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

	blobCfg := blobstore.Config{Driver: *blobstoreDriver, Bucket: *blobstoreBucket, Prefix: "unlinker"}
	if *blobstoreDriver == blobstore.DriverS3 {
		if strings.TrimSpace(*blobstoreBucket) == "" {
			fmt.Fprintln(os.Stderr, "error: --blobstore-bucket is required for --blobstore-driver=s3")
			os.Exit(2)
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Error("load aws config for blobstore", "error", err)
			os.Exit(2)
		}
		blobCfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	blobStore, err := blobstore.New(blobCfg)
	if err != nil {
		log.Error("init blobstore", "error", err)
		os.Exit(2)
	}

	// NOTE: this process keeps its own in-memory session/job/queue state.
	// A production deployment wires unlinker-api, unlinker-matcher and
	// unlinker-processor against shared durable stores; see DESIGN.md.
	sessions := session.NewMemoryStore(nil)
	jobs := withdrawjob.NewMemoryStore(nil)
	q := queue.NewMemoryQueue()

	p, err := processor.New(q, jobs, sessions, chain, processor.WithLogger(log), processor.WithBlobStore(blobStore))
	if err != nil {
		log.Error("init processor", "error", err)
		os.Exit(2)
	}

	ticker := time.NewTicker(*tickInterval)
	defer ticker.Stop()

	log.Info("unlinker-processor running", "tickInterval", tickInterval.String())
	for {
		select {
		case <-ctx.Done():
			log.Info("unlinker-processor shutting down")
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				log.Error("processor: tick failed", "error", err)
			}
		}
	}
}
