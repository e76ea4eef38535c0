package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/obscura-unlinker/unlinker/internal/api"
	"github.com/obscura-unlinker/unlinker/internal/blobstore"
	"github.com/obscura-unlinker/unlinker/internal/chainclient"
	"github.com/obscura-unlinker/unlinker/internal/eth"
	"github.com/obscura-unlinker/unlinker/internal/keyenclave"
	"github.com/obscura-unlinker/unlinker/internal/secrets"
	"github.com/obscura-unlinker/unlinker/internal/session"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8081", "HTTP listen address")

		rpcURL        = flag.String("rpc-url", "", "EVM JSON-RPC URL (required)")
		chainID       = flag.Uint64("chain-id", 0, "EVM chain id (required)")
		escrowAddress = flag.String("escrow-address", "", "escrow contract address (required)")

		operatorKeySecret = flag.String("operator-key-secret", "OPERATOR_PRIVATE_KEY", "secrets key holding the operator's hex-encoded private key")
		secretsDriver     = flag.String("secrets-driver", "env", "secrets provider driver (env|aws)")

		gasFundingWei = flag.String("gas-funding-wei", "0", "native gas wei sent to each fresh destination address; 0 disables prefunding")

		blobstoreDriver = flag.String("blobstore-driver", "memory", "blobstore driver for the attestation audit trail (memory|s3)")
		blobstoreBucket = flag.String("blobstore-bucket", "", "s3 bucket, required when --blobstore-driver=s3")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 5, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 20, "per-IP burst capacity for API rate limiting")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*rpcURL) == "" || *chainID == 0 || !common.IsHexAddress(*escrowAddress) {
		fmt.Fprintln(os.Stderr, "error: --rpc-url, --chain-id, and --escrow-address are required")
		os.Exit(2)
	}
	if *listenAddr == "" || *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: --listen and timeouts must be non-empty/positive")
		os.Exit(2)
	}

	gasWei, ok := new(big.Int).SetString(*gasFundingWei, 10)
	if !ok {
		fmt.Fprintln(os.Stderr, "error: --gas-funding-wei must be a base-10 integer")
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

	enclave := keyenclave.New(keyenclave.WithBlobStore(blobStore), keyenclave.WithLogger(log))
	sessions := session.NewMemoryStore(nil)

	handler, err := api.NewHandler(api.Config{
		Sessions:                sessions,
		Enclave:                 enclave,
		GasFunder:               chain,
		GasFundingWei:           gasWei,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		Log:                     log,
	})
	if err != nil {
		log.Error("init api handler", "error", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("unlinker-api listening", "addr", *listenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("http server", "error", err)
		os.Exit(1)
	}
}
