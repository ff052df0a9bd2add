package main

import (
	"context"
	"encoding/json"
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
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KILTprotocol/attester/internal/archive"
	attpg "github.com/KILTprotocol/attester/internal/attestation/postgres"
	"github.com/KILTprotocol/attester/internal/attestapi"
	"github.com/KILTprotocol/attester/internal/auth"
	ledgereth "github.com/KILTprotocol/attester/internal/ledger/eth"
	"github.com/KILTprotocol/attester/internal/issuer"
	"github.com/KILTprotocol/attester/internal/queue"
	"github.com/KILTprotocol/attester/internal/secrets"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		postgresDSNRef = flag.String("postgres-dsn", "", "Postgres DSN or secret ref (required)")

		ethRPCURL       = flag.String("eth-rpc-url", "", "EVM JSON-RPC endpoint (required)")
		chainID         = flag.Uint64("chain-id", 0, "EVM chain id (required)")
		registryAddr    = flag.String("registry-address", "", "attestation registry contract address (required)")
		submitterKeyRef = flag.String("submitter-key", "", "submitter private key hex or secret ref (required)")

		gasLimitMultiplier  = flag.Float64("gas-limit-multiplier", 1.2, "multiplier applied to gas estimates")
		minTipCapWei        = flag.Int64("min-tip-cap-wei", 1_000_000_000, "minimum EIP-1559 tip cap in wei")
		receiptPollInterval = flag.Duration("receipt-poll-interval", 5*time.Second, "interval between receipt polls")
		finalizeTimeout     = flag.Duration("finalize-timeout", 3*time.Minute, "max wait for a transaction to be mined")
		submitTimeout       = flag.Duration("submit-timeout", 5*time.Minute, "overall timeout for one ledger submission")

		authTokensFile = flag.String("auth-tokens-file", "", "JSON file with API bearer tokens (required)")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		queueDriver   = flag.String("queue-driver", queue.DriverKafka, "queue driver for lifecycle events (kafka|stdio)")
		queueBrokers  = flag.String("queue-brokers", "", "queue brokers (comma-separated); empty disables event publishing")
		eventTopic    = flag.String("event-topic", "attestations.lifecycle.v1", "queue topic for lifecycle events")
		archiveDriver = flag.String("archive-driver", "", "credential archive driver (s3|memory); empty disables archiving")
		archiveBucket = flag.String("archive-bucket", "", "S3 bucket for credential snapshots")
		archivePrefix = flag.String("archive-prefix", "attestation-requests", "key prefix for credential snapshots")

		useAWSSecrets = flag.Bool("aws-secrets", false, "enable aws: secret refs via AWS Secrets Manager")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSNRef == "" || *ethRPCURL == "" || *chainID == 0 || *registryAddr == "" || *submitterKeyRef == "" || *authTokensFile == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --eth-rpc-url, --chain-id, --registry-address, --submitter-key, and --auth-tokens-file are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*registryAddr) {
		fmt.Fprintln(os.Stderr, "error: --registry-address must be a valid hex address")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *gasLimitMultiplier <= 0 || *minTipCapWei < 0 || *receiptPollInterval <= 0 || *finalizeTimeout <= 0 || *submitTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: ledger settings must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var awsProvider secrets.Provider
	if *useAWSSecrets {
		p, err := secrets.NewAWS(ctx)
		if err != nil {
			log.Error("init aws secrets provider", "err", err)
			os.Exit(2)
		}
		awsProvider = p
	}
	resolver := secrets.NewResolver(awsProvider)

	postgresDSN, err := resolver.Resolve(ctx, *postgresDSNRef)
	if err != nil {
		log.Error("resolve postgres dsn", "err", err)
		os.Exit(2)
	}
	submitterKeyHex, err := resolver.Resolve(ctx, *submitterKeyRef)
	if err != nil {
		log.Error("resolve submitter key", "err", err)
		os.Exit(2)
	}

	authn, err := loadAuthTokens(ctx, resolver, *authTokensFile)
	if err != nil {
		log.Error("load auth tokens", "err", err)
		os.Exit(2)
	}

	pool, err := pgxpool.New(ctx, postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := attpg.New(pool)
	if err != nil {
		log.Error("init attestation store", "err", err)
		os.Exit(2)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Error("ensure attestation schema", "err", err)
		os.Exit(2)
	}

	eth, err := ethclient.DialContext(ctx, *ethRPCURL)
	if err != nil {
		log.Error("dial eth rpc", "err", err)
		os.Exit(2)
	}
	defer eth.Close()

	key, err := crypto.HexToECDSA(strings.TrimPrefix(submitterKeyHex, "0x"))
	if err != nil {
		log.Error("parse submitter key", "err", err)
		os.Exit(2)
	}
	signer := ledgereth.NewLocalSigner(key)

	submitter, err := ledgereth.NewClient(eth, signer, ledgereth.ClientConfig{
		ChainID:             new(big.Int).SetUint64(*chainID),
		Registry:            common.HexToAddress(*registryAddr),
		GasLimitMultiplier:  *gasLimitMultiplier,
		MinTipCap:           big.NewInt(*minTipCapWei),
		ReceiptPollInterval: *receiptPollInterval,
		FinalizeTimeout:     *finalizeTimeout,
	})
	if err != nil {
		log.Error("init ledger client", "err", err)
		os.Exit(2)
	}

	svc, err := issuer.New(issuer.Config{
		SubmitTimeout: *submitTimeout,
		EventTopic:    *eventTopic,
	}, store, submitter, log)
	if err != nil {
		log.Error("init issuer service", "err", err)
		os.Exit(2)
	}

	if strings.TrimSpace(*queueBrokers) != "" || *queueDriver == queue.DriverStdio {
		producer, producerErr := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
		})
		if producerErr != nil {
			log.Error("init queue producer", "err", producerErr)
			os.Exit(2)
		}
		defer producer.Close()
		svc.WithProducer(producer)
		log.Info("lifecycle events enabled", "driver", *queueDriver, "topic", *eventTopic)
	}

	if strings.TrimSpace(*archiveDriver) != "" {
		cfg := archive.Config{
			Driver: *archiveDriver,
			Prefix: *archivePrefix,
			Bucket: *archiveBucket,
		}
		if cfg.Driver == archive.DriverS3 {
			awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx)
			if awsErr != nil {
				log.Error("load aws config for archive", "err", awsErr)
				os.Exit(2)
			}
			cfg.S3Client = s3.NewFromConfig(awsCfg)
		}
		arch, archErr := archive.New(cfg)
		if archErr != nil {
			log.Error("init credential archive", "err", archErr)
			os.Exit(2)
		}
		svc.WithArchive(arch)
		log.Info("credential archiving enabled", "driver", *archiveDriver, "bucket", *archiveBucket)
	}

	handler, err := attestapi.NewHandler(attestapi.Config{
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
	}, store, svc, authn)
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("attester-api listening", "addr", *listenAddr, "chainID", *chainID, "registry", *registryAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// Let in-flight ledger submissions reconcile before exiting.
	svc.Wait()
}

type authTokenEntry struct {
	// Token is the bearer token or a secret ref (aws:/env:/file:).
	Token string `json:"token"`
	ID    string `json:"id"`
	Admin bool   `json:"admin"`
}

func loadAuthTokens(ctx context.Context, resolver *secrets.Resolver, path string) (auth.Authenticator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var entries []authTokenEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	tokens := make(map[string]auth.User, len(entries))
	for _, e := range entries {
		token, err := resolver.Resolve(ctx, e.Token)
		if err != nil {
			return nil, fmt.Errorf("resolve token for %s: %w", e.ID, err)
		}
		tokens[token] = auth.User{ID: e.ID, IsAdmin: e.Admin}
	}
	return auth.NewStaticTokens(tokens)
}
