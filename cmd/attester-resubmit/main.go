// attester-resubmit re-triggers ledger submission for requests stuck in the
// Failed state, and optionally releases stale InFlight rows left behind by a
// crashed process first.
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
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KILTprotocol/attester/internal/attestation"
	attpg "github.com/KILTprotocol/attester/internal/attestation/postgres"
	"github.com/KILTprotocol/attester/internal/issuer"
	ledgereth "github.com/KILTprotocol/attester/internal/ledger/eth"
	"github.com/KILTprotocol/attester/internal/secrets"
)

func main() {
	var (
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

		staleAfter = flag.Duration("stale-after", 0, "release InFlight rows older than this to Failed before resubmitting (0 disables)")
		dryRun     = flag.Bool("dry-run", false, "list what would be resubmitted without touching the ledger")

		useAWSSecrets = flag.Bool("aws-secrets", false, "enable aws: secret refs via AWS Secrets Manager")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSNRef == "" || *ethRPCURL == "" || *chainID == 0 || *registryAddr == "" || *submitterKeyRef == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn, --eth-rpc-url, --chain-id, --registry-address, and --submitter-key are required")
		os.Exit(2)
	}
	if !common.IsHexAddress(*registryAddr) {
		fmt.Fprintln(os.Stderr, "error: --registry-address must be a valid hex address")
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

	if *staleAfter > 0 {
		released, err := store.ReleaseStale(ctx, *staleAfter)
		if err != nil {
			log.Error("release stale rows", "err", err)
			os.Exit(1)
		}
		log.Info("released stale in-flight rows", "count", released, "olderThan", *staleAfter)
	}

	failed, err := store.ListByTxState(ctx, attestation.TxStateFailed)
	if err != nil {
		log.Error("list failed rows", "err", err)
		os.Exit(1)
	}
	if len(failed) == 0 {
		log.Info("no failed rows to resubmit")
		return
	}

	if *dryRun {
		for _, row := range failed {
			log.Info("would resubmit", "id", row.ID, "claimer", row.Claimer, "kind", resubmitKind(row))
		}
		return
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

	submitter, err := ledgereth.NewClient(eth, ledgereth.NewLocalSigner(key), ledgereth.ClientConfig{
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

	svc, err := issuer.New(issuer.Config{SubmitTimeout: *submitTimeout}, store, submitter, log)
	if err != nil {
		log.Error("init issuer service", "err", err)
		os.Exit(2)
	}

	var resubmitted int
	for _, row := range failed {
		switch resubmitKind(row) {
		case "approve":
			err = svc.Approve(ctx, row.ID)
		case "revoke":
			err = svc.Revoke(ctx, row.ID)
		default:
			log.Warn("skipping row in unexpected shape", "id", row.ID, "approved", row.Approved, "revoked", row.Revoked)
			continue
		}
		if err != nil {
			log.Warn("resubmit rejected", "id", row.ID, "err", err)
			continue
		}
		resubmitted++
	}

	// Submissions run on detached goroutines; wait for all of them to
	// reconcile before reporting.
	svc.Wait()
	log.Info("resubmission pass complete", "failed", len(failed), "resubmitted", resubmitted)
}

func resubmitKind(row attestation.Request) string {
	switch {
	case !row.Approved && !row.Revoked:
		return "approve"
	case row.Approved && !row.Revoked:
		return "revoke"
	default:
		return ""
	}
}
