// Package eth submits attestation registry transactions to an EVM chain.
//
// The Client packs registry calldata, prices it with EIP-1559 fees, signs with
// a local submitter key and waits for the transaction to finalize, verifying
// that the registry emitted the matching confirmation event before reporting
// success.
package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/KILTprotocol/attester/internal/ledger"
)

var ErrInvalidClientConfig = errors.New("ledger/eth: invalid client config")

// Backend is the narrow slice of ethclient.Client the submitter needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type ClientConfig struct {
	ChainID  *big.Int
	Registry common.Address

	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration
	FinalizeTimeout     time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Client struct {
	backend Backend
	signer  Signer
	nonces  *NonceManager
	cfg     ClientConfig
}

var _ ledger.Submitter = (*Client)(nil)

func NewClient(backend Backend, signer Signer, cfg ClientConfig) (*Client, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidClientConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, ErrInvalidClientConfig
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrInvalidClientConfig
	}
	if (cfg.Registry == common.Address{}) {
		return nil, ErrInvalidClientConfig
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, ErrInvalidClientConfig
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, ErrInvalidClientConfig
	}
	if cfg.ReceiptPollInterval <= 0 || cfg.FinalizeTimeout <= 0 {
		return nil, ErrInvalidClientConfig
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}

	return &Client{
		backend: backend,
		signer:  signer,
		nonces:  NewNonceManager(backend, signer.Address()),
		cfg:     cfg,
	}, nil
}

// SubmitAddClaim anchors an approved attestation on the registry and waits for
// the AttestationCreated event to confirm it.
func (c *Client) SubmitAddClaim(ctx context.Context, claimHash, ctypeHash [32]byte) (ledger.Receipt, error) {
	data, err := PackAddAttestation(claimHash, ctypeHash)
	if err != nil {
		return ledger.Receipt{}, err
	}
	topic, err := AttestationCreatedTopic()
	if err != nil {
		return ledger.Receipt{}, err
	}
	return c.submit(ctx, data, topic, claimHash)
}

// SubmitRevokeClaim revokes a previously anchored attestation and waits for
// the AttestationRevoked event to confirm it.
func (c *Client) SubmitRevokeClaim(ctx context.Context, claimHash [32]byte) (ledger.Receipt, error) {
	data, err := PackRevokeAttestation(claimHash)
	if err != nil {
		return ledger.Receipt{}, err
	}
	topic, err := AttestationRevokedTopic()
	if err != nil {
		return ledger.Receipt{}, err
	}
	return c.submit(ctx, data, topic, claimHash)
}

func (c *Client) submit(ctx context.Context, data []byte, topic0 common.Hash, claimHash [32]byte) (ledger.Receipt, error) {
	from := c.signer.Address()
	to := c.cfg.Registry

	est, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: from,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("%w: estimate gas: %v", ledger.ErrSubmission, err)
	}
	gasLimit := applyGasMultiplier(est, c.cfg.GasLimitMultiplier)

	suggestedTip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("%w: suggest tip: %v", ledger.ErrSubmission, err)
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("%w: latest header: %v", ledger.ErrSubmission, err)
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return ledger.Receipt{}, fmt.Errorf("%w: missing baseFee in latest header", ledger.ErrSubmission)
	}
	tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggestedTip, c.cfg.MinTipCap)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("%w: %v", ledger.ErrSubmission, err)
	}

	nonce, err := c.nonces.Next(ctx)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("%w: %v", ledger.ErrSubmission, err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := c.signer.SignTx(tx, c.cfg.ChainID)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("%w: sign: %v", ledger.ErrSubmission, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		// The nonce may or may not have reached the pool; resync so the next
		// submission does not wedge on a gap.
		_ = c.nonces.Sync(ctx)
		return ledger.Receipt{}, fmt.Errorf("%w: send: %v", ledger.ErrSubmission, err)
	}

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return ledger.Receipt{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ledger.Receipt{}, fmt.Errorf("%w: tx %s reverted", ledger.ErrSubmission, signed.Hash())
	}
	if !hasConfirmationEvent(receipt.Logs, c.cfg.Registry, topic0, claimHash) {
		return ledger.Receipt{}, fmt.Errorf("%w: tx %s", ledger.ErrConfirmationMissing, signed.Hash())
	}

	var blockNumber uint64
	if receipt.BlockNumber != nil {
		blockNumber = receipt.BlockNumber.Uint64()
	}
	return ledger.Receipt{
		TxHash:      signed.Hash().Hex(),
		BlockNumber: blockNumber,
		GasUsed:     receipt.GasUsed,
	}, nil
}

func (c *Client) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	deadline := c.cfg.Now().Add(c.cfg.FinalizeTimeout)
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: receipt: %v", ledger.ErrSubmission, err)
		}
		if !c.cfg.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: tx %s not mined within %s", ledger.ErrFinalizeTimeout, txHash, c.cfg.FinalizeTimeout)
		}
		if err := c.cfg.Sleep(ctx, c.cfg.ReceiptPollInterval); err != nil {
			return nil, fmt.Errorf("%w: %v", ledger.ErrSubmission, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
