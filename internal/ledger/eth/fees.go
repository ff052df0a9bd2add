package eth

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("ledger/eth: invalid fee args")

// Calc1559Fees returns conservative EIP-1559 fee caps based on the latest block base fee.
//
// Policy:
// - tipCap = max(suggestedTipCap, minTipCap)
// - feeCap = 2*baseFee + tipCap
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTipCap == nil || minTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTipCap.Sign() < 0 || minTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	tip := new(big.Int).Set(suggestedTipCap)
	if tip.Cmp(minTipCap) < 0 {
		tip.Set(minTipCap)
	}

	fee := new(big.Int).Mul(baseFee, big.NewInt(2))
	fee.Add(fee, tip)

	return tip, fee, nil
}
