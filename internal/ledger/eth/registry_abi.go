package eth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrInvalidInput = errors.New("ledger/eth: invalid input")

// registryABIJSON mirrors the attestation registry contract surface the
// backend depends on.
const registryABIJSON = `[
	{"type":"function","name":"addAttestation","stateMutability":"nonpayable","inputs":[
		{"name":"claimHash","type":"bytes32"},
		{"name":"ctypeHash","type":"bytes32"}
	],"outputs":[]},
	{"type":"function","name":"revokeAttestation","stateMutability":"nonpayable","inputs":[
		{"name":"claimHash","type":"bytes32"}
	],"outputs":[]},
	{"type":"event","name":"AttestationCreated","inputs":[
		{"name":"attester","type":"address","indexed":true},
		{"name":"claimHash","type":"bytes32","indexed":true},
		{"name":"ctypeHash","type":"bytes32","indexed":false}
	],"anonymous":false},
	{"type":"event","name":"AttestationRevoked","inputs":[
		{"name":"attester","type":"address","indexed":true},
		{"name":"claimHash","type":"bytes32","indexed":true}
	],"anonymous":false}
]`

var (
	initOnce sync.Once
	initErr  error

	registryABI abi.ABI

	attestationCreatedID common.Hash
	attestationRevokedID common.Hash
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		registryABI, err = abi.JSON(strings.NewReader(registryABIJSON))
		if err != nil {
			initErr = fmt.Errorf("ledger/eth: parse registry ABI: %w", err)
			return
		}
		attestationCreatedID = registryABI.Events["AttestationCreated"].ID
		attestationRevokedID = registryABI.Events["AttestationRevoked"].ID
	})
	return initErr
}

// PackAddAttestation builds addAttestation(bytes32,bytes32) calldata.
func PackAddAttestation(claimHash, ctypeHash [32]byte) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if claimHash == ([32]byte{}) || ctypeHash == ([32]byte{}) {
		return nil, fmt.Errorf("%w: zero hash", ErrInvalidInput)
	}
	b, err := registryABI.Pack("addAttestation", claimHash, ctypeHash)
	if err != nil {
		return nil, fmt.Errorf("ledger/eth: pack addAttestation: %w", err)
	}
	return b, nil
}

// PackRevokeAttestation builds revokeAttestation(bytes32) calldata.
func PackRevokeAttestation(claimHash [32]byte) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if claimHash == ([32]byte{}) {
		return nil, fmt.Errorf("%w: zero hash", ErrInvalidInput)
	}
	b, err := registryABI.Pack("revokeAttestation", claimHash)
	if err != nil {
		return nil, fmt.Errorf("ledger/eth: pack revokeAttestation: %w", err)
	}
	return b, nil
}

// AttestationCreatedTopic is the AttestationCreated event signature hash.
func AttestationCreatedTopic() (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	return attestationCreatedID, nil
}

// AttestationRevokedTopic is the AttestationRevoked event signature hash.
func AttestationRevokedTopic() (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	return attestationRevokedID, nil
}

// hasConfirmationEvent reports whether the receipt logs carry the expected
// registry event for the given claim hash.
func hasConfirmationEvent(logs []*types.Log, registry common.Address, topic0 common.Hash, claimHash [32]byte) bool {
	want := common.Hash(claimHash)
	for _, lg := range logs {
		if lg == nil || lg.Removed {
			continue
		}
		if lg.Address != registry {
			continue
		}
		if len(lg.Topics) < 3 {
			continue
		}
		if lg.Topics[0] == topic0 && lg.Topics[2] == want {
			return true
		}
	}
	return false
}
