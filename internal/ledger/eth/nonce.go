package eth

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceManager hands out sequential nonces for a single submitter account.
// The first Next seeds from the node's pending nonce; after that, nonces are
// allocated locally so queued attestations do not race each other.
type NonceManager struct {
	mu      sync.Mutex
	backend Backend
	addr    common.Address
	next    uint64
	seeded  bool
}

func NewNonceManager(backend Backend, addr common.Address) *NonceManager {
	return &NonceManager{backend: backend, addr: addr}
}

func (m *NonceManager) Next(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seeded {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, fmt.Errorf("ledger/eth: seed nonce: %w", err)
		}
		m.next = n
		m.seeded = true
	}
	n := m.next
	m.next++
	return n, nil
}

// Sync re-reads the pending nonce from the node. Called after a failed send,
// where the local counter may have drifted from chain state.
func (m *NonceManager) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.backend.PendingNonceAt(ctx, m.addr)
	if err != nil {
		return fmt.Errorf("ledger/eth: sync nonce: %w", err)
	}
	m.next = n
	m.seeded = true
	return nil
}
