// Package events builds the lifecycle payloads published after an attestation
// is anchored on or revoked from the ledger.
package events

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"

	"github.com/KILTprotocol/attester/internal/attestation"
	"github.com/KILTprotocol/attester/internal/ledger"
)

const Version = "attestations.lifecycle.v1"

const (
	KindApproved = "approved"
	KindRevoked  = "revoked"
)

const eventIDPrefixV1 = "attestation"

type Payload struct {
	Version   string `json:"version"`
	EventID   string `json:"eventId"`
	Kind      string `json:"kind"`
	RequestID string `json:"requestId"`
	Claimer   string `json:"claimer"`
	CTypeHash string `json:"cTypeHash"`
	RootHash  string `json:"rootHash"`

	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`

	OccurredAt time.Time `json:"occurredAt"`
}

// EventIDV1 computes the canonical lifecycle event id:
//
//	eventId = keccak256("attestation" || requestID || kind || claimHash)
//
// The id is stable for a given request and transition, so consumers can
// deduplicate redelivered messages.
func EventIDV1(requestID uuid.UUID, kind string, claimHash [32]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(eventIDPrefixV1))
	_, _ = h.Write(requestID[:])
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write(claimHash[:])

	sum := h.Sum(nil)
	var out [32]byte
	copy(out[:], sum)
	return out
}

// BuildPayload assembles the lifecycle payload for an approved or revoked
// request and the ledger receipt that confirmed it.
func BuildPayload(kind string, req attestation.Request, receipt ledger.Receipt, occurredAt time.Time) (Payload, error) {
	if kind != KindApproved && kind != KindRevoked {
		return Payload{}, fmt.Errorf("events: unknown kind %q", kind)
	}
	claimHash, _, err := req.Credential.Hashes()
	if err != nil {
		return Payload{}, fmt.Errorf("events: %w", err)
	}
	id := EventIDV1(req.ID, kind, claimHash)

	return Payload{
		Version:     Version,
		EventID:     "0x" + hex.EncodeToString(id[:]),
		Kind:        kind,
		RequestID:   req.ID.String(),
		Claimer:     req.Claimer,
		CTypeHash:   req.CTypeHash,
		RootHash:    req.Credential.RootHash,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		OccurredAt:  occurredAt.UTC(),
	}, nil
}

// Encode returns the JSON payload and the broker partition key. Messages for
// the same request always share a key so consumers see transitions in order.
func (p Payload) Encode() (key, value []byte, err error) {
	value, err = json.Marshal(p)
	if err != nil {
		return nil, nil, fmt.Errorf("events: marshal payload: %w", err)
	}
	return []byte(p.RequestID), value, nil
}
