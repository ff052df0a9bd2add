package events

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/KILTprotocol/attester/internal/attestation"
	"github.com/KILTprotocol/attester/internal/ledger"
)

func testRequest(t *testing.T) attestation.Request {
	t.Helper()
	return attestation.Request{
		ID:        uuid.MustParse("93c184b4-7b9c-4dcb-8859-b552db4e6a74"),
		Claimer:   "did:kilt:4pnfkRn5UurBJTW92d9TaVLR2CqJdY4z5HPjrEbpGyBykare",
		CTypeHash: "0x" + strings.Repeat("11", 32),
		Credential: attestation.Credential{
			Claim: attestation.Claim{
				CTypeHash: "0x" + strings.Repeat("11", 32),
				Contents:  json.RawMessage(`{"name":"alice"}`),
				Owner:     "did:kilt:4pnfkRn5UurBJTW92d9TaVLR2CqJdY4z5HPjrEbpGyBykare",
			},
			RootHash: "0x" + strings.Repeat("22", 32),
		},
	}
}

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	req := testRequest(t)
	receipt := ledger.Receipt{TxHash: "0xabc", BlockNumber: 42, GasUsed: 55_000}
	at := time.Date(2026, 2, 9, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	p, err := BuildPayload(KindApproved, req, receipt, at)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if p.Version != Version {
		t.Fatalf("version: got %q want %q", p.Version, Version)
	}
	if p.Kind != KindApproved {
		t.Fatalf("kind: got %q", p.Kind)
	}
	if p.RequestID != req.ID.String() {
		t.Fatalf("requestId: got %q", p.RequestID)
	}
	if p.RootHash != req.Credential.RootHash {
		t.Fatalf("rootHash: got %q", p.RootHash)
	}
	if p.TxHash != "0xabc" || p.BlockNumber != 42 {
		t.Fatalf("receipt fields: %+v", p)
	}
	if !p.OccurredAt.Equal(at) || p.OccurredAt.Location() != time.UTC {
		t.Fatalf("occurredAt not normalized to UTC: %v", p.OccurredAt)
	}
	if !strings.HasPrefix(p.EventID, "0x") || len(p.EventID) != 2+64 {
		t.Fatalf("eventId: got %q", p.EventID)
	}

	// Same request, same kind: stable id. Different kind: different id.
	p2, err := BuildPayload(KindApproved, req, receipt, at)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if p2.EventID != p.EventID {
		t.Fatalf("eventId not stable: %q vs %q", p.EventID, p2.EventID)
	}
	p3, err := BuildPayload(KindRevoked, req, receipt, at)
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if p3.EventID == p.EventID {
		t.Fatalf("approved and revoked share an eventId")
	}
}

func TestBuildPayloadRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := BuildPayload("pending", testRequest(t), ledger.Receipt{}, time.Now())
	if err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestBuildPayloadRejectsMalformedRootHash(t *testing.T) {
	t.Parallel()

	req := testRequest(t)
	req.Credential.RootHash = "0x1234"
	_, err := BuildPayload(KindApproved, req, ledger.Receipt{}, time.Now())
	if err == nil {
		t.Fatalf("expected error for malformed root hash")
	}
}

func TestPayloadEncode(t *testing.T) {
	t.Parallel()

	req := testRequest(t)
	p, err := BuildPayload(KindRevoked, req, ledger.Receipt{TxHash: "0xdef"}, time.Now())
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	key, value, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(key) != req.ID.String() {
		t.Fatalf("key: got %q want %q", key, req.ID.String())
	}
	var decoded Payload
	if err := json.Unmarshal(value, &decoded); err != nil {
		t.Fatalf("unmarshal round trip: %v", err)
	}
	if decoded.EventID != p.EventID || decoded.Kind != KindRevoked {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}
