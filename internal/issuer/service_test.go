package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/KILTprotocol/attester/internal/archive"
	"github.com/KILTprotocol/attester/internal/attestation"
	"github.com/KILTprotocol/attester/internal/events"
	"github.com/KILTprotocol/attester/internal/ledger"
)

type fakeSubmitter struct {
	mu sync.Mutex

	addCalls    int
	revokeCalls int

	addErr    error
	revokeErr error

	receipt ledger.Receipt

	// release, when set, blocks submissions until closed.
	release chan struct{}
}

func (f *fakeSubmitter) SubmitAddClaim(ctx context.Context, claimHash, ctypeHash [32]byte) (ledger.Receipt, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.addErr != nil {
		return ledger.Receipt{}, f.addErr
	}
	return f.receipt, nil
}

func (f *fakeSubmitter) SubmitRevokeClaim(ctx context.Context, claimHash [32]byte) (ledger.Receipt, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeCalls++
	if f.revokeErr != nil {
		return ledger.Receipt{}, f.revokeErr
	}
	return f.receipt, nil
}

type fakeProducer struct {
	mu       sync.Mutex
	topics   []string
	keys     []string
	payloads [][]byte
}

func (p *fakeProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, string(key))
	p.payloads = append(p.payloads, append([]byte(nil), payload...))
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func testCredential() attestation.Credential {
	return attestation.Credential{
		Claim: attestation.Claim{
			CTypeHash: "0x" + strings.Repeat("11", 32),
			Contents:  json.RawMessage(`{"name":"alice"}`),
			Owner:     "did:kilt:4pnfkRn5UurBJTW92d9TaVLR2CqJdY4z5HPjrEbpGyBykare",
		},
		RootHash: "0x" + strings.Repeat("22", 32),
	}
}

func newTestService(t *testing.T, sub *fakeSubmitter) (*Service, *attestation.MemoryStore) {
	t.Helper()
	store := attestation.NewMemoryStore(nil)
	svc, err := New(Config{SubmitTimeout: 5 * time.Second, EventTopic: "attestations"}, store, sub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, nil, &fakeSubmitter{}, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store: got %v", err)
	}
	if _, err := New(Config{}, attestation.NewMemoryStore(nil), nil, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil submitter: got %v", err)
	}
}

func TestApproveAnchorsAndReconciles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sub := &fakeSubmitter{receipt: ledger.Receipt{TxHash: "0xabc", BlockNumber: 42}}
	svc, store := newTestService(t, sub)
	producer := &fakeProducer{}
	arch, err := archive.New(archive.Config{Driver: archive.DriverMemory})
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}
	svc.WithProducer(producer).WithArchive(arch)

	req, err := store.Insert(ctx, testCredential())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := svc.Approve(ctx, req.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	svc.Wait()

	got, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Approved || got.Revoked {
		t.Fatalf("flags after approve: %+v", got)
	}
	if got.TxState != attestation.TxStateSucceeded {
		t.Fatalf("tx_state: got %s want Succeeded", got.TxState)
	}
	if got.ApprovedAt == nil {
		t.Fatalf("approved_at not stamped")
	}
	if sub.addCalls != 1 {
		t.Fatalf("SubmitAddClaim calls: got %d want 1", sub.addCalls)
	}

	producer.mu.Lock()
	if len(producer.payloads) != 1 || producer.topics[0] != "attestations" || producer.keys[0] != req.ID.String() {
		t.Fatalf("event publish: topics=%v keys=%v", producer.topics, producer.keys)
	}
	var payload events.Payload
	if err := json.Unmarshal(producer.payloads[0], &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	producer.mu.Unlock()
	if payload.Kind != events.KindApproved || payload.TxHash != "0xabc" {
		t.Fatalf("payload: %+v", payload)
	}

	snap, err := arch.Load(ctx, req.ID)
	if err != nil {
		t.Fatalf("archive.Load: %v", err)
	}
	if snap.Revoked || snap.TxHash != "0xabc" {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestApproveRejectsMalformedHashesBeforeLocking(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sub := &fakeSubmitter{}
	svc, store := newTestService(t, sub)

	cred := testCredential()
	cred.RootHash = "0x1234"
	req, err := store.Insert(ctx, cred)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := svc.Approve(ctx, req.ID); !errors.Is(err, attestation.ErrMalformedHash) {
		t.Fatalf("got %v want ErrMalformedHash", err)
	}
	svc.Wait()

	got, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TxState != attestation.TxStatePending || got.Approved {
		t.Fatalf("row changed by failed validation: %+v", got)
	}
	if sub.addCalls != 0 {
		t.Fatalf("submitter called despite validation failure")
	}
}

func TestApproveConflictsWhileInFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sub := &fakeSubmitter{receipt: ledger.Receipt{TxHash: "0xabc"}, release: make(chan struct{})}
	svc, store := newTestService(t, sub)

	req, err := store.Insert(ctx, testCredential())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := svc.Approve(ctx, req.ID); err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	if err := svc.Approve(ctx, req.ID); !errors.Is(err, attestation.ErrConflict) {
		t.Fatalf("second Approve: got %v want ErrConflict", err)
	}

	close(sub.release)
	svc.Wait()

	if sub.addCalls != 1 {
		t.Fatalf("SubmitAddClaim calls: got %d want 1", sub.addCalls)
	}
	got, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Approved || got.TxState != attestation.TxStateSucceeded {
		t.Fatalf("row after release: %+v", got)
	}
}

// deadlineCheckingStore wraps the memory store and fails any write carrying
// an expired context, the way a real pool does.
type deadlineCheckingStore struct {
	attestation.Store
}

func (s *deadlineCheckingStore) MarkFailed(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.MarkFailed(ctx, id)
}

func TestSubmitTimeoutMarksRowFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// The submitter blocks until the submission context expires, so the
	// Failed mark runs after the submission deadline has already passed.
	sub := &fakeSubmitter{release: make(chan struct{})}
	store := &deadlineCheckingStore{Store: attestation.NewMemoryStore(nil)}
	svc, err := New(Config{SubmitTimeout: 20 * time.Millisecond}, store, sub, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req, err := store.Insert(ctx, testCredential())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := svc.Approve(ctx, req.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	svc.Wait()

	got, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Approved || got.TxState != attestation.TxStateFailed {
		t.Fatalf("row after timed-out submission: %+v", got)
	}
}

func TestApproveFailureMarksFailedAndIsRetryable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sub := &fakeSubmitter{addErr: ledger.ErrSubmission}
	svc, store := newTestService(t, sub)

	req, err := store.Insert(ctx, testCredential())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := svc.Approve(ctx, req.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	svc.Wait()

	got, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Approved || got.TxState != attestation.TxStateFailed {
		t.Fatalf("row after failed submission: %+v", got)
	}

	// A Failed row can be locked and approved again.
	sub.mu.Lock()
	sub.addErr = nil
	sub.receipt = ledger.Receipt{TxHash: "0xretry"}
	sub.mu.Unlock()

	if err := svc.Approve(ctx, req.ID); err != nil {
		t.Fatalf("retry Approve: %v", err)
	}
	svc.Wait()

	got, err = store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Approved || got.TxState != attestation.TxStateSucceeded {
		t.Fatalf("row after retry: %+v", got)
	}
	if sub.addCalls != 2 {
		t.Fatalf("SubmitAddClaim calls: got %d want 2", sub.addCalls)
	}
}

func TestRevokeLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	sub := &fakeSubmitter{receipt: ledger.Receipt{TxHash: "0xabc"}}
	svc, store := newTestService(t, sub)
	arch, err := archive.New(archive.Config{Driver: archive.DriverMemory})
	if err != nil {
		t.Fatalf("archive.New: %v", err)
	}
	svc.WithArchive(arch)

	req, err := store.Insert(ctx, testCredential())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Revoking an unapproved row conflicts.
	if err := svc.Revoke(ctx, req.ID); !errors.Is(err, attestation.ErrConflict) {
		t.Fatalf("Revoke before approval: got %v want ErrConflict", err)
	}

	if err := svc.Approve(ctx, req.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	svc.Wait()

	sub.mu.Lock()
	sub.receipt = ledger.Receipt{TxHash: "0xrevoke", BlockNumber: 43}
	sub.mu.Unlock()

	if err := svc.Revoke(ctx, req.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	svc.Wait()

	got, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Approved || !got.Revoked || got.TxState != attestation.TxStateSucceeded {
		t.Fatalf("row after revoke: %+v", got)
	}
	if got.RevokedAt == nil {
		t.Fatalf("revoked_at not stamped")
	}
	if sub.revokeCalls != 1 {
		t.Fatalf("SubmitRevokeClaim calls: got %d want 1", sub.revokeCalls)
	}

	snap, err := arch.Load(ctx, req.ID)
	if err != nil {
		t.Fatalf("archive.Load: %v", err)
	}
	if !snap.Revoked || snap.TxHash != "0xrevoke" {
		t.Fatalf("snapshot after revoke: %+v", snap)
	}
}

func TestApproveUnknownRequest(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, &fakeSubmitter{})
	if err := svc.Approve(context.Background(), uuid.New()); !errors.Is(err, attestation.ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

// failingReconcileStore wraps the memory store and rejects terminal writes,
// simulating a database outage after the ledger transaction already landed.
type failingReconcileStore struct {
	attestation.Store
	err error
}

func (s *failingReconcileStore) MarkApproved(context.Context, uuid.UUID) error { return s.err }

func TestReconciliationGapLeavesRowInFlight(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mem := attestation.NewMemoryStore(nil)
	wrapped := &failingReconcileStore{Store: mem, err: errors.New("db down")}
	producer := &fakeProducer{}

	svc, err := New(Config{EventTopic: "attestations"}, wrapped, &fakeSubmitter{receipt: ledger.Receipt{TxHash: "0xabc"}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	svc.WithProducer(producer)

	req, err := mem.Insert(ctx, testCredential())
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := svc.Approve(ctx, req.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	svc.Wait()

	got, err := mem.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Approved || got.TxState != attestation.TxStateInFlight {
		t.Fatalf("expected row left InFlight, got %+v", got)
	}

	producer.mu.Lock()
	defer producer.mu.Unlock()
	if len(producer.payloads) != 0 {
		t.Fatalf("no event should be published on a reconciliation gap")
	}
}
