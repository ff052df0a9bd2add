package attestapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/KILTprotocol/attester/internal/attestation"
	"github.com/KILTprotocol/attester/internal/auth"
)

type fakeIssuer struct {
	mu       sync.Mutex
	approved []uuid.UUID
	revoked  []uuid.UUID
	err      error
}

func (f *fakeIssuer) Approve(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.approved = append(f.approved, id)
	return nil
}

func (f *fakeIssuer) Revoke(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.revoked = append(f.revoked, id)
	return nil
}

const (
	aliceDID = "did:kilt:4pnfkRn5UurBJTW92d9TaVLR2CqJdY4z5HPjrEbpGyBykare"
	bobDID   = "did:kilt:4qCEMVobcnNvPXdwDkEZCvz1CvMSMirgrTsQkReyg9rXmfjK"
)

func testCredential(owner string) attestation.Credential {
	return attestation.Credential{
		Claim: attestation.Claim{
			CTypeHash: "0x" + strings.Repeat("11", 32),
			Contents:  json.RawMessage(`{"name":"alice"}`),
			Owner:     owner,
		},
		RootHash: "0x" + strings.Repeat("22", 32),
	}
}

func newTestHandler(t *testing.T, cfg Config) (http.Handler, *attestation.MemoryStore, *fakeIssuer) {
	t.Helper()
	store := attestation.NewMemoryStore(nil)
	issuer := &fakeIssuer{}
	authn, err := auth.NewStaticTokens(map[string]auth.User{
		"alice-token": {ID: aliceDID},
		"bob-token":   {ID: bobDID},
		"admin-token": {ID: "did:kilt:attester", IsAdmin: true},
	})
	if err != nil {
		t.Fatalf("NewStaticTokens: %v", err)
	}
	h, err := NewHandler(cfg, store, issuer, authn)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h, store, issuer
}

func doRequest(t *testing.T, h http.Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzSkipsAuthAndRateLimit(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHandler(t, Config{RateLimitBurst: 1})
	for i := 0; i < 5; i++ {
		rec := doRequest(t, h, "GET", "/healthz", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz attempt %d: got %d", i, rec.Code)
		}
	}
}

func TestRoutesRequireAuthentication(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHandler(t, Config{})
	targets := []struct {
		method string
		path   string
	}{
		{"POST", "/api/v1/attestation_request"},
		{"GET", "/api/v1/attestation_request"},
		{"GET", "/api/v1/attestation_request/" + uuid.New().String()},
		{"GET", "/api/v1/attestation_request/metric/kpis"},
		{"PUT", "/api/v1/attestation_request/" + uuid.New().String() + "/approve"},
	}
	for _, target := range targets {
		rec := doRequest(t, h, target.method, target.path, "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: got %d want 401", target.method, target.path, rec.Code)
		}
	}
}

func TestSubmitAndGet(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHandler(t, Config{})

	rec := doRequest(t, h, "POST", "/api/v1/attestation_request", "alice-token", testCredential(aliceDID))
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: got %d body=%s", rec.Code, rec.Body.String())
	}
	var created attestation.Request
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.Claimer != aliceDID || created.TxState != attestation.TxStatePending {
		t.Fatalf("created row: %+v", created)
	}

	rec = doRequest(t, h, "GET", "/api/v1/attestation_request/"+created.ID.String(), "alice-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get as owner: got %d", rec.Code)
	}

	rec = doRequest(t, h, "GET", "/api/v1/attestation_request/"+created.ID.String(), "bob-token", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("get as other claimer: got %d want 403", rec.Code)
	}

	rec = doRequest(t, h, "GET", "/api/v1/attestation_request/"+created.ID.String(), "admin-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get as admin: got %d", rec.Code)
	}

	rec = doRequest(t, h, "GET", "/api/v1/attestation_request/"+uuid.New().String(), "alice-token", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get unknown id: got %d want 404", rec.Code)
	}

	rec = doRequest(t, h, "GET", "/api/v1/attestation_request/not-a-uuid", "alice-token", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("get malformed id: got %d want 400", rec.Code)
	}
}

func TestSubmitRejectsIncompleteCredential(t *testing.T) {
	t.Parallel()

	h, _, _ := newTestHandler(t, Config{})
	cred := testCredential(aliceDID)
	cred.RootHash = ""
	rec := doRequest(t, h, "POST", "/api/v1/attestation_request", "alice-token", cred)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d want 400, body=%s", rec.Code, rec.Body.String())
	}
}

func TestListScopingAndContentRange(t *testing.T) {
	t.Parallel()

	h, store, _ := newTestHandler(t, Config{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Insert(ctx, testCredential(aliceDID)); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if _, err := store.Insert(ctx, testCredential(bobDID)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec := doRequest(t, h, "GET", "/api/v1/attestation_request", "alice-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list as alice: got %d", rec.Code)
	}
	var rows []attestation.Request
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("alice sees %d rows, want 3", len(rows))
	}
	for _, row := range rows {
		if row.Claimer != aliceDID {
			t.Fatalf("alice saw a foreign row: %+v", row)
		}
	}
	if rec.Header().Get("Content-Range") != "4" {
		t.Fatalf("Content-Range: got %q want %q", rec.Header().Get("Content-Range"), "4")
	}

	// A non-admin filter for another claimer is overridden, not honored.
	rec = doRequest(t, h, "GET", "/api/v1/attestation_request?filter="+bobDID, "alice-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("filtered list: got %d", rec.Code)
	}
	rows = nil
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	for _, row := range rows {
		if row.Claimer != aliceDID {
			t.Fatalf("scoping override failed: %+v", row)
		}
	}

	rec = doRequest(t, h, "GET", "/api/v1/attestation_request?offset=[0,2]&sort=[%22created_at%22,%22ASC%22]", "admin-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin paged list: got %d body=%s", rec.Code, rec.Body.String())
	}
	rows = nil
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("admin page size: got %d want 2", len(rows))
	}

	rec = doRequest(t, h, "GET", "/api/v1/attestation_request?sort=[%22claimer;DROP%20TABLE%22,%22ASC%22]", "admin-token", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("injection sort: got %d want 400", rec.Code)
	}

	rec = doRequest(t, h, "GET", "/api/v1/attestation_request?offset=nonsense", "admin-token", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed offset: got %d want 400", rec.Code)
	}
}

func TestUpdateCredential(t *testing.T) {
	t.Parallel()

	h, store, _ := newTestHandler(t, Config{})
	ctx := context.Background()
	req, err := store.Insert(ctx, testCredential(aliceDID))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	updated := testCredential(aliceDID)
	updated.RootHash = "0x" + strings.Repeat("33", 32)

	rec := doRequest(t, h, "PUT", "/api/v1/attestation_request/"+req.ID.String(), "bob-token", updated)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("update as other claimer: got %d want 403", rec.Code)
	}

	rec = doRequest(t, h, "PUT", "/api/v1/attestation_request/"+req.ID.String(), "alice-token", updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("update as owner: got %d body=%s", rec.Code, rec.Body.String())
	}
	var row attestation.Request
	if err := json.NewDecoder(rec.Body).Decode(&row); err != nil {
		t.Fatalf("decode row: %v", err)
	}
	if row.Credential.RootHash != updated.RootHash {
		t.Fatalf("credential not replaced: %+v", row.Credential)
	}

	// Approved rows are immutable.
	if _, err := store.TryLockForApproval(ctx, req.ID); err != nil {
		t.Fatalf("TryLockForApproval: %v", err)
	}
	if err := store.MarkApproved(ctx, req.ID); err != nil {
		t.Fatalf("MarkApproved: %v", err)
	}
	rec = doRequest(t, h, "PUT", "/api/v1/attestation_request/"+req.ID.String(), "alice-token", updated)
	if rec.Code != http.StatusConflict {
		t.Fatalf("update after approval: got %d want 409", rec.Code)
	}
}

func TestUpdateOwnerTransferIsAdminOnly(t *testing.T) {
	t.Parallel()

	h, store, _ := newTestHandler(t, Config{})
	ctx := context.Background()
	req, err := store.Insert(ctx, testCredential(aliceDID))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	transferred := testCredential(bobDID)

	rec := doRequest(t, h, "PUT", "/api/v1/attestation_request/"+req.ID.String(), "alice-token", transferred)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("owner change as claimer: got %d want 403", rec.Code)
	}
	row, err := store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Claimer != aliceDID {
		t.Fatalf("claimer changed by rejected update: %q", row.Claimer)
	}

	rec = doRequest(t, h, "PUT", "/api/v1/attestation_request/"+req.ID.String(), "admin-token", transferred)
	if rec.Code != http.StatusOK {
		t.Fatalf("owner change as admin: got %d body=%s", rec.Code, rec.Body.String())
	}
	row, err = store.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Claimer != bobDID {
		t.Fatalf("claimer after admin transfer: %q", row.Claimer)
	}

	// The previous owner no longer sees the row.
	rec = doRequest(t, h, "GET", "/api/v1/attestation_request/"+req.ID.String(), "alice-token", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("read by previous owner: got %d want 403", rec.Code)
	}
}

func TestApproveIsAdminOnly(t *testing.T) {
	t.Parallel()

	h, store, issuer := newTestHandler(t, Config{})
	req, err := store.Insert(context.Background(), testCredential(aliceDID))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	target := "/api/v1/attestation_request/" + req.ID.String() + "/approve"

	rec := doRequest(t, h, "PUT", target, "alice-token", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("approve as claimer: got %d want 403", rec.Code)
	}

	rec = doRequest(t, h, "PUT", target, "admin-token", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("approve as admin: got %d body=%s", rec.Code, rec.Body.String())
	}
	issuer.mu.Lock()
	defer issuer.mu.Unlock()
	if len(issuer.approved) != 1 || issuer.approved[0] != req.ID {
		t.Fatalf("issuer approvals: %v", issuer.approved)
	}
}

func TestRevokeOwnerOrAdmin(t *testing.T) {
	t.Parallel()

	h, store, issuer := newTestHandler(t, Config{})
	req, err := store.Insert(context.Background(), testCredential(aliceDID))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	target := "/api/v1/attestation_request/" + req.ID.String() + "/revoke"

	rec := doRequest(t, h, "PUT", target, "bob-token", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("revoke as other claimer: got %d want 403", rec.Code)
	}

	rec = doRequest(t, h, "PUT", target, "alice-token", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("revoke as owner: got %d", rec.Code)
	}
	rec = doRequest(t, h, "PUT", target, "admin-token", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("revoke as admin: got %d", rec.Code)
	}
	issuer.mu.Lock()
	defer issuer.mu.Unlock()
	if len(issuer.revoked) != 2 {
		t.Fatalf("issuer revocations: %v", issuer.revoked)
	}
}

func TestIssuerConflictMapsTo409(t *testing.T) {
	t.Parallel()

	h, store, issuer := newTestHandler(t, Config{})
	req, err := store.Insert(context.Background(), testCredential(aliceDID))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	issuer.err = fmt.Errorf("wrap: %w", attestation.ErrConflict)

	rec := doRequest(t, h, "PUT", "/api/v1/attestation_request/"+req.ID.String()+"/approve", "admin-token", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("got %d want 409", rec.Code)
	}
}

func TestDeleteHidesRow(t *testing.T) {
	t.Parallel()

	h, store, _ := newTestHandler(t, Config{})
	req, err := store.Insert(context.Background(), testCredential(aliceDID))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	target := "/api/v1/attestation_request/" + req.ID.String()

	rec := doRequest(t, h, "DELETE", target, "bob-token", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("delete as other claimer: got %d want 403", rec.Code)
	}

	rec = doRequest(t, h, "DELETE", target, "alice-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete as owner: got %d", rec.Code)
	}
	rec = doRequest(t, h, "GET", target, "alice-token", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d want 404", rec.Code)
	}
	rec = doRequest(t, h, "DELETE", target, "alice-token", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("delete after delete: got %d want 404", rec.Code)
	}
}

func TestKPIs(t *testing.T) {
	t.Parallel()

	h, store, _ := newTestHandler(t, Config{})
	if _, err := store.Insert(context.Background(), testCredential(aliceDID)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rec := doRequest(t, h, "GET", "/api/v1/attestation_request/metric/kpis", "alice-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("kpis: got %d", rec.Code)
	}
	var kpis attestation.KPIs
	if err := json.NewDecoder(rec.Body).Decode(&kpis); err != nil {
		t.Fatalf("decode kpis: %v", err)
	}
	if kpis.NotApproved != 1 {
		t.Fatalf("kpis: %+v", kpis)
	}
}

func TestRateLimiting(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	h, _, _ := newTestHandler(t, Config{
		RateLimitPerIPPerSecond: 1,
		RateLimitBurst:          2,
		Now:                     func() time.Time { return now },
	})

	for i := 0; i < 2; i++ {
		rec := doRequest(t, h, "GET", "/api/v1/attestation_request", "alice-token", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
	rec := doRequest(t, h, "GET", "/api/v1/attestation_request", "alice-token", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After: got %q", rec.Header().Get("Retry-After"))
	}

	// Tokens refill with time.
	now = now.Add(2 * time.Second)
	rec = doRequest(t, h, "GET", "/api/v1/attestation_request", "alice-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("after refill: got %d", rec.Code)
	}
}
