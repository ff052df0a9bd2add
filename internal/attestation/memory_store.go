package attestation

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local development.
type MemoryStore struct {
	mu   sync.Mutex
	now  func() time.Time
	rows map[uuid.UUID]Request
	newI func() uuid.UUID
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:  now,
		rows: make(map[uuid.UUID]Request),
		newI: uuid.New,
	}
}

func (s *MemoryStore) Insert(_ context.Context, cred Credential) (Request, error) {
	if err := cred.Validate(); err != nil {
		return Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req := Request{
		ID:         s.newI(),
		Claimer:    cred.Claim.Owner,
		CTypeHash:  cred.Claim.CTypeHash,
		Credential: cloneCredential(cred),
		TxState:    TxStatePending,
		CreatedAt:  s.now().UTC(),
	}
	s.rows[req.ID] = req
	return cloneRequest(req), nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *MemoryStore) getLocked(id uuid.UUID) (Request, error) {
	req, ok := s.rows[id]
	if !ok || req.DeletedAt != nil {
		return Request{}, ErrNotFound
	}
	return cloneRequest(req), nil
}

func (s *MemoryStore) List(_ context.Context, p Pagination) ([]Request, error) {
	// Validate the description the same way the SQL builder does.
	if _, _, err := BuildListQuery(p); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0, len(s.rows))
	for _, req := range s.rows {
		if req.DeletedAt != nil {
			continue
		}
		if p.Filter != nil && req.Claimer != *p.Filter {
			continue
		}
		out = append(out, cloneRequest(req))
	}

	if p.Sort != nil {
		col := p.Sort[0]
		asc := p.Sort[1] == "ASC"
		slices.SortStableFunc(out, func(a, b Request) int {
			c := compareByColumn(a, b, col)
			if !asc {
				c = -c
			}
			return c
		})
	}

	if p.Offset != nil {
		skip, take := p.Offset[0], p.Offset[1]
		if skip >= len(out) {
			return nil, nil
		}
		out = out[skip:]
		if take < len(out) {
			out = out[:take]
		}
	}
	return out, nil
}

func compareByColumn(a, b Request, col string) int {
	switch col {
	case "id":
		return strings.Compare(a.ID.String(), b.ID.String())
	case "claimer":
		return strings.Compare(a.Claimer, b.Claimer)
	case "ctype_hash":
		return strings.Compare(a.CTypeHash, b.CTypeHash)
	case "approved":
		return compareBool(a.Approved, b.Approved)
	case "revoked":
		return compareBool(a.Revoked, b.Revoked)
	case "tx_state":
		return int(a.TxState) - int(b.TxState)
	case "created_at":
		return a.CreatedAt.Compare(b.CreatedAt)
	case "updated_at":
		return compareTimePtr(a.UpdatedAt, b.UpdatedAt)
	case "approved_at":
		return compareTimePtr(a.ApprovedAt, b.ApprovedAt)
	case "revoked_at":
		return compareTimePtr(a.RevokedAt, b.RevokedAt)
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case b:
		return -1
	default:
		return 1
	}
}

func compareTimePtr(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return a.Compare(*b)
	}
}

func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, req := range s.rows {
		if req.DeletedAt == nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.rows[id]
	if !ok || req.DeletedAt != nil {
		return nil
	}
	now := s.now().UTC()
	req.DeletedAt = &now
	req.UpdatedAt = &now
	s.rows[id] = req
	return nil
}

func (s *MemoryStore) UpdateCredential(_ context.Context, id uuid.UUID, cred Credential) (Request, error) {
	if err := cred.Validate(); err != nil {
		return Request{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.rows[id]
	if !ok || req.DeletedAt != nil {
		return Request{}, ErrNotFound
	}
	if req.Approved {
		return Request{}, fmt.Errorf("%w: credential is approved", ErrConflict)
	}
	now := s.now().UTC()
	req.Credential = cloneCredential(cred)
	req.Claimer = cred.Claim.Owner
	req.CTypeHash = cred.Claim.CTypeHash
	req.UpdatedAt = &now
	s.rows[id] = req
	return cloneRequest(req), nil
}

func (s *MemoryStore) TryLockForApproval(_ context.Context, id uuid.UUID) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.rows[id]
	if !ok || req.DeletedAt != nil {
		return Request{}, ErrNotFound
	}
	if req.Approved || req.Revoked || !lockableTxState(req.TxState) {
		return Request{}, fmt.Errorf("%w: already approved, revoked, or in flight", ErrConflict)
	}
	now := s.now().UTC()
	req.TxState = TxStateInFlight
	req.UpdatedAt = &now
	s.rows[id] = req
	return cloneRequest(req), nil
}

func (s *MemoryStore) TryLockForRevocation(_ context.Context, id uuid.UUID) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.rows[id]
	if !ok || req.DeletedAt != nil {
		return Request{}, ErrNotFound
	}
	if !req.Approved || req.Revoked || req.TxState == TxStateInFlight {
		return Request{}, fmt.Errorf("%w: not approved, already revoked, or in flight", ErrConflict)
	}
	now := s.now().UTC()
	req.TxState = TxStateInFlight
	req.UpdatedAt = &now
	s.rows[id] = req
	return cloneRequest(req), nil
}

func lockableTxState(st TxState) bool {
	return st == TxStatePending || st == TxStateFailed
}

func (s *MemoryStore) MarkInFlight(_ context.Context, id uuid.UUID) error {
	return s.transition(id, func(req *Request, now time.Time) error {
		if req.TxState == TxStateSucceeded {
			return ErrInvalidTransition
		}
		req.TxState = TxStateInFlight
		return nil
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID) error {
	return s.transition(id, func(req *Request, now time.Time) error {
		if req.TxState != TxStateInFlight {
			return ErrInvalidTransition
		}
		req.TxState = TxStateFailed
		return nil
	})
}

func (s *MemoryStore) MarkApproved(_ context.Context, id uuid.UUID) error {
	return s.transition(id, func(req *Request, now time.Time) error {
		if req.TxState != TxStateInFlight || req.Approved || req.Revoked {
			return ErrInvalidTransition
		}
		req.Approved = true
		req.TxState = TxStateSucceeded
		req.ApprovedAt = &now
		return nil
	})
}

func (s *MemoryStore) MarkRevoked(_ context.Context, id uuid.UUID) error {
	return s.transition(id, func(req *Request, now time.Time) error {
		if req.TxState != TxStateInFlight || !req.Approved || req.Revoked {
			return ErrInvalidTransition
		}
		req.Revoked = true
		req.TxState = TxStateSucceeded
		req.RevokedAt = &now
		return nil
	})
}

func (s *MemoryStore) transition(id uuid.UUID, apply func(*Request, time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.rows[id]
	if !ok || req.DeletedAt != nil {
		return ErrNotFound
	}
	now := s.now().UTC()
	if err := apply(&req, now); err != nil {
		return err
	}
	req.UpdatedAt = &now
	s.rows[id] = req
	return nil
}

func (s *MemoryStore) ListByTxState(_ context.Context, st TxState) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, req := range s.rows {
		if req.DeletedAt != nil || req.TxState != st {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	slices.SortFunc(out, func(a, b Request) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ReleaseStale(_ context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("attestation: olderThan must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	cutoff := now.Add(-olderThan)

	var released int64
	for id, req := range s.rows {
		if req.DeletedAt != nil || req.TxState != TxStateInFlight {
			continue
		}
		last := req.CreatedAt
		if req.UpdatedAt != nil {
			last = *req.UpdatedAt
		}
		if last.After(cutoff) {
			continue
		}
		req.TxState = TxStateFailed
		stamp := now
		req.UpdatedAt = &stamp
		s.rows[id] = req
		released++
	}
	return released, nil
}

func (s *MemoryStore) KPIs(_ context.Context) (KPIs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buckets := make(map[time.Time]int64)
	claimers := make(map[string]struct{})
	out := KPIs{CreatedOverTime: []CreatedBucket{}}

	for _, req := range s.rows {
		if req.DeletedAt != nil {
			continue
		}
		day := req.CreatedAt.UTC().Truncate(24 * time.Hour)
		buckets[day]++
		claimers[req.Claimer] = struct{}{}
		if !req.Approved {
			out.NotApproved++
		}
		if req.Revoked {
			out.Revoked++
		}
	}

	for day, total := range buckets {
		out.CreatedOverTime = append(out.CreatedOverTime, CreatedBucket{Date: day, Total: total})
	}
	slices.SortFunc(out.CreatedOverTime, func(a, b CreatedBucket) int { return a.Date.Compare(b.Date) })
	out.TotalClaimers = int64(len(claimers))
	return out, nil
}

func cloneCredential(c Credential) Credential {
	c.ClaimNonceMap = append([]byte(nil), c.ClaimNonceMap...)
	c.Claim.Contents = append([]byte(nil), c.Claim.Contents...)
	c.ClaimHashes = append([]string(nil), c.ClaimHashes...)
	c.Legitimations = append([]byte(nil), c.Legitimations...)
	c.ClaimerSig = append([]byte(nil), c.ClaimerSig...)
	if c.DelegationID != nil {
		v := *c.DelegationID
		c.DelegationID = &v
	}
	return c
}

func cloneRequest(req Request) Request {
	req.Credential = cloneCredential(req.Credential)
	req.UpdatedAt = cloneTimePtr(req.UpdatedAt)
	req.ApprovedAt = cloneTimePtr(req.ApprovedAt)
	req.RevokedAt = cloneTimePtr(req.RevokedAt)
	req.DeletedAt = cloneTimePtr(req.DeletedAt)
	return req
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*MemoryStore)(nil)
