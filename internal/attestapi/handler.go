// Package attestapi exposes the attestation request lifecycle over HTTP.
//
// All routes except /healthz require bearer-token authentication and are
// rate-limited per client IP. Claimers only see and touch their own rows;
// admins see everything and are the only callers allowed to approve.
package attestapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KILTprotocol/attester/internal/attestation"
	"github.com/KILTprotocol/attester/internal/auth"
)

var ErrInvalidConfig = errors.New("attestapi: invalid config")

// Issuer is the slice of issuer.Service the handler needs.
type Issuer interface {
	Approve(ctx context.Context, id uuid.UUID) error
	Revoke(ctx context.Context, id uuid.UUID) error
}

type Config struct {
	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config, store attestation.Store, issuer Issuer, authn auth.Authenticator) (http.Handler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if issuer == nil {
		return nil, fmt.Errorf("%w: nil issuer", ErrInvalidConfig)
	}
	if authn == nil {
		return nil, fmt.Errorf("%w: nil authenticator", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:    cfg,
		store:  store,
		issuer: issuer,
		authn:  authn,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /api/v1/attestation_request", h.withUser(h.handleSubmit))
	mux.HandleFunc("GET /api/v1/attestation_request", h.withUser(h.handleList))
	mux.HandleFunc("GET /api/v1/attestation_request/metric/kpis", h.withUser(h.handleKPIs))
	mux.HandleFunc("GET /api/v1/attestation_request/{id}", h.withUser(h.handleGet))
	mux.HandleFunc("PUT /api/v1/attestation_request/{id}", h.withUser(h.handleUpdate))
	mux.HandleFunc("DELETE /api/v1/attestation_request/{id}", h.withUser(h.handleDelete))
	mux.HandleFunc("PUT /api/v1/attestation_request/{id}/approve", h.withUser(h.handleApprove))
	mux.HandleFunc("PUT /api/v1/attestation_request/{id}/revoke", h.withUser(h.handleRevoke))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	store   attestation.Store
	issuer  Issuer
	authn   auth.Authenticator
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) withUser(next func(http.ResponseWriter, *http.Request, auth.User)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := h.authn.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		next(w, r, user)
	}
}

func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request, _ auth.User) {
	cred, ok := decodeJSONBody[attestation.Credential](w, r)
	if !ok {
		return
	}
	req, err := h.store.Insert(r.Context(), cred)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request, user auth.User) {
	p, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_pagination")
		return
	}
	// Non-admin callers only ever see their own rows, whatever they asked for.
	if !user.IsAdmin {
		claimer := user.ID
		p.Filter = &claimer
	}

	rows, err := h.store.List(r.Context(), p)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	total, err := h.store.Count(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Range", strconv.FormatInt(total, 10))
	writeJSON(w, http.StatusOK, rows)
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request, user auth.User) {
	id, ok := parseRequestID(w, r)
	if !ok {
		return
	}
	req, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !user.CanSee(req.Claimer) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handler) handleUpdate(w http.ResponseWriter, r *http.Request, user auth.User) {
	id, ok := parseRequestID(w, r)
	if !ok {
		return
	}
	cred, ok := decodeJSONBody[attestation.Credential](w, r)
	if !ok {
		return
	}
	existing, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !user.CanSee(existing.Claimer) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	// The store re-derives claimer from the document, so a changed owner
	// transfers the row. Only admins may do that.
	if cred.Claim.Owner != existing.Claimer && !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	req, err := h.store.UpdateCredential(r.Context(), id, cred)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request, user auth.User) {
	id, ok := parseRequestID(w, r)
	if !ok {
		return
	}
	existing, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !user.CanSee(existing.Claimer) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := h.store.SoftDelete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

func (h *handler) handleApprove(w http.ResponseWriter, r *http.Request, user auth.User) {
	id, ok := parseRequestID(w, r)
	if !ok {
		return
	}
	if !user.IsAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := h.issuer.Approve(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "id": id})
}

func (h *handler) handleRevoke(w http.ResponseWriter, r *http.Request, user auth.User) {
	id, ok := parseRequestID(w, r)
	if !ok {
		return
	}
	existing, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !user.CanRevoke(existing.Claimer) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	if err := h.issuer.Revoke(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "id": id})
}

func (h *handler) handleKPIs(w http.ResponseWriter, r *http.Request, _ auth.User) {
	kpis, err := h.store.KPIs(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kpis)
}

// parsePagination reads the offset/sort/filter query parameters. offset and
// sort are JSON arrays ("[0,10]", `["created_at","ASC"]`), filter a bare
// claimer string.
func parsePagination(r *http.Request) (attestation.Pagination, error) {
	var p attestation.Pagination
	q := r.URL.Query()

	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		var offset [2]int
		if err := json.Unmarshal([]byte(raw), &offset); err != nil {
			return attestation.Pagination{}, fmt.Errorf("attestapi: parse offset: %w", err)
		}
		p.Offset = &offset
	}
	if raw := strings.TrimSpace(q.Get("sort")); raw != "" {
		var sort [2]string
		if err := json.Unmarshal([]byte(raw), &sort); err != nil {
			return attestation.Pagination{}, fmt.Errorf("attestapi: parse sort: %w", err)
		}
		p.Sort = &sort
	}
	if raw := strings.TrimSpace(q.Get("filter")); raw != "" {
		p.Filter = &raw
	}
	return p, nil
}

func parseRequestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_id")
		return uuid.UUID{}, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, attestation.ErrInvalidCredential),
		errors.Is(err, attestation.ErrMalformedHash),
		errors.Is(err, attestation.ErrInvalidSortField),
		errors.Is(err, attestation.ErrInvalidPagination):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.Is(err, attestation.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, attestation.ErrConflict),
		errors.Is(err, attestation.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "conflict")
	default:
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
