package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KILTprotocol/attester/internal/attestation"
)

var ErrInvalidConfig = errors.New("attestation/postgres: invalid config")

const requestColumns = "id, claimer, ctype_hash, credential, approved, revoked, tx_state, created_at, updated_at, approved_at, revoked_at, deleted_at"

// Store persists attestation requests in Postgres. Conditional locks and
// lifecycle transitions are predicate-qualified updates, so mutual exclusion
// holds across processes sharing the pool's database.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("attestation/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, cred attestation.Credential) (attestation.Request, error) {
	if s == nil || s.pool == nil {
		return attestation.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := cred.Validate(); err != nil {
		return attestation.Request{}, err
	}
	credJSON, err := json.Marshal(cred)
	if err != nil {
		return attestation.Request{}, fmt.Errorf("attestation/postgres: marshal credential: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO attestation_requests (claimer, ctype_hash, credential)
		VALUES ($1, $2, $3)
		RETURNING `+requestColumns+`
	`, cred.Claim.Owner, cred.Claim.CTypeHash, credJSON)
	req, err := scanRequest(row)
	if err != nil {
		return attestation.Request{}, fmt.Errorf("attestation/postgres: insert: %w", err)
	}
	return req, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (attestation.Request, error) {
	if s == nil || s.pool == nil {
		return attestation.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+`
		FROM attestation_requests
		WHERE id = $1 AND deleted_at IS NULL
	`, pgUUID(id))
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return attestation.Request{}, attestation.ErrNotFound
		}
		return attestation.Request{}, fmt.Errorf("attestation/postgres: get: %w", err)
	}
	return req, nil
}

func (s *Store) List(ctx context.Context, p attestation.Pagination) ([]attestation.Request, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	query, args, err := attestation.BuildListQuery(p)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("attestation/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []attestation.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("attestation/postgres: scan list row: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attestation/postgres: list rows: %w", err)
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM attestation_requests WHERE deleted_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("attestation/postgres: count: %w", err)
	}
	return n, nil
}

func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	// Zero affected rows means the row is missing or already deleted; both are
	// a no-op for idempotence.
	_, err := s.pool.Exec(ctx, `
		UPDATE attestation_requests
		SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, pgUUID(id))
	if err != nil {
		return fmt.Errorf("attestation/postgres: soft delete: %w", err)
	}
	return nil
}

func (s *Store) UpdateCredential(ctx context.Context, id uuid.UUID, cred attestation.Credential) (attestation.Request, error) {
	if s == nil || s.pool == nil {
		return attestation.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := cred.Validate(); err != nil {
		return attestation.Request{}, err
	}
	credJSON, err := json.Marshal(cred)
	if err != nil {
		return attestation.Request{}, fmt.Errorf("attestation/postgres: marshal credential: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE attestation_requests
		SET credential = $2, claimer = $3, ctype_hash = $4, updated_at = now()
		WHERE id = $1 AND approved = FALSE AND deleted_at IS NULL
		RETURNING `+requestColumns+`
	`, pgUUID(id), credJSON, cred.Claim.Owner, cred.Claim.CTypeHash)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return attestation.Request{}, s.conflictOrNotFound(ctx, id, "credential is approved")
		}
		return attestation.Request{}, fmt.Errorf("attestation/postgres: update credential: %w", err)
	}
	return req, nil
}

func (s *Store) TryLockForApproval(ctx context.Context, id uuid.UUID) (attestation.Request, error) {
	if s == nil || s.pool == nil {
		return attestation.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE attestation_requests
		SET tx_state = $2, updated_at = now()
		WHERE id = $1
			AND approved = FALSE
			AND revoked = FALSE
			AND deleted_at IS NULL
			AND tx_state IN ($3, $4)
		RETURNING `+requestColumns+`
	`, pgUUID(id), int16(attestation.TxStateInFlight), int16(attestation.TxStatePending), int16(attestation.TxStateFailed))
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return attestation.Request{}, s.conflictOrNotFound(ctx, id, "already approved, revoked, or in flight")
		}
		return attestation.Request{}, fmt.Errorf("attestation/postgres: lock for approval: %w", err)
	}
	return req, nil
}

func (s *Store) TryLockForRevocation(ctx context.Context, id uuid.UUID) (attestation.Request, error) {
	if s == nil || s.pool == nil {
		return attestation.Request{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE attestation_requests
		SET tx_state = $2, updated_at = now()
		WHERE id = $1
			AND approved = TRUE
			AND revoked = FALSE
			AND deleted_at IS NULL
			AND tx_state <> $2
		RETURNING `+requestColumns+`
	`, pgUUID(id), int16(attestation.TxStateInFlight))
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return attestation.Request{}, s.conflictOrNotFound(ctx, id, "not approved, already revoked, or in flight")
		}
		return attestation.Request{}, fmt.Errorf("attestation/postgres: lock for revocation: %w", err)
	}
	return req, nil
}

func (s *Store) MarkInFlight(ctx context.Context, id uuid.UUID) error {
	return s.applyTransition(ctx, id, `
		UPDATE attestation_requests
		SET tx_state = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND tx_state <> $3
	`, int16(attestation.TxStateInFlight), int16(attestation.TxStateSucceeded))
}

func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return s.applyTransition(ctx, id, `
		UPDATE attestation_requests
		SET tx_state = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND tx_state = $3
	`, int16(attestation.TxStateFailed), int16(attestation.TxStateInFlight))
}

func (s *Store) MarkApproved(ctx context.Context, id uuid.UUID) error {
	return s.applyTransition(ctx, id, `
		UPDATE attestation_requests
		SET approved = TRUE, tx_state = $2, approved_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND tx_state = $3 AND approved = FALSE AND revoked = FALSE
	`, int16(attestation.TxStateSucceeded), int16(attestation.TxStateInFlight))
}

func (s *Store) MarkRevoked(ctx context.Context, id uuid.UUID) error {
	return s.applyTransition(ctx, id, `
		UPDATE attestation_requests
		SET revoked = TRUE, tx_state = $2, revoked_at = now(), updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND tx_state = $3 AND approved = TRUE AND revoked = FALSE
	`, int16(attestation.TxStateSucceeded), int16(attestation.TxStateInFlight))
}

func (s *Store) applyTransition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	bound := append([]any{pgUUID(id)}, args...)
	tag, err := s.pool.Exec(ctx, query, bound...)
	if err != nil {
		return fmt.Errorf("attestation/postgres: transition: %w", err)
	}
	if tag.RowsAffected() != 1 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return attestation.ErrInvalidTransition
	}
	return nil
}

func (s *Store) ListByTxState(ctx context.Context, st attestation.TxState) ([]attestation.Request, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM attestation_requests
		WHERE deleted_at IS NULL AND tx_state = $1
		ORDER BY created_at ASC
	`, int16(st))
	if err != nil {
		return nil, fmt.Errorf("attestation/postgres: list by tx state: %w", err)
	}
	defer rows.Close()

	var out []attestation.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("attestation/postgres: scan tx state row: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attestation/postgres: tx state rows: %w", err)
	}
	return out, nil
}

func (s *Store) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: olderThan must be > 0", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE attestation_requests
		SET tx_state = $1, updated_at = now()
		WHERE deleted_at IS NULL
			AND tx_state = $2
			AND COALESCE(updated_at, created_at) <= now() - ($3::bigint * interval '1 millisecond')
	`, int16(attestation.TxStateFailed), int16(attestation.TxStateInFlight), olderThan.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("attestation/postgres: release stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) KPIs(ctx context.Context) (attestation.KPIs, error) {
	if s == nil || s.pool == nil {
		return attestation.KPIs{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	out := attestation.KPIs{CreatedOverTime: []attestation.CreatedBucket{}}

	rows, err := s.pool.Query(ctx, `
		SELECT date_trunc('day', created_at) AS date, COUNT(*) AS total
		FROM attestation_requests
		WHERE deleted_at IS NULL
		GROUP BY date
		ORDER BY date
	`)
	if err != nil {
		return attestation.KPIs{}, fmt.Errorf("attestation/postgres: kpis created over time: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b attestation.CreatedBucket
		if err := rows.Scan(&b.Date, &b.Total); err != nil {
			return attestation.KPIs{}, fmt.Errorf("attestation/postgres: scan kpi bucket: %w", err)
		}
		out.CreatedOverTime = append(out.CreatedOverTime, b)
	}
	if err := rows.Err(); err != nil {
		return attestation.KPIs{}, fmt.Errorf("attestation/postgres: kpi rows: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attestation_requests WHERE deleted_at IS NULL AND approved = FALSE`,
	).Scan(&out.NotApproved)
	if err != nil {
		return attestation.KPIs{}, fmt.Errorf("attestation/postgres: kpis not approved: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attestation_requests WHERE deleted_at IS NULL AND revoked = TRUE`,
	).Scan(&out.Revoked)
	if err != nil {
		return attestation.KPIs{}, fmt.Errorf("attestation/postgres: kpis revoked: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT claimer) FROM attestation_requests WHERE deleted_at IS NULL`,
	).Scan(&out.TotalClaimers)
	if err != nil {
		return attestation.KPIs{}, fmt.Errorf("attestation/postgres: kpis claimers: %w", err)
	}

	return out, nil
}

// conflictOrNotFound distinguishes a zero-row predicate miss: a live row means
// the precondition failed, anything else is a missing/deleted row.
func (s *Store) conflictOrNotFound(ctx context.Context, id uuid.UUID, reason string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", attestation.ErrConflict, reason)
}

func scanRequest(row pgx.Row) (attestation.Request, error) {
	var (
		idRaw    pgtype.UUID
		credJSON []byte
		txState  int16
		req      attestation.Request
	)
	err := row.Scan(
		&idRaw,
		&req.Claimer,
		&req.CTypeHash,
		&credJSON,
		&req.Approved,
		&req.Revoked,
		&txState,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.ApprovedAt,
		&req.RevokedAt,
		&req.DeletedAt,
	)
	if err != nil {
		return attestation.Request{}, err
	}
	req.ID = uuid.UUID(idRaw.Bytes)
	req.TxState = attestation.TxState(txState)
	if err := json.Unmarshal(credJSON, &req.Credential); err != nil {
		return attestation.Request{}, fmt.Errorf("unmarshal credential: %w", err)
	}
	return req, nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

var _ attestation.Store = (*Store)(nil)
