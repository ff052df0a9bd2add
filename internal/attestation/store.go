package attestation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Pagination describes a client-controlled slice of the attestation list.
//
// Offset is [skip, take]: the first element is the number of rows to skip in
// the full sort order, the second is the page size. Sort is [column,
// direction]; the direction is ASC only for the literal uppercase token "ASC"
// and DESC otherwise. Filter, when set, restricts rows to a single claimer.
type Pagination struct {
	Offset *[2]int
	Sort   *[2]string
	Filter *string
}

// Store is the durable persistence layer for attestation requests.
//
// The TryLockFor* calls are the sole concurrency-control primitive: each is a
// single predicate-qualified update that moves the row to InFlight, so at most
// one approval (respectively revocation) can be in flight per row at a time,
// even across multiple server processes sharing the same database.
type Store interface {
	// Insert persists a new Pending request derived from the credential.
	Insert(ctx context.Context, cred Credential) (Request, error)

	// Get returns the request, excluding soft-deleted rows.
	Get(ctx context.Context, id uuid.UUID) (Request, error)

	// List returns non-deleted rows per the pagination description.
	List(ctx context.Context, p Pagination) ([]Request, error)

	// Count returns the number of non-deleted rows.
	Count(ctx context.Context) (int64, error)

	// SoftDelete stamps deleted_at. Already-deleted or missing rows are a
	// no-op, not an error.
	SoftDelete(ctx context.Context, id uuid.UUID) error

	// UpdateCredential replaces the credential while the row is unapproved.
	// Approved rows return ErrConflict; missing or deleted rows ErrNotFound.
	// Claimer and CTypeHash are re-derived from the new document, so a
	// credential with a different owner transfers the row. Callers gate who
	// may do that.
	UpdateCredential(ctx context.Context, id uuid.UUID, cred Credential) (Request, error)

	// TryLockForApproval atomically moves a row matching
	// approved=false AND revoked=false AND deleted_at IS NULL AND
	// tx_state IN (Pending, Failed) to InFlight and returns it.
	// An unmet predicate on an existing row returns ErrConflict.
	TryLockForApproval(ctx context.Context, id uuid.UUID) (Request, error)

	// TryLockForRevocation is the revocation analog, with precondition
	// approved=true AND revoked=false AND deleted_at IS NULL.
	TryLockForRevocation(ctx context.Context, id uuid.UUID) (Request, error)

	// MarkInFlight re-stamps the in-flight marker before the ledger call.
	// Idempotent for rows already InFlight; succeeded rows return
	// ErrInvalidTransition.
	MarkInFlight(ctx context.Context, id uuid.UUID) error

	// MarkFailed records a ledger-side failure for an InFlight row.
	MarkFailed(ctx context.Context, id uuid.UUID) error

	// MarkApproved records ledger confirmation of an approval: approved=true,
	// tx_state=Succeeded, approved_at stamped.
	MarkApproved(ctx context.Context, id uuid.UUID) error

	// MarkRevoked records ledger confirmation of a revocation.
	MarkRevoked(ctx context.Context, id uuid.UUID) error

	// ListByTxState returns non-deleted rows in the given submission state,
	// oldest first.
	ListByTxState(ctx context.Context, st TxState) ([]Request, error)

	// ReleaseStale moves InFlight rows whose last update is older than
	// olderThan to Failed, returning how many rows were released. Recovery
	// path for processes that crashed between lock and reconcile.
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// KPIs aggregates rollups over non-deleted rows.
	KPIs(ctx context.Context) (KPIs, error)
}
