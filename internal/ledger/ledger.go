// Package ledger defines the narrow transaction-submission interface the
// attestation core needs from the chain. Implementations own signing
// credentials, nonce bookkeeping, and finalization tracking; callers only see
// a submit-and-confirm round trip.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrSubmission covers construction, signing, broadcast, and revert
	// failures.
	ErrSubmission = errors.New("ledger: submission failed")

	// ErrFinalizeTimeout is returned when the transaction was broadcast but
	// did not finalize within the configured window. The caller must treat it
	// like any other submission failure.
	ErrFinalizeTimeout = errors.New("ledger: finalization timeout")

	// ErrConfirmationMissing means the transaction finalized but the expected
	// confirmation event was not emitted.
	ErrConfirmationMissing = errors.New("ledger: confirmation event missing")
)

// Receipt describes a finalized, confirmed submission.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Submitter relays attestation state changes to the ledger and reports back
// once they are final.
type Submitter interface {
	// SubmitAddClaim records an attestation for the claim/ctype hash pair and
	// waits for the creation confirmation event.
	SubmitAddClaim(ctx context.Context, claimHash, ctypeHash [32]byte) (Receipt, error)

	// SubmitRevokeClaim revokes a previously recorded attestation and waits
	// for the revocation confirmation event.
	SubmitRevokeClaim(ctx context.Context, claimHash [32]byte) (Receipt, error)
}
