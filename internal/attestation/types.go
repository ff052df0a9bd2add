package attestation

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidCredential = errors.New("attestation: invalid credential")
	ErrMalformedHash     = errors.New("attestation: malformed hash")
	ErrNotFound          = errors.New("attestation: not found")
	ErrConflict          = errors.New("attestation: conflict")
	ErrInvalidTransition = errors.New("attestation: invalid transition")
)

// TxState tracks the ledger-submission status of an attestation request.
//
// Transitions form a DAG: Pending -> InFlight -> {Succeeded, Failed}.
// Failed rows may re-enter InFlight through a fresh lock; Succeeded is terminal.
type TxState uint8

const (
	TxStateUnknown TxState = iota
	TxStatePending
	TxStateInFlight
	TxStateSucceeded
	TxStateFailed
)

func (s TxState) String() string {
	switch s {
	case TxStatePending:
		return "Pending"
	case TxStateInFlight:
		return "InFlight"
	case TxStateSucceeded:
		return "Succeeded"
	case TxStateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s TxState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *TxState) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	st, err := ParseTxState(v)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func ParseTxState(v string) (TxState, error) {
	switch v {
	case "Pending":
		return TxStatePending, nil
	case "InFlight":
		return TxStateInFlight, nil
	case "Succeeded":
		return TxStateSucceeded, nil
	case "Failed":
		return TxStateFailed, nil
	default:
		return TxStateUnknown, fmt.Errorf("attestation: unknown tx state %q", v)
	}
}

// Claim is the typed portion of a submitted credential.
type Claim struct {
	CTypeHash string          `json:"cTypeHash"`
	Contents  json.RawMessage `json:"contents"`
	Owner     string          `json:"owner"`
}

// Credential is the claim document submitted by a claimer. The store treats it
// as opaque JSON; only the owner, cTypeHash, and rootHash fields are pulled out
// for authorization and ledger calls.
type Credential struct {
	Claim         Claim           `json:"claim"`
	ClaimNonceMap json.RawMessage `json:"claimNonceMap,omitempty"`
	ClaimHashes   []string        `json:"claimHashes,omitempty"`
	DelegationID  *string         `json:"delegationId"`
	Legitimations json.RawMessage `json:"legitimations,omitempty"`
	ClaimerSig    json.RawMessage `json:"claimerSignature,omitempty"`
	RootHash      string          `json:"rootHash"`
}

func (c Credential) Validate() error {
	if strings.TrimSpace(c.Claim.Owner) == "" {
		return fmt.Errorf("%w: missing claim owner", ErrInvalidCredential)
	}
	if strings.TrimSpace(c.Claim.CTypeHash) == "" {
		return fmt.Errorf("%w: missing ctype hash", ErrInvalidCredential)
	}
	if strings.TrimSpace(c.RootHash) == "" {
		return fmt.Errorf("%w: missing root hash", ErrInvalidCredential)
	}
	return nil
}

// Hashes decodes the credential's root hash and ctype hash for ledger
// submission. Both must dehex to exactly 32 bytes.
func (c Credential) Hashes() (claimHash, ctypeHash [32]byte, err error) {
	claimHash, err = DecodeHash32(c.RootHash)
	if err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("%w: root hash: %v", ErrMalformedHash, err)
	}
	ctypeHash, err = DecodeHash32(c.Claim.CTypeHash)
	if err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("%w: ctype hash: %v", ErrMalformedHash, err)
	}
	return claimHash, ctypeHash, nil
}

// DecodeHash32 decodes a 0x-prefixed or bare hex string into exactly 32 bytes.
func DecodeHash32(v string) ([32]byte, error) {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "0x")
	v = strings.TrimPrefix(v, "0X")
	raw, err := hex.DecodeString(v)
	if err != nil {
		return [32]byte{}, err
	}
	if len(raw) != 32 {
		return [32]byte{}, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

// Request is an attestation request row.
type Request struct {
	ID         uuid.UUID  `json:"id"`
	Claimer    string     `json:"claimer"`
	CTypeHash  string     `json:"ctypeHash"`
	Credential Credential `json:"credential"`

	Approved bool    `json:"approved"`
	Revoked  bool    `json:"revoked"`
	TxState  TxState `json:"txState"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  *time.Time `json:"updatedAt"`
	ApprovedAt *time.Time `json:"approvedAt"`
	RevokedAt  *time.Time `json:"revokedAt"`
	DeletedAt  *time.Time `json:"deletedAt,omitempty"`
}

// CreatedBucket is one day of the creation time series.
type CreatedBucket struct {
	Date  time.Time `json:"date"`
	Total int64     `json:"totalAttestationsCreated"`
}

// KPIs are read-only rollups over the non-deleted rows.
type KPIs struct {
	CreatedOverTime []CreatedBucket `json:"attestationsCreatedOverTime"`
	NotApproved     int64           `json:"attestationsNotApproved"`
	Revoked         int64           `json:"attestationsRevoked"`
	TotalClaimers   int64           `json:"totalClaimers"`
}
