package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS attestation_requests (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	claimer TEXT NOT NULL,
	ctype_hash TEXT NOT NULL,
	credential JSONB NOT NULL,

	approved BOOLEAN NOT NULL DEFAULT FALSE,
	revoked BOOLEAN NOT NULL DEFAULT FALSE,
	tx_state SMALLINT NOT NULL DEFAULT 1,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ,
	approved_at TIMESTAMPTZ,
	revoked_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ,

	CONSTRAINT claimer_nonempty CHECK (claimer <> ''),
	CONSTRAINT ctype_hash_nonempty CHECK (ctype_hash <> ''),
	CONSTRAINT tx_state_range CHECK (tx_state >= 1 AND tx_state <= 4),
	CONSTRAINT revoked_implies_approved CHECK (NOT revoked OR approved)
);

CREATE INDEX IF NOT EXISTS attestation_requests_claimer_idx ON attestation_requests (claimer) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS attestation_requests_created_idx ON attestation_requests (created_at);
CREATE INDEX IF NOT EXISTS attestation_requests_tx_state_idx ON attestation_requests (tx_state) WHERE deleted_at IS NULL;
`
