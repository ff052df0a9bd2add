// Package issuer drives the asynchronous attestation lifecycle: it locks a
// request in the store, submits the corresponding registry transaction and
// reconciles the outcome back into the row.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KILTprotocol/attester/internal/archive"
	"github.com/KILTprotocol/attester/internal/attestation"
	"github.com/KILTprotocol/attester/internal/events"
	"github.com/KILTprotocol/attester/internal/ledger"
	"github.com/KILTprotocol/attester/internal/queue"
)

var ErrInvalidConfig = errors.New("issuer: invalid config")

const (
	defaultSubmitTimeout = 5 * time.Minute

	// reconcileTimeout bounds the store writes and side effects that follow
	// the ledger call. They run on their own deadline: when the submission
	// itself died on SubmitTimeout, the submission context is already
	// expired, and a MarkFailed inheriting it would leave the row InFlight.
	reconcileTimeout = 30 * time.Second
)

type Config struct {
	// SubmitTimeout bounds a single ledger submission, including finalization.
	// Defaults to 5 minutes when <= 0.
	SubmitTimeout time.Duration

	// EventTopic is the queue topic for lifecycle events. Publishing is
	// skipped when no producer is configured.
	EventTopic string

	Now func() time.Time
}

// Service accepts approval and revocation requests and performs the ledger
// submission on a detached goroutine. The synchronous part of each call ends
// at the store lock: callers learn "accepted", not "anchored".
type Service struct {
	cfg Config

	log       *slog.Logger
	store     attestation.Store
	submitter ledger.Submitter

	// Optional side effects after a successful reconcile.
	producer queue.Producer
	archive  archive.Archive

	wg sync.WaitGroup
}

func New(cfg Config, store attestation.Store, submitter ledger.Submitter, log *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if submitter == nil {
		return nil, fmt.Errorf("%w: submitter is required", ErrInvalidConfig)
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		store:     store,
		submitter: submitter,
	}, nil
}

// WithProducer enables lifecycle event publishing.
func (s *Service) WithProducer(p queue.Producer) *Service {
	s.producer = p
	return s
}

// WithArchive enables credential snapshotting.
func (s *Service) WithArchive(a archive.Archive) *Service {
	s.archive = a
	return s
}

// Approve validates and locks the request, then anchors it on the registry
// asynchronously. A nil return means the submission was accepted, not that it
// succeeded; poll the row's tx_state for the outcome.
//
// Validation failures surface before any state change. A row already locked,
// approved, revoked or deleted returns ErrConflict/ErrNotFound from the lock.
func (s *Service) Approve(ctx context.Context, id uuid.UUID) error {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	claimHash, ctypeHash, err := req.Credential.Hashes()
	if err != nil {
		return err
	}

	locked, err := s.store.TryLockForApproval(ctx, id)
	if err != nil {
		return err
	}
	s.log.Info("approval accepted", "id", id, "claimer", locked.Claimer)

	s.dispatch(id, func(ctx context.Context) (ledger.Receipt, error) {
		return s.submitter.SubmitAddClaim(ctx, claimHash, ctypeHash)
	}, s.store.MarkApproved, events.KindApproved, locked)
	return nil
}

// Revoke is the revocation analog of Approve. Only approved, unrevoked rows
// can be locked; a Failed revocation attempt leaves approved=true so the call
// can be retried.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) error {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	claimHash, _, err := req.Credential.Hashes()
	if err != nil {
		return err
	}

	locked, err := s.store.TryLockForRevocation(ctx, id)
	if err != nil {
		return err
	}
	s.log.Info("revocation accepted", "id", id, "claimer", locked.Claimer)

	s.dispatch(id, func(ctx context.Context) (ledger.Receipt, error) {
		return s.submitter.SubmitRevokeClaim(ctx, claimHash)
	}, s.store.MarkRevoked, events.KindRevoked, locked)
	return nil
}

// Wait blocks until all in-flight submissions have reconciled. Called during
// shutdown after the HTTP server stops accepting work.
func (s *Service) Wait() {
	s.wg.Wait()
}

// dispatch runs the ledger submission on a goroutine detached from the
// request context: an API client disconnecting must not abandon a transaction
// that may already be in the mempool.
func (s *Service) dispatch(id uuid.UUID, submit func(context.Context) (ledger.Receipt, error), reconcile func(context.Context, uuid.UUID) error, kind string, locked attestation.Request) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SubmitTimeout)
		defer cancel()

		if err := s.store.MarkInFlight(ctx, id); err != nil {
			s.log.Error("mark in-flight failed", "id", id, "err", err)
			return
		}

		receipt, err := submit(ctx)
		cancel()

		// Everything past the ledger call gets a fresh deadline so a
		// submission timeout still reconciles the row.
		ctx, cancel = context.WithTimeout(context.Background(), reconcileTimeout)
		defer cancel()

		if err != nil {
			s.log.Warn("ledger submission failed", "id", id, "kind", kind, "err", err)
			if markErr := s.store.MarkFailed(ctx, id); markErr != nil {
				s.log.Error("mark failed failed", "id", id, "err", markErr)
			}
			return
		}

		if err := reconcile(ctx, id); err != nil {
			// The ledger write went through but the row still says InFlight.
			// Operators must reconcile by hand; ReleaseStale will eventually
			// move the row to Failed, and a resubmission would double-anchor.
			s.log.Error("reconciliation gap: ledger succeeded but store update failed",
				"id", id,
				"kind", kind,
				"txHash", receipt.TxHash,
				"err", err,
			)
			return
		}
		s.log.Info("attestation reconciled", "id", id, "kind", kind, "txHash", receipt.TxHash, "block", receipt.BlockNumber)

		s.publishEvent(ctx, kind, locked, receipt)
		s.snapshot(ctx, kind, locked, receipt)
	}()
}

func (s *Service) publishEvent(ctx context.Context, kind string, req attestation.Request, receipt ledger.Receipt) {
	if s.producer == nil {
		return
	}
	payload, err := events.BuildPayload(kind, req, receipt, s.cfg.Now())
	if err != nil {
		s.log.Warn("build lifecycle event failed", "id", req.ID, "err", err)
		return
	}
	key, value, err := payload.Encode()
	if err != nil {
		s.log.Warn("encode lifecycle event failed", "id", req.ID, "err", err)
		return
	}
	if err := s.producer.Publish(ctx, s.cfg.EventTopic, key, value); err != nil {
		s.log.Warn("publish lifecycle event failed", "id", req.ID, "topic", s.cfg.EventTopic, "err", err)
	}
}

func (s *Service) snapshot(ctx context.Context, kind string, req attestation.Request, receipt ledger.Receipt) {
	if s.archive == nil {
		return
	}
	err := s.archive.Save(ctx, archive.Snapshot{
		RequestID:   req.ID,
		Claimer:     req.Claimer,
		CTypeHash:   req.CTypeHash,
		Credential:  req.Credential,
		Revoked:     kind == events.KindRevoked,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		ArchivedAt:  s.cfg.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("archive snapshot failed", "id", req.ID, "err", err)
	}
}
