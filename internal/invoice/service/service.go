// Package service implements the invoice ledger state machine. It owns the
// chain head discipline: every mutating operation runs inside one storage
// transaction and either fully advances the ledger or leaves it untouched.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/clockguard"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/hashchain"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/metrics"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/models"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/platform/config"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/sequence"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/signing"
	dErrors "github.com/Maybe-Sama/eureka-connect-sub003/pkg/domain-errors"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/sentinel"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/tx"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/requestcontext"
)

// Store is the ledger persistence contract. Implementations must honor the
// transaction carried in context so that record, head pointer, counter and
// audit event commit atomically.
type Store interface {
	Insert(ctx context.Context, record *models.IssuanceRecord) error
	InsertAnnulment(ctx context.Context, annulment *models.AnnulmentRecord) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.IssuanceRecord, error)

	// SetState transitions a record, guarded by the expected current state.
	// Returns sentinel.ErrInvalidState when the record is no longer in
	// `from`, so racing writers cannot both win a transition.
	SetState(ctx context.Context, id uuid.UUID, from, to models.RecordState) error

	// Tombstone marks a provisional record deleted and strips its payload
	// and line items while preserving identity, hashes and chain position.
	Tombstone(ctx context.Context, id uuid.UUID) error

	// Head returns the hash and position of the most recently appended
	// chain entry, or (GenesisHash, 0) for an empty ledger. Must be
	// read-after-write consistent inside a transaction.
	Head(ctx context.Context) (string, int64, error)

	// ListChain returns every chain entry in position order, with canonical
	// payloads attached for live records and nil payloads for tombstones.
	ListChain(ctx context.Context) ([]models.ChainEntry, error)

	ListRecords(ctx context.Context) ([]models.IssuanceRecord, error)
	ListAnnulments(ctx context.Context) ([]models.AnnulmentRecord, error)
	CountByState(ctx context.Context) (map[models.RecordState]int64, error)
}

// ClockStatus exposes the latest clock verification to the issuance policy.
type ClockStatus interface {
	Latest() clockguard.State
}

// Service orchestrates record creation, finalization and annulment.
type Service struct {
	store    Store
	counters *sequence.Allocator
	signer   *signing.Service
	events   *eventlog.Service
	clock    ClockStatus
	runner   tx.Runner
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	issuer      models.Party
	series      string
	clockPolicy config.ClockPolicy
}

// Config carries the wiring for NewService.
type Config struct {
	Store       Store
	Counters    *sequence.Allocator
	Signer      *signing.Service
	Events      *eventlog.Service
	Clock       ClockStatus
	Runner      tx.Runner
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Issuer      models.Party
	Series      string
	ClockPolicy config.ClockPolicy
}

func NewService(cfg Config) *Service {
	return &Service{
		store:       cfg.Store,
		counters:    cfg.Counters,
		signer:      cfg.Signer,
		events:      cfg.Events,
		clock:       cfg.Clock,
		runner:      cfg.Runner,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      otel.Tracer("invoice-ledger"),
		issuer:      cfg.Issuer,
		series:      cfg.Series,
		clockPolicy: cfg.ClockPolicy,
	}
}

// Issue allocates the next sequence number, chains a new record onto the
// current head and persists it in state provisional. The allocation, hash
// computation, persistence and audit event share one transaction.
func (s *Service) Issue(ctx context.Context, req models.IssueRequest) (*models.IssuanceRecord, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.issue")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	// Fail closed before consuming a sequence number.
	if !s.signer.Available() {
		return nil, dErrors.New(dErrors.CodeSigningUnavailable, "signing key material is not configured")
	}
	if err := s.checkClockPolicy(ctx); err != nil {
		return nil, err
	}

	series := req.Series
	if series == "" {
		series = s.series
	}
	actor := s.actor(ctx)
	start := time.Now()

	var record *models.IssuanceRecord
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		now := requestcontext.Now(ctx).UTC()
		year := now.Year()

		number, err := s.counters.NextNumber(ctx, series, year)
		if err != nil {
			return fmt.Errorf("allocate number: %w", err)
		}
		headHash, headPos, err := s.store.Head(ctx)
		if err != nil {
			return fmt.Errorf("read chain head: %w", err)
		}

		record = &models.IssuanceRecord{
			ID:             uuid.New(),
			Series:         series,
			SequenceNumber: number,
			Year:           year,
			Issuer:         s.issuer,
			Recipient:      req.Recipient,
			Lines:          req.Lines,
			TaxBreakdown:   req.TaxBreakdown(),
			Total:          req.Total(),
			Description:    req.Description,
			HashPrevious:   headHash,
			Timestamp:      now,
			IssuedBy:       actor,
			State:          models.StateProvisional,
			ChainPosition:  headPos + 1,
		}
		if req.Issuer.FiscalID != "" {
			record.Issuer = req.Issuer
		}

		hash, err := hashchain.ComputeHash(record.CanonicalPayload(), headHash)
		if err != nil {
			return fmt.Errorf("hash record: %w", err)
		}
		record.HashCurrent = hash

		signature, err := s.signer.Sign(hash)
		if err != nil {
			return err
		}
		record.Signature = signature

		if err := s.store.Insert(ctx, record); err != nil {
			return fmt.Errorf("persist record: %w", err)
		}

		detail := fmt.Sprintf("issued %s (%s)", record.Number(), record.ID)
		if _, err := s.events.Record(ctx, eventlog.EventIssuance, actor, detail); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, s.translate(err)
	}

	if s.metrics != nil {
		s.metrics.IncrementIssued()
		s.metrics.ObserveAppend(time.Since(start).Seconds())
	}
	s.logger.InfoContext(ctx, "invoice issued",
		"number", record.Number(),
		"record_id", record.ID,
		"chain_position", record.ChainPosition,
		"request_id", requestcontext.RequestID(ctx),
	)
	return record, nil
}

// Finalize transitions a provisional record to final.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID) (*models.IssuanceRecord, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.finalize")
	defer span.End()

	actor := s.actor(ctx)
	var record *models.IssuanceRecord
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		found, err := s.store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if found.State != models.StateProvisional {
			return dErrors.Newf(dErrors.CodeInvalidState,
				"cannot finalize %s: state is %s, want provisional", found.Number(), found.State)
		}
		if err := s.store.SetState(ctx, id, models.StateProvisional, models.StateFinal); err != nil {
			return err
		}
		found.State = models.StateFinal
		record = found

		detail := fmt.Sprintf("finalized %s (%s)", found.Number(), found.ID)
		_, err = s.events.Record(ctx, eventlog.EventFinalization, actor, detail)
		return err
	})
	if err != nil {
		return nil, s.translate(err)
	}

	if s.metrics != nil {
		s.metrics.IncrementFinalized()
	}
	s.logger.InfoContext(ctx, "invoice finalized",
		"number", record.Number(),
		"record_id", record.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return record, nil
}

// DeleteProvisional removes a provisional record's payload, leaving a chain
// tombstone, and voids its sequence number. Final and annulled records are
// never deleted.
func (s *Service) DeleteProvisional(ctx context.Context, id uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "ledger.delete_provisional")
	defer span.End()

	actor := s.actor(ctx)
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		found, err := s.store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if found.State != models.StateProvisional {
			return dErrors.Newf(dErrors.CodeInvalidState,
				"cannot delete %s: state is %s; final invoices are never deleted", found.Number(), found.State)
		}
		if err := s.store.Tombstone(ctx, id); err != nil {
			return err
		}

		now := requestcontext.Now(ctx).UTC()
		// The number was visible in a chain link, so it is burned, never
		// recycled.
		reason := fmt.Sprintf("provisional record %s deleted", found.ID)
		if err := s.counters.Void(ctx, found.Series, found.Year, found.SequenceNumber, reason, now); err != nil {
			return fmt.Errorf("void number: %w", err)
		}

		detail := fmt.Sprintf("deleted provisional %s (%s), number voided", found.Number(), found.ID)
		_, err = s.events.Record(ctx, eventlog.EventDeletion, actor, detail)
		return err
	})
	if err != nil {
		return s.translate(err)
	}

	if s.metrics != nil {
		s.metrics.IncrementDeleted()
	}
	return nil
}

// Annul appends an annulment record chained onto the current head and marks
// the target annulled. The original record remains present and unmodified
// apart from its lifecycle state.
func (s *Service) Annul(ctx context.Context, id uuid.UUID, reason string) (*models.AnnulmentRecord, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.annul")
	defer span.End()

	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "annulment reason is required")
	}
	if !s.signer.Available() {
		return nil, dErrors.New(dErrors.CodeSigningUnavailable, "signing key material is not configured")
	}

	actor := s.actor(ctx)
	var annulment *models.AnnulmentRecord
	err := s.runner.RunInTx(ctx, func(ctx context.Context) error {
		found, err := s.store.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if found.State != models.StateFinal {
			return dErrors.Newf(dErrors.CodeInvalidState,
				"cannot annul %s: state is %s, want final", found.Number(), found.State)
		}

		headHash, headPos, err := s.store.Head(ctx)
		if err != nil {
			return fmt.Errorf("read chain head: %w", err)
		}

		now := requestcontext.Now(ctx).UTC()
		annulment = &models.AnnulmentRecord{
			ID:            uuid.New(),
			TargetID:      found.ID,
			Reason:        reason,
			HashPrevious:  headHash,
			Timestamp:     now,
			AnnulledBy:    actor,
			ChainPosition: headPos + 1,
		}

		hash, err := hashchain.ComputeHash(annulment.CanonicalPayload(), headHash)
		if err != nil {
			return fmt.Errorf("hash annulment: %w", err)
		}
		annulment.HashCurrent = hash

		signature, err := s.signer.Sign(hash)
		if err != nil {
			return err
		}
		annulment.Signature = signature

		if err := s.store.InsertAnnulment(ctx, annulment); err != nil {
			return fmt.Errorf("persist annulment: %w", err)
		}
		if err := s.store.SetState(ctx, id, models.StateFinal, models.StateAnnulled); err != nil {
			return err
		}

		detail := fmt.Sprintf("annulled %s (%s): %s", found.Number(), found.ID, reason)
		_, err = s.events.Record(ctx, eventlog.EventAnnulment, actor, detail)
		return err
	})
	if err != nil {
		return nil, s.translate(err)
	}

	if s.metrics != nil {
		s.metrics.IncrementAnnulled()
	}
	s.logger.InfoContext(ctx, "invoice annulled",
		"record_id", id,
		"annulment_id", annulment.ID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return annulment, nil
}

// Get returns one record by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.IssuanceRecord, error) {
	record, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, s.translate(err)
	}
	return record, nil
}

// HeadHash returns the hash of the most recently appended chain entry, or
// the genesis constant for an empty ledger.
func (s *Service) HeadHash(ctx context.Context) (string, error) {
	hash, _, err := s.store.Head(ctx)
	if err != nil {
		return "", s.translate(err)
	}
	return hash, nil
}

// VerifyChain walks the whole ledger and checks every link. A broken link is
// a critical incident: it is recorded in the event log and surfaced as a
// ChainIntegrityViolation, never repaired.
func (s *Service) VerifyChain(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "ledger.verify_chain")
	defer span.End()

	entries, err := s.store.ListChain(ctx)
	if err != nil {
		return s.translate(err)
	}
	links := make([]hashchain.Link, 0, len(entries))
	for _, e := range entries {
		links = append(links, hashchain.Link{
			HashCurrent:  e.HashCurrent,
			HashPrevious: e.HashPrevious,
			Payload:      e.Payload,
		})
	}

	if err := hashchain.VerifyChain(links); err != nil {
		if s.metrics != nil {
			s.metrics.ObserveVerification(false)
		}
		var broken *hashchain.BrokenLinkError
		detail := err.Error()
		if errors.As(err, &broken) {
			detail = fmt.Sprintf("chain integrity violation at position %d: %s",
				entries[broken.Index].Position, broken.Reason)
		}
		s.logger.ErrorContext(ctx, "chain integrity violation", "error", err)
		if _, recErr := s.events.Record(ctx, eventlog.EventIncident, "system", detail); recErr != nil {
			s.logger.ErrorContext(ctx, "failed to record integrity incident", "error", recErr)
		}
		return dErrors.Wrap(err, dErrors.CodeChainIntegrity, detail)
	}

	if s.metrics != nil {
		s.metrics.ObserveVerification(true)
	}
	return nil
}

// LedgerExport is the machine-readable audit export: totals, per-state
// counts and the ordered record sequences.
type LedgerExport struct {
	GeneratedAt   time.Time                    `json:"generated_at"`
	HeadHash      string                       `json:"head_hash"`
	TotalRecords  int64                        `json:"total_records"`
	CountsByState map[models.RecordState]int64 `json:"counts_by_state"`
	Records       []models.IssuanceRecord      `json:"records"`
	Annulments    []models.AnnulmentRecord     `json:"annulments"`
}

// Export produces the audit export and records the export itself as an
// event. The read is not transactional with new appends; the embedded head
// hash pins which prefix of the ledger the export covers.
func (s *Service) Export(ctx context.Context) (*LedgerExport, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.export")
	defer span.End()

	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return nil, s.translate(err)
	}
	annulments, err := s.store.ListAnnulments(ctx)
	if err != nil {
		return nil, s.translate(err)
	}
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, s.translate(err)
	}
	head, _, err := s.store.Head(ctx)
	if err != nil {
		return nil, s.translate(err)
	}

	var total int64
	for _, c := range counts {
		total += c
	}

	actor := s.actor(ctx)
	detail := fmt.Sprintf("exported %d records, %d annulments", len(records), len(annulments))
	if _, err := s.events.Record(ctx, eventlog.EventExport, actor, detail); err != nil {
		return nil, err
	}

	return &LedgerExport{
		GeneratedAt:   requestcontext.Now(ctx).UTC(),
		HeadHash:      head,
		TotalRecords:  total,
		CountsByState: counts,
		Records:       records,
		Annulments:    annulments,
	}, nil
}

// checkClockPolicy enforces the deployment's drift policy. Warn mode logs
// and proceeds; block mode refuses issuance whenever the clock is not
// positively verified synchronized.
func (s *Service) checkClockPolicy(ctx context.Context) error {
	if s.clock == nil {
		return nil
	}
	state := s.clock.Latest()
	if state.Verifiable && state.Synchronized {
		return nil
	}
	if s.clockPolicy == config.ClockPolicyBlock {
		if !state.Verifiable {
			return dErrors.New(dErrors.CodeClockUnsynchronized,
				"issuance blocked: clock state unverifiable")
		}
		return dErrors.Newf(dErrors.CodeClockUnsynchronized,
			"issuance blocked: clock drift %.0fs exceeds tolerance", state.OffsetSeconds)
	}
	s.logger.WarnContext(ctx, "issuing with unverified clock",
		"synchronized", state.Synchronized,
		"verifiable", state.Verifiable,
		"offset_seconds", state.OffsetSeconds,
	)
	return nil
}

func (s *Service) actor(ctx context.Context) string {
	if actor := requestcontext.Actor(ctx); actor != "" {
		return actor
	}
	return "system"
}

// translate maps infrastructure sentinels onto coded domain errors. Already
// coded errors pass through untouched.
func (s *Service) translate(err error) error {
	var coded *dErrors.Error
	if errors.As(err, &coded) {
		return err
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "record not found")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeInvalidState, "record is not in the required state")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "lost a concurrent update race, retry")
	case errors.Is(err, sentinel.ErrTimeout):
		return dErrors.Wrap(err, dErrors.CodeStorageTimeout, "storage operation timed out")
	default:
		return err
	}
}
