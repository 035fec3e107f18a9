//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/hashchain"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/models"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/store/postgres"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/sentinel"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/testutil/containers"
)

type PostgresLedgerSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
}

func TestPostgresLedgerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresLedgerSuite))
}

func (s *PostgresLedgerSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = postgres.NewStore(s.postgres.DB)
	s.Require().NoError(s.store.Schema(context.Background()))
}

func (s *PostgresLedgerSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "annulment_records", "issuance_records")
	s.Require().NoError(err)
}

func (s *PostgresLedgerSuite) appendRecord(ctx context.Context, sequence int64) *models.IssuanceRecord {
	head, position, err := s.store.Head(ctx)
	s.Require().NoError(err)

	record := &models.IssuanceRecord{
		ID:             uuid.New(),
		Series:         "FAC",
		SequenceNumber: sequence,
		Year:           2026,
		Issuer:         models.Party{FiscalID: "B12345678", Name: "Academia Eureka SL"},
		Recipient:      models.Party{FiscalID: "12345678Z", Name: "Ana García"},
		Lines: []models.ChargeLine{
			{
				Description: "Clases de química",
				Quantity:    decimal.NewFromInt(3),
				UnitPrice:   decimal.RequireFromString("27.50"),
				TaxRate:     decimal.RequireFromString("21"),
			},
		},
		Total:         decimal.RequireFromString("99.83"),
		HashPrevious:  head,
		Signature:     "sig",
		Timestamp:     time.Now().UTC(),
		IssuedBy:      "tester",
		State:         models.StateProvisional,
		ChainPosition: position + 1,
	}
	hash, err := hashchain.ComputeHash(record.CanonicalPayload(), head)
	s.Require().NoError(err)
	record.HashCurrent = hash
	s.Require().NoError(s.store.Insert(ctx, record))
	return record
}

func (s *PostgresLedgerSuite) TestRoundTrip() {
	ctx := context.Background()
	record := s.appendRecord(ctx, 1)

	found, err := s.store.FindByID(ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(record.ID, found.ID)
	s.Equal(record.HashCurrent, found.HashCurrent)
	s.Equal(record.SequenceNumber, found.SequenceNumber)
	s.True(found.Total.Equal(record.Total))
	s.Require().Len(found.Lines, 1)
	s.True(found.Lines[0].UnitPrice.Equal(record.Lines[0].UnitPrice))
	s.Equal(models.StateProvisional, found.State)

	// The canonical payload must survive the round trip unchanged, or
	// chain verification would break after a restart.
	rehash, err := hashchain.ComputeHash(found.CanonicalPayload(), found.HashPrevious)
	s.Require().NoError(err)
	s.Equal(record.HashCurrent, rehash)
}

// Timestamps feed the canonical payload at full nanosecond precision. A
// storage type that rounds them (TIMESTAMPTZ keeps microseconds) would make
// every re-read record hash differently than the value it was chained under,
// so verification would report tampering on an untouched ledger.
func (s *PostgresLedgerSuite) TestNanosecondTimestampsSurviveRoundTrip() {
	ctx := context.Background()

	record := s.appendRecord(ctx, 1)
	// Force digits below microsecond resolution regardless of what the
	// platform clock happens to return.
	record.Timestamp = record.Timestamp.Truncate(time.Microsecond).Add(123 * time.Nanosecond)
	hash, err := hashchain.ComputeHash(record.CanonicalPayload(), record.HashPrevious)
	s.Require().NoError(err)
	record.HashCurrent = hash

	record.ID = uuid.New()
	record.SequenceNumber = 2
	record.ChainPosition = 2
	s.Require().NoError(s.store.Insert(ctx, record))

	found, err := s.store.FindByID(ctx, record.ID)
	s.Require().NoError(err)
	s.True(found.Timestamp.Equal(record.Timestamp))

	rehash, err := hashchain.ComputeHash(found.CanonicalPayload(), found.HashPrevious)
	s.Require().NoError(err)
	s.Equal(record.HashCurrent, rehash)
}

func (s *PostgresLedgerSuite) TestHeadAndChain() {
	ctx := context.Background()

	hash, position, err := s.store.Head(ctx)
	s.Require().NoError(err)
	s.Equal(hashchain.GenesisHash, hash)
	s.Equal(int64(0), position)

	first := s.appendRecord(ctx, 1)
	second := s.appendRecord(ctx, 2)
	s.Equal(first.HashCurrent, second.HashPrevious)

	annulment := &models.AnnulmentRecord{
		ID:            uuid.New(),
		TargetID:      first.ID,
		Reason:        "integration test",
		HashPrevious:  second.HashCurrent,
		Signature:     "sig",
		Timestamp:     time.Now().UTC(),
		AnnulledBy:    "tester",
		ChainPosition: 3,
	}
	annulHash, err := hashchain.ComputeHash(annulment.CanonicalPayload(), annulment.HashPrevious)
	s.Require().NoError(err)
	annulment.HashCurrent = annulHash
	s.Require().NoError(s.store.InsertAnnulment(ctx, annulment))

	hash, position, err = s.store.Head(ctx)
	s.Require().NoError(err)
	s.Equal(annulment.HashCurrent, hash)
	s.Equal(int64(3), position)

	entries, err := s.store.ListChain(ctx)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	links := make([]hashchain.Link, 0, len(entries))
	for _, e := range entries {
		links = append(links, hashchain.Link{
			HashCurrent:  e.HashCurrent,
			HashPrevious: e.HashPrevious,
			Payload:      e.Payload,
		})
	}
	s.Require().NoError(hashchain.VerifyChain(links))
}

func (s *PostgresLedgerSuite) TestGuardedTransitions() {
	ctx := context.Background()
	record := s.appendRecord(ctx, 1)

	s.Require().NoError(s.store.SetState(ctx, record.ID, models.StateProvisional, models.StateFinal))
	s.Require().ErrorIs(
		s.store.SetState(ctx, record.ID, models.StateProvisional, models.StateFinal),
		sentinel.ErrInvalidState)
	s.Require().ErrorIs(
		s.store.SetState(ctx, uuid.New(), models.StateProvisional, models.StateFinal),
		sentinel.ErrNotFound)
}

func (s *PostgresLedgerSuite) TestTombstone() {
	ctx := context.Background()
	record := s.appendRecord(ctx, 1)
	s.appendRecord(ctx, 2)

	s.Require().NoError(s.store.Tombstone(ctx, record.ID))

	found, err := s.store.FindByID(ctx, record.ID)
	s.Require().NoError(err)
	s.Equal(models.StateDeleted, found.State)
	s.Empty(found.Lines)
	s.Empty(found.Recipient.FiscalID)
	s.Equal(record.HashCurrent, found.HashCurrent)

	entries, err := s.store.ListChain(ctx)
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Nil(entries[0].Payload)
	links := []hashchain.Link{
		{HashCurrent: entries[0].HashCurrent, HashPrevious: entries[0].HashPrevious},
		{HashCurrent: entries[1].HashCurrent, HashPrevious: entries[1].HashPrevious, Payload: entries[1].Payload},
	}
	s.Require().NoError(hashchain.VerifyChain(links))

	s.Require().ErrorIs(s.store.Tombstone(ctx, record.ID), sentinel.ErrInvalidState)
}

func (s *PostgresLedgerSuite) TestDuplicateNumberRejected() {
	ctx := context.Background()
	first := s.appendRecord(ctx, 1)

	dup := *first
	dup.ID = uuid.New()
	dup.ChainPosition = 2
	s.Require().ErrorIs(s.store.Insert(ctx, &dup), sentinel.ErrConflict)
}

func (s *PostgresLedgerSuite) TestCountByState() {
	ctx := context.Background()
	first := s.appendRecord(ctx, 1)
	s.appendRecord(ctx, 2)
	s.Require().NoError(s.store.SetState(ctx, first.ID, models.StateProvisional, models.StateFinal))

	counts, err := s.store.CountByState(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), counts[models.StateFinal])
	s.Equal(int64(1), counts[models.StateProvisional])
}
