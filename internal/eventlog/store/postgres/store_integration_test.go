//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog/store/postgres"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/testutil/containers"
)

type PostgresEventSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *postgres.Store
}

func TestPostgresEventSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresEventSuite))
}

func (s *PostgresEventSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = postgres.New(s.postgres.DB)
	s.Require().NoError(s.store.Schema(context.Background()))
}

func (s *PostgresEventSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "system_events"))
}

func (s *PostgresEventSuite) appendEvent(ctx context.Context, typ eventlog.EventType, at time.Time) *eventlog.SystemEvent {
	event := &eventlog.SystemEvent{
		ID:        uuid.New(),
		Type:      typ,
		Timestamp: at,
		Actor:     "tester",
		Detail:    "integration",
	}
	event.HashEvent = eventlog.SelfHash(event)
	s.Require().NoError(s.store.Append(ctx, event))
	return event
}

// The timestamp feeds the event self-hash at full nanosecond precision, so
// a re-read event must verify against the stored hash even when the clock
// instant had sub-microsecond digits.
func (s *PostgresEventSuite) TestSelfHashSurvivesRoundTrip() {
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Microsecond).Add(789 * time.Nanosecond)
	event := s.appendEvent(ctx, eventlog.EventIssuance, at)

	listed, err := s.store.List(ctx, eventlog.Filter{})
	s.Require().NoError(err)
	s.Require().Len(listed, 1)
	s.Equal(event.HashEvent, listed[0].HashEvent)
	s.True(listed[0].Timestamp.Equal(at))
	s.True(eventlog.VerifyEvent(&listed[0]))
}

func (s *PostgresEventSuite) TestListFiltersAndCursor() {
	ctx := context.Background()
	base := time.Now().UTC()
	s.appendEvent(ctx, eventlog.EventIssuance, base)
	second := s.appendEvent(ctx, eventlog.EventFinalization, base.Add(time.Second))
	s.appendEvent(ctx, eventlog.EventIssuance, base.Add(2*time.Second))

	byType, err := s.store.List(ctx, eventlog.Filter{Types: []eventlog.EventType{eventlog.EventIssuance}})
	s.Require().NoError(err)
	s.Require().Len(byType, 2)

	since, err := s.store.List(ctx, eventlog.Filter{Since: base.Add(time.Second)})
	s.Require().NoError(err)
	s.Require().Len(since, 2)
	s.Equal(second.ID, since[0].ID)

	after, err := s.store.List(ctx, eventlog.Filter{AfterPosition: since[0].Position})
	s.Require().NoError(err)
	s.Require().Len(after, 1)
}

func (s *PostgresEventSuite) TestCountByType() {
	ctx := context.Background()
	base := time.Now().UTC()
	s.appendEvent(ctx, eventlog.EventIssuance, base)
	s.appendEvent(ctx, eventlog.EventIssuance, base.Add(time.Second))
	s.appendEvent(ctx, eventlog.EventDeletion, base.Add(2*time.Second))

	counts, err := s.store.CountByType(ctx, base)
	s.Require().NoError(err)
	s.Equal(int64(2), counts[eventlog.EventIssuance])
	s.Equal(int64(1), counts[eventlog.EventDeletion])
}
