package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/clockguard"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog"
	evmemory "github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog/store/memory"
	evpostgres "github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog/store/postgres"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/metrics"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/models"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/service"
	invmemory "github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/store/memory"
	invpostgres "github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/store/postgres"
	jwttoken "github.com/Maybe-Sama/eureka-connect-sub003/internal/jwt_token"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/platform/config"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/platform/httpserver"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/platform/logger"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/qr"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/sequence"
	seqmemory "github.com/Maybe-Sama/eureka-connect-sub003/internal/sequence/store/memory"
	seqpostgres "github.com/Maybe-Sama/eureka-connect-sub003/internal/sequence/store/postgres"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/signing"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/storage/sqlite"
	httptransport "github.com/Maybe-Sama/eureka-connect-sub003/internal/transport/http"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/tx"
)

const clockCheckInterval = 5 * time.Minute

// main wires the storage, signing, clock and transport collaborators and owns
// the process lifecycle. Business rules live in the internal services.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	stores, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer stores.close()

	signer, err := signing.New(cfg.SigningSecret)
	if err != nil {
		return fmt.Errorf("signing: %w", err)
	}

	events := eventlog.NewService(stores.events, log, cfg.SummaryInterval)
	guard := clockguard.New(clockguard.NewNTPSource(5*time.Second), cfg.NTPServers, events, log)

	ledger := service.NewService(service.Config{
		Store:       stores.ledger,
		Counters:    sequence.NewAllocator(stores.counters),
		Signer:      signer,
		Events:      events,
		Clock:       guard,
		Runner:      stores.runner,
		Logger:      log,
		Metrics:     metrics.New(),
		Issuer:      models.Party{FiscalID: cfg.IssuerID, Name: cfg.IssuerName},
		Series:      cfg.Series,
		ClockPolicy: cfg.ClockPolicy,
	})

	tokens := jwttoken.NewService(cfg.JWTSigningKey, "invoice-ledger")

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Ledger:    httptransport.NewLedgerHandler(ledger, qr.NewEncoder(cfg.VerificationURL), log),
		System:    httptransport.NewSystemHandler(events, guard),
		Validator: tokens,
		Logger:    log,
	})

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Prime the clock state so a block policy does not refuse issuance
	// until the first periodic check fires.
	if _, err := guard.Check(ctx); err != nil {
		log.Warn("initial clock check failed", "error", err)
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return guard.Run(ctx, clockCheckInterval)
	})
	group.Go(func() error {
		return eventlog.NewWorker(events, cfg.SummaryInterval).Run(ctx)
	})
	group.Go(func() error {
		log.Info("starting invoice ledger", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("invoice ledger stopped")
	return nil
}

// storeSet groups the persistence collaborators behind one driver choice so
// run stays agnostic of where records actually live.
type storeSet struct {
	ledger   service.Store
	counters sequence.Store
	events   eventlog.Store
	runner   tx.Runner
	close    func()
}

func openStores(cfg config.Server) (*storeSet, error) {
	switch cfg.StoreDriver {
	case "memory":
		return &storeSet{
			ledger:   invmemory.NewStore(),
			counters: seqmemory.New(),
			events:   evmemory.New(),
			runner:   tx.NewMutexRunner(),
			close:    func() {},
		}, nil

	case "sqlite":
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &storeSet{
			ledger:   store,
			counters: store,
			events:   store,
			runner:   tx.NewSQLRunner(store.DB(), cfg.StoreTimeout, sql.LevelSerializable),
			close:    func() { _ = store.Close() },
		}, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		ledger := invpostgres.NewStore(db)
		counters := seqpostgres.New(db)
		events := evpostgres.New(db)
		for _, schema := range []func(context.Context) error{ledger.Schema, counters.Schema, events.Schema} {
			if err := schema(ctx); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return &storeSet{
			ledger:   ledger,
			counters: counters,
			events:   events,
			runner:   tx.NewSQLRunner(db, cfg.StoreTimeout, sql.LevelSerializable),
			close:    func() { _ = db.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
