// Package bootstrap opens the configured storage backends and wires the
// order engine, command routes and projections shared by the binaries.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/eventcore/internal/command"
	"github.com/example/eventcore/internal/config"
	"github.com/example/eventcore/internal/domain/aggregate"
	"github.com/example/eventcore/internal/domain/order"
	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/logger"
	"github.com/example/eventcore/internal/metrics"
	"github.com/example/eventcore/internal/projection"
	"github.com/example/eventcore/internal/upcast"
)

// ProjectionStore keeps checkpoints and quarantined events.
type ProjectionStore interface {
	store.ProjectionStateStore
	store.QuarantineStore
}

// Backends are the stores selected by EVENT_STORE_BACKEND.
type Backends struct {
	Events      store.EventStoreInterface
	Snapshots   store.SnapshotStore
	Projections ProjectionStore
	ReadStore   store.ReadStoreInterface

	closers []func() error
}

// Close releases database connections.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

// Open connects to the configured backend. The DynamoDB backend keeps its
// read side in Postgres.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Backends, error) {
	log = logger.OrNop(log)
	switch cfg.StoreBackend {
	case config.BackendMemory:
		projections := store.NewProjectionMemoryStore()
		return &Backends{
			Events:      store.NewEventStore(),
			Snapshots:   store.NewSnapshotMemoryStore(),
			Projections: projections,
			ReadStore:   store.NewReadStore(),
		}, nil

	case config.BackendPostgres:
		return openSQL(ctx, cfg, store.Postgres, func() (*sql.DB, error) { return store.ConnectPostgres(cfg.DatabaseURL) }, log)
	case config.BackendMySQL:
		return openSQL(ctx, cfg, store.MySQL, func() (*sql.DB, error) { return store.ConnectMySQL(cfg.MySQLDSN) }, log)
	case config.BackendSQLite:
		return openSQL(ctx, cfg, store.SQLite, func() (*sql.DB, error) { return store.ConnectSQLite(cfg.SQLitePath) }, log)

	case config.BackendDynamoDB:
		client, err := store.ConnectDynamoDB(ctx, cfg.AWSRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		b, err := openSQL(ctx, cfg, store.Postgres, func() (*sql.DB, error) { return store.ConnectPostgres(cfg.DatabaseURL) }, log)
		if err != nil {
			return nil, err
		}
		b.Events = store.NewDynamoEventStore(client, cfg.DynamoEventsTable)
		b.Snapshots = store.NewDynamoSnapshotStore(client, cfg.DynamoSnapshotTable)
		log.Info("using DynamoDB event store",
			zap.String("events_table", cfg.DynamoEventsTable), zap.String("region", cfg.AWSRegion))
		return b, nil
	}
	return nil, fmt.Errorf("unknown event store backend %q", cfg.StoreBackend)
}

func openSQL(ctx context.Context, cfg *config.Config, dialect store.Dialect, connect func() (*sql.DB, error), log *zap.Logger) (*Backends, error) {
	db, err := connect()
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, db, dialect); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate %s: %w", dialect.Name, err)
		}
	}
	log.Info("connected to database", zap.String("dialect", dialect.Name), zap.Bool("migrated", cfg.AutoMigrate))

	return &Backends{
		Events:      store.NewSQLEventStore(db, dialect),
		Snapshots:   store.NewSQLSnapshotStore(db, dialect),
		Projections: store.NewSQLProjectionStore(db, dialect),
		ReadStore:   store.NewSQLReadStore(db, dialect),
		closers:     []func() error{db.Close},
	}, nil
}

// Core is the wired event-sourcing core.
type Core struct {
	Upcaster    *upcast.Chain
	Orders      *aggregate.Engine[order.Order]
	Commands    *command.Handler
	Projections *projection.Manager
}

// NewCore wires the order engine over events, which may be a publishing
// wrapper, and registers the order projections against b's stores.
func NewCore(cfg *config.Config, b *Backends, events store.EventStoreInterface, log *zap.Logger, rec metrics.Recorder) (*Core, error) {
	chain := upcast.NewChain()
	if err := order.RegisterUpcasters(chain); err != nil {
		return nil, err
	}

	retries := cfg.CommandMaxRetries
	if retries == 0 {
		retries = -1 // the engine reads 0 as "use the default"
	}
	orders := aggregate.NewEngine(order.Definition, events, aggregate.Options{
		Snapshots:     b.Snapshots,
		Upcaster:      chain,
		SnapshotEvery: int64(cfg.SnapshotInterval),
		MaxRetries:    retries,
		BackoffBase:   cfg.CommandBackoffBase,
		Logger:        log,
		Metrics:       rec,
	})

	cmds := command.NewHandler(log)
	if err := order.RegisterCommands(cmds, orders); err != nil {
		return nil, err
	}

	manager := projection.NewManager(b.Events, b.Projections, b.Projections, projection.Options{
		BatchSize:    cfg.ProjectionBatchSize,
		PollInterval: cfg.ProjectionPollInterval,
		MaxAttempts:  cfg.ProjectionMaxAttempts,
		BackoffBase:  cfg.ProjectionBackoffBase,
		BackoffMax:   cfg.ProjectionBackoffMax,
		Upcaster:     chain,
		Logger:       log,
		Metrics:      rec,
	})
	for _, p := range []projection.Projection{
		projection.NewOrderSummaryProjection(b.ReadStore, log),
		projection.NewOrderStatsProjection(b.ReadStore, log),
	} {
		if err := manager.Register(p); err != nil {
			return nil, err
		}
	}

	return &Core{Upcaster: chain, Orders: orders, Commands: cmds, Projections: manager}, nil
}
