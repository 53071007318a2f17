package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/internal/database"
	"github.com/ajitpratap0/tributary/internal/worker"
	"github.com/ajitpratap0/tributary/pkg/auth"
	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/connector/registry"
	"github.com/ajitpratap0/tributary/pkg/ledger"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/storage"
	"github.com/ajitpratap0/tributary/pkg/storage/objectstore"
)

// app holds the wired components shared by the serve and one-off commands
type app struct {
	cfg     *config.Config
	clock   clock.Clock
	log     *zap.Logger
	db      *database.DB
	catalog *config.Catalog
	objects objectstore.Store
	stager  *storage.Stager
	router  *storage.Router
	sources *database.SourceRepository
	streams *database.StreamRepository
	ledger  *ledger.Ledger
	auth    *auth.Manager
	connect *auth.Provisioner
	pool    *worker.Pool
}

// loadConfig reads the configuration and initialises logging from it
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialise logger: %w", err)
	}
	return cfg, nil
}

// newApp connects to the database and object store and wires the task
// handlers. With inline set, process tasks emitted by a sync run in the
// same call instead of going through the queue.
func newApp(ctx context.Context, cfg *config.Config, inline bool) (*app, error) {
	a := &app{
		cfg:   cfg,
		clock: clock.WallClock,
		log:   logger.Get().With(zap.String("component", "tributary")),
	}

	catalog, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	a.catalog = catalog

	db, err := database.NewConnection(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db

	objects, err := objectstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		a.log.Warn("could not ensure object store bucket", zap.String("bucket", objects.Bucket()), zap.Error(err))
	}
	a.objects = objects

	a.sources = database.NewSourceRepository(db, a.clock)
	a.streams = database.NewStreamRepository(db, a.clock)
	a.ledger = ledger.New(database.NewActivityRepository(db), a.clock)
	a.stager = storage.NewStager(objects, cfg.Storage.RawPrefix, a.clock)
	a.router = storage.NewRouter(objects,
		database.NewRecordWriter(db, cfg.Storage.ColumnCacheTTL, a.clock),
		cfg.Storage.MaxConcurrentUploads, a.clock)

	a.auth, err = auth.NewManager(cfg.Auth, a.clock, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		db.Close()
		return nil, err
	}
	a.connect = auth.NewProvisioner(a.auth, a.sources, a.streams, catalog)

	a.pool = worker.NewPool(cfg.Worker, a.clock)
	var next worker.ProcessDispatcher = a.pool
	if inline {
		next = &inlineProcessor{pool: a.pool}
	}
	a.registerHandlers(next)
	return a, nil
}

func (a *app) registerHandlers(next worker.ProcessDispatcher) {
	reg := registry.GetRegistry()

	a.pool.Register(worker.KindSync, worker.NewSyncHandler(worker.SyncDeps{
		Streams:     a.streams,
		Credentials: a.sources,
		Auth:        a.auth,
		Registry:    reg,
		Catalog:     a.catalog,
		Stager:      a.stager,
		Ledger:      a.ledger,
		Next:        next,
		Clock:       a.clock,
	}))
	a.pool.Register(worker.KindProcess, worker.NewProcessHandler(worker.ProcessDeps{
		Streams:  a.streams,
		Registry: reg,
		Catalog:  a.catalog,
		Stager:   a.stager,
		Router:   a.router,
		Ledger:   a.ledger,
		Clock:    a.clock,
	}))
	a.pool.Register(worker.KindTokenRefresh, worker.NewTokenRefreshHandler(
		auth.NewRefresher(a.auth, a.sources, a.ledger, a.clock), a.auth.Pairing()))
	a.pool.Register(worker.KindCleanup, worker.NewCleanupHandler(a.ledger, a.cfg.Worker.ActivityRetention))
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

// objectStoreReachable reads a key that never exists; only a not-found
// answer proves the bucket is reachable
func (a *app) objectStoreReachable(ctx context.Context) error {
	_, err := a.objects.Get(ctx, ".health")
	if err == nil || errors.Is(err, objectstore.ErrObjectNotFound) {
		return nil
	}
	return err
}

func loadCatalog(path string) (*config.Catalog, error) {
	if path == "" {
		logger.Warn("no stream catalog configured")
		return config.NewCatalog()
	}
	catalog, err := config.LoadCatalog(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load stream catalog: %w", err)
	}
	return catalog, nil
}

// inlineProcessor runs process tasks immediately in the calling goroutine.
// One-off CLI syncs use it so the staged batch is stored before exit.
type inlineProcessor struct {
	pool *worker.Pool
}

func (p *inlineProcessor) DispatchProcess(ctx context.Context, streamID uuid.UUID, batchKey string) error {
	task := worker.NewTask(worker.KindProcess, streamID)
	task.BatchKey = batchKey
	_, err := p.pool.Execute(ctx, task)
	return err
}
