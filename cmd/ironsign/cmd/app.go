package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jmcleod/ironsign/api"
	"github.com/jmcleod/ironsign/config"
	"github.com/jmcleod/ironsign/credentials"
	"github.com/jmcleod/ironsign/crl"
	"github.com/jmcleod/ironsign/docmdp"
	"github.com/jmcleod/ironsign/events"
	"github.com/jmcleod/ironsign/internal/telemetry"
	"github.com/jmcleod/ironsign/jobs"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/pki"
	"github.com/jmcleod/ironsign/progress"
	"github.com/jmcleod/ironsign/signer"
	"github.com/jmcleod/ironsign/storage"
	bboltstorage "github.com/jmcleod/ironsign/storage/bbolt"
	"github.com/jmcleod/ironsign/storage/blob"
	"github.com/jmcleod/ironsign/storage/gormdb"
	"github.com/jmcleod/ironsign/storage/memory"
	"github.com/jmcleod/ironsign/storage/postgres"
	"github.com/jmcleod/ironsign/store"
	"github.com/jmcleod/ironsign/workflow"
)

// app is the fully wired signing engine shared by the subcommands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	content  blob.Store
	engine   pki.Engine
	crl      *crl.Service
	progress *progress.Service
	creds    *credentials.Cache
	bus      *events.Bus
	queue    *jobs.Queue
	workflow *workflow.Service
	cleanup  *jobs.Cleanup
	api      *api.API

	closers []func() error
}

// openRepository opens the configured storage backend.
func openRepository(ctx context.Context, cfg *config.Config) (storage.Repository, func() error, error) {
	switch cfg.StorageDriver {
	case config.DriverMemory:
		return memory.NewRepository(), func() error { return nil }, nil
	case config.DriverBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "ironsign.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, repo.Close, nil
	case config.DriverPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return repo, func() error { repo.Close(); return nil }, nil
	case config.DriverSQLite, config.DriverMySQL:
		repo, err := gormdb.Open(cfg.StorageDriver, cfg.DSN, gormdb.Options{Tracing: cfg.OtelEnabled})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s storage: %w", cfg.StorageDriver, err)
		}
		return repo, repo.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalid, cfg.StorageDriver)
}

// openContent opens the document store: S3 when a bucket is configured,
// the local content directory otherwise.
func openContent(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.S3Bucket != "" {
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		})
	}
	return blob.NewFileStore(cfg.ContentPath())
}

func engineConfig(cfg *config.Config) pki.EngineConfig {
	return pki.EngineConfig{
		ConfigRoot:   cfg.ConfigRoot(),
		InstanceID:   cfg.InstanceID,
		Generation:   cfg.Generation,
		RootPassword: cfg.RootPassword,
		CRLBaseURL:   cfg.CRLBaseURL,
		CFSSLURL:     cfg.CFSSLURL,
	}
}

// engineResolver serves CRLs of the current and earlier CA generations of
// this instance.
func engineResolver(cfg *config.Config, current pki.Engine) crl.EngineResolver {
	return func(instanceID string, generation int, engine model.CertificateEngineType) (pki.Engine, error) {
		if instanceID != cfg.InstanceID {
			return nil, fmt.Errorf("%w: instance %q", pki.ErrEngineNotFound, instanceID)
		}
		if generation == cfg.Generation && engine == current.Type() {
			return current, nil
		}
		ec := engineConfig(cfg)
		ec.Generation = generation
		return pki.NewEngine(string(engine), ec)
	}
}

// newApp wires every component. The returned app must be closed.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	a.progress = progress.NewService(cfg.ErrorTTL)
	a.logger = telemetry.SetupLogger(os.Stdout, cfg.Level(), a.progress)

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeRepo)
	a.store = store.New(repo, cfg.InstanceID)

	if a.content, err = openContent(ctx, cfg); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}

	if a.engine, err = pki.NewEngine(cfg.Engine, engineConfig(cfg)); err != nil {
		a.close()
		return nil, err
	}
	a.crl = crl.NewService(a.store, engineResolver(cfg, a.engine), crl.WithLogger(a.logger))
	issuer := pki.NewIssuer(a.engine, engineConfig(cfg), a.crl)

	a.bus = events.NewBus(a.logger)
	a.bus.Subscribe("crl", a.crl.RevokeEphemeralOnSigned, events.Critical())
	if cfg.WebhookURL != "" {
		a.bus.Subscribe("webhook", events.NewWebhook(cfg.WebhookURL, cfg.WebhookAuthHeader).Handle)
	}

	a.queue = jobs.NewQueue(jobs.QueueConfig{
		Workers:     cfg.Workers,
		Size:        cfg.QueueSize,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      a.logger,
	})
	defaultLevel := cfg.DefaultDocMdpLevel
	validator := docmdp.NewValidator(a.store, a.content, func() model.DocMdpLevel { return defaultLevel }, a.logger)
	a.workflow = workflow.NewService(workflow.Config{
		Store:     a.store,
		Validator: validator,
		Queue:     a.queue,
		Bus:       a.bus,
		Logger:    a.logger,
	})
	a.creds = credentials.NewCache(cfg.CredentialsTTL)

	monitor := jobs.NewFailureMonitor(0, 0, func(evt jobs.AlertEvent) {
		a.logger.Warn("alert", "type", string(evt.Type), "message", evt.Message, "count", evt.Count, "threshold", evt.Threshold)
	})
	coord := jobs.NewCoordinator(jobs.CoordinatorConfig{
		Store:       a.store,
		Workflow:    a.workflow,
		Issuer:      issuer,
		Revocations: a.crl,
		Revoker:     a.crl,
		Credentials: a.creds,
		Content:     a.content,
		Signer: signer.New(signer.Options{TSA: signer.TSA{
			URL:      cfg.TSAURL,
			Username: cfg.TSAUsername,
			Password: cfg.TSAPassword,
		}}),
		Progress:    a.progress,
		Bus:         a.bus,
		Monitor:     monitor,
		Logger:      a.logger,
		SignTimeout: cfg.SignTimeout,
	})
	a.queue.Register(workflow.JobSignSingleFile, coord.Handler())
	a.queue.Register(jobs.JobUserDeleted, jobs.NewUserDeleted(a.store, a.crl, a.logger).Run)
	a.cleanup = jobs.NewCleanup(a.store, cfg.StaleTimeout, a.logger)

	a.api = api.New(api.Config{
		Workflow:       a.workflow,
		Store:          a.store,
		CRL:            a.crl,
		Validator:      validator,
		Progress:       a.progress,
		Credentials:    a.creds,
		Content:        a.content,
		Queue:          a.queue,
		RequestLimit:   cfg.RequestLimit,
		TrustedProxies: cfg.TrustedProxies,
	}, api.WithLogger(a.logger))
	return a, nil
}

// close drains the queue and the event bus, then releases storage.
func (a *app) close() error {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
