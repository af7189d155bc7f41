package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/railyard-labs/railyard-go/internal/branching"
	"github.com/railyard-labs/railyard-go/internal/config"
	"github.com/railyard-labs/railyard-go/internal/domain"
	"github.com/railyard-labs/railyard-go/internal/platform/auditlog"
	"github.com/railyard-labs/railyard-go/internal/platform/auth"
	"github.com/railyard-labs/railyard-go/internal/platform/env"
	"github.com/railyard-labs/railyard-go/internal/platform/httpserver"
	"github.com/railyard-labs/railyard-go/internal/platform/lock"
	"github.com/railyard-labs/railyard-go/internal/platform/objectstore"
	"github.com/railyard-labs/railyard-go/internal/platform/postgres"
	"github.com/railyard-labs/railyard-go/internal/provider"
	"github.com/railyard-labs/railyard-go/internal/provider/loopback"
	repopg "github.com/railyard-labs/railyard-go/internal/repo/postgres"
	"github.com/railyard-labs/railyard-go/internal/rollout"
	"github.com/railyard-labs/railyard-go/internal/service/builds"
	"github.com/railyard-labs/railyard-go/internal/service/releases"
	"github.com/railyard-labs/railyard-go/internal/service/submissions"
	sig "github.com/railyard-labs/railyard-go/internal/signal"
	"github.com/railyard-labs/railyard-go/internal/task"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("RAILYARD_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("RAILYARD_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	artifactStore, err := objectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := authCfg.NewAuthenticator()
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	webhookSecret := env.String("RAILYARD_SIGNAL_WEBHOOK_SECRET", "")
	if webhookSecret == "" {
		logger.Error("missing signal webhook secret", "env", "RAILYARD_SIGNAL_WEBHOOK_SECRET")
		os.Exit(2)
	}

	trainsPath := env.String("RAILYARD_TRAINS_CONFIG", "trains.yaml")
	trains, err := config.Load(trainsPath)
	if err != nil {
		logger.Error("invalid trains config", "path", trainsPath, "error", err)
		os.Exit(2)
	}
	if len(trains) == 0 {
		logger.Error("no trains configured", "path", trainsPath)
		os.Exit(2)
	}

	ciKind := env.String("RAILYARD_CI_PROVIDER", "loopback")
	vcsKind := env.String("RAILYARD_VCS_PROVIDER", "loopback")

	syncInterval, err := env.Duration("RAILYARD_SYNC_INTERVAL", 15*time.Second)
	if err != nil {
		logger.Error("invalid sync interval", "error", err)
		os.Exit(2)
	}
	syncEnabled, err := env.Bool("RAILYARD_SYNC_ENABLED", true)
	if err != nil {
		logger.Error("invalid sync enabled flag", "error", err)
		os.Exit(2)
	}

	releaseStore := repopg.NewReleaseStore(db)
	runStore := repopg.NewPlatformRunStore(db)
	buildStore := repopg.NewBuildStore(db)
	submissionStore := repopg.NewSubmissionStore(db)
	rolloutStore := repopg.NewRolloutStore(db)
	stampStore := repopg.NewStampStore(db)

	locker := lock.NewAdvisoryLocker(db)
	runner := task.NewInMemRunner(logger)
	dispatcher := sig.NewDispatcher(logger)

	set := newBundleSet(releaseStore, runStore, buildStore, submissionStore, rolloutStore)
	for _, train := range trains {
		bundle, err := buildBundle(train, ciKind, vcsKind, artifactStore, storeCfg.BucketArtifacts,
			releaseStore, runStore, buildStore, submissionStore, rolloutStore, stampStore,
			locker, runner, dispatcher, logger)
		if err != nil {
			logger.Error("train wiring failed", "train_id", train.ID, "error", err)
			os.Exit(2)
		}
		if err := set.add(bundle); err != nil {
			logger.Error("train wiring failed", "train_id", train.ID, "error", err)
			os.Exit(2)
		}
	}

	registerTasks(runner, set)
	if err := registerSignals(dispatcher, set, logger); err != nil {
		logger.Error("signal wiring failed", "error", err)
		os.Exit(2)
	}

	startStoreSyncer(ctx, logger, set, runner, storeSyncerConfig{
		Enabled:  syncEnabled,
		Interval: syncInterval,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("orchestrator"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"orchestrator",
			httpserver.ReadinessCheck{
				Name:  "postgres",
				Check: httpserver.WithTimeout(750*time.Millisecond, db.PingContext),
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: httpserver.WithTimeout(750*time.Millisecond, func(checkCtx context.Context) error {
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				}),
			},
		),
	)

	api := newOrchestratorAPI(logger, db, set, stampStore, dispatcher, webhookSecret)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(auditCtx context.Context, event auth.DenyEvent) error {
			auditCtx, auditCancel := context.WithTimeout(auditCtx, 750*time.Millisecond)
			defer auditCancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "orchestrator", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz", "/signals/"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "orchestrator",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	err = httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "orchestrator", handler))
	runner.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// buildBundle assembles the service graph for one train: its provider
// set, branching strategy, and the build, submission, release and
// rollout services sharing the common repositories.
func buildBundle(
	train domain.ReleaseTrain,
	ciKind, vcsKind string,
	artifactStore objectstore.Store,
	artifactBucket string,
	releaseStore *repopg.ReleaseStore,
	runStore *repopg.PlatformRunStore,
	buildStore *repopg.BuildStore,
	submissionStore *repopg.SubmissionStore,
	rolloutStore *repopg.RolloutStore,
	stampStore *repopg.StampStore,
	locker *lock.AdvisoryLocker,
	runner *task.InMemRunner,
	dispatcher *sig.Dispatcher,
	logger *slog.Logger,
) (*trainBundle, error) {
	registry := provider.NewRegistry()
	loopback.Register(registry, train.WorkingBranch)

	storeKinds := make([]domain.StoreKind, 0, len(train.Platforms))
	for _, platform := range train.Platforms {
		storeKinds = append(storeKinds, platform.Store)
	}
	providers, err := registry.Build(ciKind, vcsKind, storeKinds)
	if err != nil {
		return nil, err
	}

	strategy, err := branching.ForTrain(train, providers.Vcs)
	if err != nil {
		return nil, err
	}

	buildSvc, err := builds.NewService(train.ID, buildStore, runStore, releaseStore,
		stampStore, providers.Ci, artifactStore, artifactBucket, runner, dispatcher, logger)
	if err != nil {
		return nil, err
	}
	submissionSvc, err := submissions.NewService(train, submissionStore, runStore,
		buildStore, rolloutStore, stampStore, providers, runner, dispatcher, logger)
	if err != nil {
		return nil, err
	}
	engine, err := rollout.NewEngine(train.ID, train.App, rolloutStore, runStore,
		submissionStore, buildStore, stampStore, providers, locker, dispatcher, logger)
	if err != nil {
		return nil, err
	}
	releaseSvc, err := releases.NewService(train, releaseStore, runStore, buildStore,
		stampStore, strategy, buildSvc, runner, logger)
	if err != nil {
		return nil, err
	}

	return &trainBundle{
		train:       train,
		releases:    releaseSvc,
		builds:      buildSvc,
		submissions: submissionSvc,
		engine:      engine,
	}, nil
}
