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

	"github.com/storyreel-labs/storyreel-go/internal/capability"
	"github.com/storyreel-labs/storyreel-go/internal/checkpoint"
	"github.com/storyreel-labs/storyreel-go/internal/config"
	"github.com/storyreel-labs/storyreel-go/internal/domain"
	"github.com/storyreel-labs/storyreel-go/internal/generate"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/compile"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/engine"
	"github.com/storyreel-labs/storyreel-go/internal/pipeline/status"
	"github.com/storyreel-labs/storyreel-go/internal/platform/auditlog"
	"github.com/storyreel-labs/storyreel-go/internal/platform/auth"
	"github.com/storyreel-labs/storyreel-go/internal/platform/env"
	"github.com/storyreel-labs/storyreel-go/internal/platform/httpserver"
	"github.com/storyreel-labs/storyreel-go/internal/platform/objectstore"
	"github.com/storyreel-labs/storyreel-go/internal/platform/postgres"
	"github.com/storyreel-labs/storyreel-go/internal/platform/runevent"
	pgrepo "github.com/storyreel-labs/storyreel-go/internal/repo/postgres"
	storage "github.com/storyreel-labs/storyreel-go/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("STORYREEL_STUDIO_HTTP_ADDR", ":8082")
	shutdownTimeout, err := env.Duration("STORYREEL_STUDIO_SHUTDOWN_TIMEOUT", 10*time.Second)
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

	internalAuthSecret := env.String("STORYREEL_INTERNAL_AUTH_SECRET", "")
	headersAuth, err := auth.NewHeadersAuthenticator(internalAuthSecret)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}

	catalog, err := config.LoadCatalog()
	if err != nil {
		logger.Error("invalid stage catalog", "error", err)
		os.Exit(2)
	}
	if _, err := compile.Compile(catalog, nil); err != nil {
		logger.Error("stage catalog does not compile", "error", err)
		os.Exit(2)
	}

	capabilityTimeout, err := env.Duration("STORYREEL_CAPABILITY_TIMEOUT", 60*time.Second)
	if err != nil {
		logger.Error("invalid capability timeout", "error", err)
		os.Exit(2)
	}
	endpoints := map[domain.CapabilityKind]string{
		domain.CapabilityTextUnderstanding: env.String("STORYREEL_CAPABILITY_TEXT_UNDERSTANDING_URL", "http://localhost:9101"),
		domain.CapabilitySegmentation:      env.String("STORYREEL_CAPABILITY_SEGMENTATION_URL", "http://localhost:9102"),
		domain.CapabilityScriptGeneration:  env.String("STORYREEL_CAPABILITY_SCRIPT_GENERATION_URL", "http://localhost:9103"),
		domain.CapabilityImageSynthesis:    env.String("STORYREEL_CAPABILITY_IMAGE_SYNTHESIS_URL", "http://localhost:9104"),
	}
	invoker, err := capability.NewHTTPInvoker(endpoints, nil, capabilityTimeout)
	if err != nil {
		logger.Error("invalid capability endpoints", "error", err)
		os.Exit(2)
	}

	maxCandidates, err := env.Int("STORYREEL_MAX_CANDIDATES", domain.DefaultMaxCandidates)
	if err != nil {
		logger.Error("invalid max candidates", "error", err)
		os.Exit(2)
	}
	retention, err := env.Duration("STORYREEL_RUN_RETENTION", 24*time.Hour)
	if err != nil {
		logger.Error("invalid run retention", "error", err)
		os.Exit(2)
	}
	sweepInterval, err := env.Duration("STORYREEL_RUN_SWEEP_INTERVAL", 10*time.Minute)
	if err != nil {
		logger.Error("invalid run sweep interval", "error", err)
		os.Exit(2)
	}

	runStore := pgrepo.NewRunStore(db)
	stepStore := pgrepo.NewStepStore(db)
	segmentStore := pgrepo.NewSegmentStore(db)
	checkpointStore := pgrepo.NewCheckpointStore(db)
	sourceTextStore := pgrepo.NewSourceTextStore(db)

	blobStore, err := storage.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store wrapper init failed", "error", err)
		os.Exit(2)
	}
	contentStore, err := storage.NewContentStore(blobStore, storeCfg.BucketSources)
	if err != nil {
		logger.Error("content store init failed", "error", err)
		os.Exit(2)
	}

	events := runevent.NewRecorder(db)
	executor := newCapabilityExecutor(invoker, sourceTextStore, segmentStore, contentStore, logger)
	eng := engine.New(ctx, runStore, stepStore, executor, events, logger)

	// Candidate calls retry transient failures themselves; stage attempts
	// are retried by the engine, so only the runner gets the wrapper.
	generationRetry := domain.RetryPolicy{
		MaxAttempts: 3,
		Backoff: domain.Backoff{
			Type:           "exponential",
			InitialSeconds: 1,
			MaxSeconds:     10,
			Multiplier:     2,
		},
	}
	runner := generate.NewRunner(capability.Retrying(invoker, generationRetry), maxCandidates, logger)
	manager := checkpoint.NewManager(eng, runStore, segmentStore, checkpointStore, runner, events, logger)
	reporter := status.NewReporter(runStore, logger)

	recovered, err := manager.RecoverAll(ctx)
	if err != nil {
		logger.Error("boot recovery failed", "error", err)
		os.Exit(1)
	}
	if recovered > 0 {
		logger.Info("recovered interrupted runs", "count", recovered)
	}

	authorizer := auth.MethodRoleAuthorizer()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("studio"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"studio",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	api := newStudioAPI(
		logger,
		db,
		catalog,
		eng,
		reporter,
		manager,
		runner,
		runStore,
		sourceTextStore,
		contentStore,
	)
	api.register(mux)

	go reporter.SweepLoop(ctx, sweepInterval, retention)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: headersAuth,
		Authorize:     authorizer,
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "studio", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "studio",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "studio", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
