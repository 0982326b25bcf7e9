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

	"github.com/storyreel-labs/storyreel-go/internal/platform/auditlog"
	"github.com/storyreel-labs/storyreel-go/internal/platform/auth"
	"github.com/storyreel-labs/storyreel-go/internal/platform/env"
	"github.com/storyreel-labs/storyreel-go/internal/platform/httpserver"
	"github.com/storyreel-labs/storyreel-go/internal/platform/objectstore"
	"github.com/storyreel-labs/storyreel-go/internal/platform/postgres"
	pgrepo "github.com/storyreel-labs/storyreel-go/internal/repo/postgres"
	storage "github.com/storyreel-labs/storyreel-go/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("STORYREEL_LIBRARY_HTTP_ADDR", ":8081")
	shutdownTimeout, err := env.Duration("STORYREEL_LIBRARY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	uploadTTL, err := env.Duration("STORYREEL_UPLOAD_URL_TTL", 15*time.Minute)
	if err != nil {
		logger.Error("invalid upload url ttl", "error", err)
		os.Exit(2)
	}
	downloadTTL, err := env.Duration("STORYREEL_DOWNLOAD_URL_TTL", 15*time.Minute)
	if err != nil {
		logger.Error("invalid download url ttl", "error", err)
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

	projectStore := pgrepo.NewProjectStore(db)
	characterStore := pgrepo.NewCharacterStore(db)
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

	svc := newLibraryService(projectStore, characterStore, sourceTextStore, contentStore, db, logger)

	authorizer := auth.MethodRoleAuthorizer()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("library"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"library",
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

	api := newLibraryAPI(
		logger,
		svc,
		projectStore,
		characterStore,
		sourceTextStore,
		contentStore,
		uploadTTL,
		downloadTTL,
	)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: headersAuth,
		Authorize:     authorizer,
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "library", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "library",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "library", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
