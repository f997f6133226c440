package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skiffhq/skiff/internal/app/migrate"
	"github.com/skiffhq/skiff/internal/artifact"
	"github.com/skiffhq/skiff/internal/coordinator"
	"github.com/skiffhq/skiff/internal/dispatch"
	"github.com/skiffhq/skiff/internal/domain"
	"github.com/skiffhq/skiff/internal/fleet"
	"github.com/skiffhq/skiff/internal/gitsource"
	httpx "github.com/skiffhq/skiff/internal/http"
	"github.com/skiffhq/skiff/internal/ingest"
	"github.com/skiffhq/skiff/internal/repository/postgres"
	"github.com/skiffhq/skiff/internal/workflow"
	"github.com/skiffhq/skiff/internal/ws"
	"github.com/skiffhq/skiff/pkg/config"
	"github.com/skiffhq/skiff/pkg/logger"
	"github.com/skiffhq/skiff/pkg/token"
)

// launchProxy breaks the registry/workflow construction cycle: the registry
// needs a launcher before the workflow exists.
type launchProxy struct {
	wf *workflow.DeploymentWorkflow
}

func (l *launchProxy) Launch(d domain.Deployment) {
	l.wf.Launch(d)
}

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	tokens := token.NewService(cfg.TokenSecret, cfg.TokenTTL)

	store, err := artifact.NewStore(artifact.Config{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		UseTLS:          cfg.S3UseTLS,
		STSEndpoint:     cfg.STSEndpoint,
	})
	if err != nil {
		log.Error("failed to configure artifact store", "error", err)
		os.Exit(1)
	}

	dispatcher, err := dispatch.New(cfg.DispatchURL, cfg.DispatchToken, cfg.DispatchNamespace)
	if err != nil {
		log.Error("failed to configure dispatch client", "error", err)
		os.Exit(1)
	}

	var provisioner fleet.Provisioner
	switch cfg.FleetProvisioner {
	case "docker":
		docker, err := fleet.NewDockerProvisioner("", cfg.BuilderImage)
		if err != nil {
			log.Error("failed to configure docker provisioner", "error", err)
			os.Exit(1)
		}
		defer docker.Close()
		if err := docker.Ping(ctx); err != nil {
			log.Error("docker daemon unreachable", "error", err)
			os.Exit(1)
		}
		provisioner = docker
	default:
		client, err := fleet.NewClient(cfg.FleetURL, cfg.FleetToken, cfg.BuilderImage)
		if err != nil {
			log.Error("failed to configure fleet client", "error", err)
			os.Exit(1)
		}
		provisioner = client
	}

	engine := workflow.NewEngine(repo, log)
	metrics := coordinator.NewMetrics(prometheus.DefaultRegisterer)

	proxy := &launchProxy{}
	registry := coordinator.NewRegistry(repo, proxy, hub, log, cfg.MaxConcurrentBuilds, metrics)
	defer registry.Close()

	wf := workflow.NewDeploymentWorkflow(engine, registry, repo, tokens, store, dispatcher, provisioner, workflow.Config{
		PublicAPIURL:     cfg.PublicAPIURL,
		BuildWaitTimeout: cfg.BuildWaitTimeout,
		CredentialTTL:    cfg.TokenTTL,
	}, log)
	proxy.wf = wf

	ingestSvc := ingest.New(repo, repo, registry, cfg.SecretSealKey, log)
	git := gitsource.NewFetcher(cfg.GitHubAPIURL, gitsource.StaticTokenSource(cfg.GitHubToken))

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, registry, wf, ingestSvc, tokens, repo, git, hub, limiter, cfg.AdminToken, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
