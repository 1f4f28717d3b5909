package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"golang.org/x/sync/errgroup"

	server "github.com/fixzit/claimd/internal"
	"github.com/fixzit/claimd/internal/backlog"
	backlogrepo "github.com/fixzit/claimd/internal/backlog/repositoryimpl"
	"github.com/fixzit/claimd/internal/claim"
	"github.com/fixzit/claimd/internal/config"
	"github.com/fixzit/claimd/internal/dedup"
	"github.com/fixzit/claimd/internal/event"
	"github.com/fixzit/claimd/internal/eventbus"
	"github.com/fixzit/claimd/internal/handoff"
	"github.com/fixzit/claimd/internal/lease"
	"github.com/fixzit/claimd/internal/overlap"
	"github.com/fixzit/claimd/internal/scope"
	"github.com/fixzit/claimd/pkg/clog"
	"github.com/fixzit/claimd/pkg/storage"
)

var (
	app = kingpin.New("claimd", "Task coordination and claim server")

	runCmd      = app.Command("run", "Run the claimd server")
	sentinelCmd = app.Command("sentinel", "Run claimd under the sentinel supervisor")
)

func main() {
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case runCmd.FullCommand():
		run()
	case sentinelCmd.FullCommand():
		runSentinel()
	}
}

func run() {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(context.Background(), env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			os.Exit(1)
		}
	case "memory":
		store = storage.NewMemoryStorage()
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			os.Exit(1)
		}
	}

	// Setup event bus and repository. Transient storage failures retry with
	// backoff inside the repository before they reach any engine.
	bus := eventbus.New()
	taskRepo := backlogrepo.NewRetryRepository(backlogrepo.NewYAMLRepository(store))

	routes, err := scope.LoadRoutingTable(env.PolicyEnv.RoutingTablePath)
	if err != nil {
		slog.Error("failed to load routing table", "error", err)
		os.Exit(1)
	}

	// Setup domain engines
	policy := claim.Policy{
		DefaultLease:       env.PolicyEnv.DefaultLease,
		MaxLease:           env.PolicyEnv.MaxLease,
		MaxClaimsPerOwner:  env.PolicyEnv.MaxClaimsPerOwner,
		ClaimAttempts:      env.PolicyEnv.ClaimAttempts,
		OverlapWarnOnly:    env.PolicyEnv.OverlapWarnOnly,
		StalenessThreshold: env.PolicyEnv.StalenessThreshold,
	}
	detector := overlap.NewDetector(taskRepo)
	creator := dedup.NewEngine(taskRepo, bus)
	manager := claim.NewManager(taskRepo, detector, bus, policy)
	scopeEngine := scope.NewEngine(taskRepo, detector, creator, routes, bus)
	coordinator := handoff.NewCoordinator(taskRepo, bus)
	monitor := lease.NewMonitor(taskRepo, bus, env.PolicyEnv.MonitorInterval)

	srv := server.NewServer(
		env,
		backlog.NewServer(taskRepo),
		dedup.NewServer(creator),
		claim.NewServer(manager),
		scope.NewServer(scopeEngine),
		handoff.NewServer(coordinator),
		event.NewServer(bus),
	)

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(gctx); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		// Give active connections time to finish after stream contexts
		// are cancelled.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
