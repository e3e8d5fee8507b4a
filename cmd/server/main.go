// Command server starts the GPU grading queue dispatcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/gradelab/gpuqueue/internal/adapter/httpserver"
	"github.com/gradelab/gpuqueue/internal/adapter/observability"
	"github.com/gradelab/gpuqueue/internal/adapter/repo/sqlite"
	"github.com/gradelab/gpuqueue/internal/adapter/transport/sshx"
	"github.com/gradelab/gpuqueue/internal/app"
	"github.com/gradelab/gpuqueue/internal/config"
	"github.com/gradelab/gpuqueue/internal/domain"
	"github.com/gradelab/gpuqueue/internal/scanner"
	"github.com/gradelab/gpuqueue/internal/usecase"
	"github.com/gradelab/gpuqueue/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP, admission and worker instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	if len(cfg.NodeAddresses) == 0 {
		slog.Error("NODE_ADDRESSES must list one address per node")
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.JobsDir, 0o750); err != nil {
		slog.Error("jobs dir create failed", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("store open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	if err := store.Nodes().EnsureNodes(ctx, cfg.NodeAddresses); err != nil {
		slog.Error("node bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.DataRetentionDays > 0 {
		cleanupSvc := sqlite.NewCleanupService(store.Jobs(), cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	var scan domain.Scanner = scanner.Noop{}
	switch {
	case !cfg.ScannerEnabled:
	case cfg.ScannerQuick || cfg.ScannerAPIKey == "":
		scan = scanner.NewStatic()
		slog.Info("scanner enabled", slog.String("mode", "static"))
	default:
		scan = scanner.NewDeep(cfg.ScannerBaseURL, cfg.ScannerAPIKey, cfg.ScannerModel, logger)
		slog.Info("scanner enabled", slog.String("mode", "deep"), slog.String("model", cfg.ScannerModel))
	}

	authSvc := usecase.NewAuthService(store.Credentials(), cfg.CredentialMaxValidity())
	submitSvc := usecase.SubmitService{
		Jobs:      store.Jobs(),
		Scanner:   scan,
		Rate:      usecase.NewRateWindow(cfg.SubmitRatePerMinute, time.Minute),
		JobsDir:   cfg.JobsDir,
		MaxActive: cfg.MaxActiveJobsPerPrincipal,
		WaitMax:   cfg.WaitMax(),
		Log:       logger,
	}
	jobSvc := usecase.JobService{Jobs: store.Jobs(), Nodes: store.Nodes()}
	dashSvc := usecase.DashboardService{Jobs: store.Jobs(), Nodes: store.Nodes()}

	// One worker per node; each owns its two-hop SSH client.
	newTransport := func(node int, address string) domain.Transport {
		return sshx.New(sshx.Config{
			Node:              node,
			NodeAddress:       address,
			BastionAddress:    cfg.BastionAddress,
			BastionUser:       cfg.BastionUser,
			BastionSecondary:  cfg.BastionSecondary,
			BastionKeyPath:    cfg.BastionKeyPath,
			AllowDirect:       cfg.SSHAllowDirect,
			RemoteUser:        cfg.RemoteUser,
			RemotePassword:    cfg.RemotePassword,
			Timeout:           cfg.SSHTimeout,
			KeepAliveInterval: cfg.SSHKeepAliveInterval,
			RetryAttempts:     cfg.SSHRetryAttempts,
		}, logger)
	}
	pool := worker.NewPool(worker.Options{
		RemoteWorkDir:       cfg.RemoteWorkDir,
		GraderCommand:       cfg.GraderCommand,
		PollInterval:        cfg.SupervisePollInterval,
		IdleSleep:           cfg.WorkerIdleSleep,
		WallClockMultiplier: cfg.WallClockMultiplier,
		RetrieveMaxAttempts: cfg.RetrieveMaxAttempts,
		RestartWorkspace:    cfg.RestartRemoteWorkspace,
		ContainerPrefix:     cfg.WorkspaceContainerPrefix,
		WorkspaceRestart:    cfg.WorkspaceRestartWait,
		JobsDir:             cfg.JobsDir,
	}, cfg.NodeAddresses, store.Jobs(), store.Nodes(), newTransport, observability.WorkerMetrics{}, logger)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	go pool.Run(workerCtx)

	srv := httpserver.NewServer(cfg, authSvc, submitSvc, jobSvc, dashSvc, store.Ping)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.Int("nodes", len(cfg.NodeAddresses)))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Workers stop after the HTTP surface so in-flight submits settle first;
	// running remote jobs keep their pids and are reconciled on next start.
	stopWorkers()
}
