// Package main is the entry point for shellbrokerd: the per-workspace
// command-execution broker daemon. It wires configuration, logging,
// tracing, the output store, the publisher fabric, the execution engine,
// the supervisor registry, the tool dispatcher, and the Unix socket
// daemon server, then waits for a shutdown signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mako10k/shell-server-sub000/internal/broker/daemon"
	"github.com/mako10k/shell-server-sub000/internal/broker/engine"
	"github.com/mako10k/shell-server-sub000/internal/broker/filesub"
	"github.com/mako10k/shell-server-sub000/internal/broker/pubsub"
	"github.com/mako10k/shell-server-sub000/internal/broker/ring"
	"github.com/mako10k/shell-server-sub000/internal/broker/store"
	"github.com/mako10k/shell-server-sub000/internal/broker/supervisor"
	"github.com/mako10k/shell-server-sub000/internal/broker/tool"
	"github.com/mako10k/shell-server-sub000/internal/broker/tracing"
	"github.com/mako10k/shell-server-sub000/internal/broker/workspace"
	"github.com/mako10k/shell-server-sub000/internal/common/config"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"go.uber.org/zap"
)

const (
	ringBufferSize          = 64 * 1024
	ringMaxBuffersPerExec   = 4096
	ringRetentionSeconds    = 300
	ringSweepInterval       = 30 * time.Second
	shutdownGrace           = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting shellbrokerd",
		zap.Int("max_concurrent_processes", cfg.Engine.MaxConcurrentProcesses),
		zap.Bool("daemon_enabled", cfg.Daemon.Enabled),
		zap.Bool("tracing_enabled", cfg.Tracing.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing.Enabled, cfg.Tracing.OTLPEndpoint)
	if err != nil {
		log.Error("tracing setup failed, continuing without export", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	st, err := store.Open(cfg.Output.Root, log)
	if err != nil {
		log.Fatal("failed to open output store", zap.Error(err))
	}
	defer st.Close()

	pub := pubsub.NewPublisher(log)
	fileSub := filesub.New(st, log)
	ringSub := ring.New(ringBufferSize, ringMaxBuffersPerExec, ringRetentionSeconds)
	pub.RegisterGlobal("filesub", fileSub)
	pub.RegisterGlobal("ring", ringSub)

	sweepStop := make(chan struct{})
	ringSub.StartSweeper(ringSweepInterval, sweepStop)
	defer close(sweepStop)

	sup := supervisor.New(cfg.Engine.MaxConcurrentProcesses, log)

	eng := engine.New(engine.Config{
		MaxConcurrentProcesses:    cfg.Engine.MaxConcurrentProcesses,
		DefaultWorkingDirectory:   cfg.Engine.DefaultWorkingDirectory,
		AllowedWorkingDirectories: cfg.Engine.AllowedWorkingDirectories,
	}, log, engine.Deps{
		Publisher:            pub,
		Store:                st,
		Registry:             sup,
		Ring:                 ringSub,
		OutputIDByExec:       fileSub.OutputIDFor,
		PersistPartialOutput: fileSub.PersistPartial,
		BaseContext:          ctx,
	})

	dispatcher := tool.New(eng, st, sup, log)

	var mcpHTTP *tool.HTTPServer
	if cfg.MCP.Enabled {
		mcpServer := tool.NewMCPServer(dispatcher, log)
		mcpHTTP = tool.NewHTTPServer(mcpServer, cfg.MCP.Port, log)
		if err := mcpHTTP.Start(ctx); err != nil {
			log.Error("failed to start mcp http server", zap.Error(err))
			mcpHTTP = nil
		}
	}

	var daemonServer *daemon.Server
	if cfg.Daemon.Enabled {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatal("failed to resolve working directory", zap.Error(err))
		}
		socketPath, err := workspace.SocketPath(cfg.Daemon.RuntimeRoot, cwd, cfg.Daemon.Branch)
		if err != nil {
			log.Fatal("failed to derive daemon socket path", zap.Error(err))
		}

		daemonServer = daemon.New(daemon.Config{
			SocketPath: socketPath,
			Cwd:        cwd,
			Branch:     cfg.Daemon.Branch,
			Dispatcher: dispatcher,
			OnStop: func(ctx context.Context) error {
				return sup.Cleanup(ctx)
			},
		}, log)

		if err := daemonServer.Start(ctx); err != nil {
			log.Fatal("failed to start daemon socket server", zap.Error(err))
		}
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if daemonServer != nil {
		daemonServer.Shutdown()
	}
	if mcpHTTP != nil {
		if err := mcpHTTP.Stop(shutdownCtx); err != nil {
			log.Warn("mcp http shutdown error", zap.Error(err))
		}
	}
	if err := sup.Cleanup(shutdownCtx); err != nil {
		log.Warn("supervisor cleanup error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", zap.Error(err))
	}

	log.Info("shellbrokerd stopped")
}
