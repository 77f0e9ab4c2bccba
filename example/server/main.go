// Command server serves the demo capability set over stdio or SSE, depending on MCP_TRANSPORT.
// It shuts down gracefully on SIGINT or SIGTERM and, in stdio mode, when stdin is closed.
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

	"github.com/TangGee/mcp-session"
	"github.com/TangGee/mcp-session/internal/config"
	"github.com/TangGee/mcp-session/servers/demo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}

	// stdout carries protocol messages in stdio mode, so logs always go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := demo.New(
		demo.WithLogger(logger),
		demo.WithLiveDataInterval(cfg.LiveDataInterval),
		demo.WithWatchDir(cfg.WatchDir),
	)
	reg, err := d.Registry()
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}

	var (
		transport mcp.ServerTransport
		httpSrv   *http.Server
	)
	switch cfg.Transport {
	case config.TransportSSE:
		sse := mcp.NewSSEServer(cfg.MessageURL(), mcp.WithSSEServerLogger(logger))
		mux := http.NewServeMux()
		mux.Handle("/sse", sse.HandleSSE())
		mux.Handle("/message", sse.HandleMessage())
		httpSrv = &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}
		transport = sse
	default:
		transport = mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(logger))
	}

	srv := mcp.NewServer(mcp.Info{Name: "demo-server", Version: "1.0.0"}, transport, reg,
		mcp.WithInstructions("这是一个MCP服务器示例，提供工具、提示和资源。"),
		mcp.WithServerLogger(logger),
		mcp.WithServerPingInterval(cfg.PingInterval),
		mcp.WithServerSendTimeout(cfg.SendTimeout),
		mcp.WithHooks(mcp.Hooks{
			OnInitialized: func(sessionID string, client mcp.Info) {
				logger.Info("client ready", slog.String("sessionID", sessionID), slog.String("client", client.Name))
			},
			OnClose: func(sessionID string) {
				logger.Info("client gone", slog.String("sessionID", sessionID))
			},
			OnError: func(sessionID string, err error) {
				logger.Error("session error", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
			},
		}),
	)

	demoCtx, cancelDemo := context.WithCancel(ctx)
	defer cancelDemo()
	demoDone := make(chan struct{})
	go func() {
		defer close(demoDone)
		if err := d.Run(demoCtx, srv); err != nil {
			logger.Error("demo background tasks failed", slog.String("err", err.Error()))
		}
	}()

	if httpSrv != nil {
		go func() {
			logger.Info("listening", slog.String("addr", httpSrv.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server failed", slog.String("err", err.Error()))
				stop()
			}
		}()
	}

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-served:
		logger.Info("transport closed, shutting down")
	}

	cancelDemo()
	<-demoDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	// Sessions end first, so open SSE streams are released before the HTTP server waits for them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
	}

	select {
	case <-served:
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("failed to wait for server: %w", shutdownCtx.Err()))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("server exited gracefully")
	return nil
}
