package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/scout/internal/api"
	"github.com/kalambet/scout/internal/config"
	"github.com/kalambet/scout/internal/discovery"
	"github.com/kalambet/scout/internal/embedding"
	"github.com/kalambet/scout/internal/matcher"
	"github.com/kalambet/scout/internal/storage"
	"github.com/kalambet/scout/internal/syncer"
	"github.com/kalambet/scout/internal/vectorizer"
	"github.com/kalambet/scout/internal/vectorstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scout server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "scout version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-bind: a healthy instance on our port means scout is
	// already running.
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		printWarning("scout is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check embedding provider readiness. The server still starts without it;
	// discovery and sync will report transient failures until it comes up.
	provider := embedding.NewOllama(cfg.Ollama.BaseURL, cfg.EmbedTimeout())
	if !provider.IsRunning(ctx) {
		printWarning("Ollama not reachable at %s; vectorization will fail until it is running", cfg.Ollama.BaseURL)
	}

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the discovery engine.
	vectors := vectorstore.NewSQLiteStore(store.DB())
	vec := vectorizer.New(provider, vectors, store, cfg.VectorizerConfig())
	match := matcher.New(provider, vectors, store, cfg.VectorizerConfig(), cfg.MatchWeights())
	sync := syncer.New(store, vectors, vec, cfg.Sync.Concurrency, func(p syncer.Progress) {
		slog.Debug("sync progress", "step", p.Step, "percent", p.Percent, "message", p.Message)
	})
	service := discovery.NewService(store, match, sync, vectors)

	// Build HTTP handler and server.
	appHandler := api.NewAppHandler(api.AppDeps{
		Service: service,
		Token:   cfg.Server.Token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{Service: service})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "scout listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
