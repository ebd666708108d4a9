package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/webedt/coding-worker/pkg/api"
	"github.com/webedt/coding-worker/pkg/config"
	"github.com/webedt/coding-worker/pkg/orchestrator"
)

var (
	verbose    bool
	configPath string
	listenAddr string
	version    string = "dev"
	commit     string = "unknown"
	date       string = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "coding-worker",
	Short: "Ephemeral AI coding session worker",
	Long: `An ephemeral worker that executes one AI coding session and exits.

The worker restores session state from object storage, prepares the
repository through the GitHub worker service, streams provider output over
Server-Sent Events, commits the result, and terminates. One container, one
job.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: XDG lookup)")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "addr", "", "HTTP bind address (overrides config)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

func run() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	logger.Info("worker configuration",
		"listen_addr", cfg.ListenAddr,
		"work_root", cfg.WorkRoot,
		"github_worker_url", cfg.GitHubWorkerURL,
		"session_api_url", cfg.SessionAPIURL)

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg, orch, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Routes(),
	}

	go func() {
		logger.Info("starting worker", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for a termination signal. A running job gets a bounded window to
	// finish; after that the process exits anyway.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	idle := server.State().RequestShutdown()
	if !idle {
		if !server.State().WaitForJob(cfg.ShutdownJobWait) {
			logger.Warn("active job did not finish in time, exiting")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("worker stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
