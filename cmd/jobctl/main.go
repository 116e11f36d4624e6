// Command jobctl is the process entry point: it loads configuration, builds
// the script registry, wires the job store, log sink, runner, and HTTP
// adapter, then serves until SIGINT/SIGTERM. The command tree itself follows
// jontk-slurm-client/cmd/slurm-cli's cobra shape (a root command carrying
// persistent flags plus an AddCommand-registered leaf), adapted from a
// multi-resource REST client CLI to a two-leaf operations CLI: run the
// server, or validate a config file without starting it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jsturma/jobctl/internal/httpapi"
	"github.com/jsturma/jobctl/internal/logsink"
	"github.com/jsturma/jobctl/internal/registry"
	"github.com/jsturma/jobctl/internal/runner"
	"github.com/jsturma/jobctl/internal/store"
	"github.com/jsturma/jobctl/pkg/config"
	"github.com/jsturma/jobctl/pkg/logger"
)

var (
	// Version is set at build time via -ldflags.
	Version = "dev"

	configPath string
	addr       string

	rootCmd = &cobra.Command{
		Use:     "jobctl",
		Short:   "Local HTTP control plane for running registered shell scripts as jobs",
		Long:    `jobctl exposes a small JSON API for submitting registered scripts as bounded-concurrency jobs, tracking their status, and streaming their captured logs.`,
		Version: Version,
		RunE:    runServe,
	}

	validateConfigCmd = &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a config file and its script registry without starting the server",
		RunE:  runValidateConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (overrides the default search path)")
	rootCmd.Flags().StringVar(&addr, "addr", "", "address to listen on (overrides server.address from config)")
	rootCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.LoadFile(configPath)
		return cfg, configPath, err
	}
	cfg, path, err := config.Load()
	return cfg, path, err
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	if configPath == "" {
		return errors.New("validate-config requires --config")
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return err
	}
	if _, err := registry.Load(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid script registry: %v\n", err)
		return err
	}
	fmt.Printf("%s: OK (%d scripts registered)\n", configPath, len(cfg.Scripts))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, source, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if addr != "" {
		cfg.Server.Address = addr
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	log := logger.NewWithConfig(logger.Config{Level: level, Mode: "server"})
	log.Info("loaded config", "source", source, "scripts", len(cfg.Scripts), "addr", cfg.Server.Address)

	reg, err := registry.Load(cfg)
	if err != nil {
		return fmt.Errorf("building registry: %w", err)
	}

	st, err := store.New(cfg.Runner.JobStoreFile, log.WithField("component", "store"))
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer st.Close()

	sink, err := logsink.New(cfg.Runner.LogsDir, cfg.Runner.MaxLogBytesPerStream, cfg.Runner.PreviewMaxBytes, log.WithField("component", "logsink"))
	if err != nil {
		return fmt.Errorf("opening log sink: %w", err)
	}

	r := runner.New(cfg, reg, st, sink, log.WithField("component", "runner"))
	handler := httpapi.New(r, log.WithField("component", "httpapi"))

	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: handler,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining in-flight requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		<-serveErr
		return nil
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}
