package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"mcpoverride-go/internal/config"
	"mcpoverride-go/internal/logs"
	"mcpoverride-go/internal/server"
)

var version = "v0.1.0" // Injected by -ldflags during build

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpoverride",
		Short:   "Session-aware MCP proxy with tool overrides and a servable catalog",
		Version: version,
		RunE:    runServer,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file path")
	flags.StringP("listen", "l", "", "Listen address (default: 127.0.0.1:8080)")
	flags.StringP("upstream", "u", "", "Upstream MCP server URL")
	flags.String("protocol", "", "Upstream transport (auto, streamable-http, sse)")
	flags.StringP("data-dir", "d", "", "Data directory for call history (empty disables history)")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-to-file", false, "Enable logging to a rotating file")
	flags.String("log-dir", "", "Custom log directory path")
	flags.String("connect-timeout", "", "Upstream connect timeout (e.g. 30s)")
	flags.String("call-tool-timeout", "", "Upstream tool call timeout (e.g. 2m)")

	// Flags share keys with MCPO_* environment variables; flags win.
	for _, key := range []string{
		"config", "listen", "upstream", "protocol", "data-dir",
		"log-level", "log-to-file", "log-dir",
		"connect-timeout", "call-tool-timeout",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Logging == nil {
		cfg.Logging = config.DefaultLogConfig()
	}
	if viper.GetBool("log-to-file") {
		cfg.Logging.EnableFile = true
	}
	if logDir := viper.GetString("log-dir"); logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting mcpoverride",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("upstream", cfg.UpstreamURL),
		zap.String("protocol", cfg.Protocol),
		zap.String("log_level", cfg.Logging.Level))

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
