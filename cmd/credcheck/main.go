// Package main is the entry point for the credcheck binary. It provides a
// CLI for validating TLS credential material, dry-running composition, and
// maintaining the process-wide default root bundle from a watched file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/polisai/channelcreds/pkg/callcreds"
	"github.com/polisai/channelcreds/pkg/credentials"
	"github.com/polisai/channelcreds/pkg/credentials/grpccreds"
	"github.com/polisai/channelcreds/pkg/credentials/tlsprovider"
)

const defaultLogLevel = "info"

// FileConfig holds the optional YAML configuration
type FileConfig struct {
	RootsFile string `yaml:"roots_file"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
	LogLevel  string `yaml:"log_level"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for credcheck
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "credcheck",
		Short: "TLS channel credential tooling",
		Long: `Validate TLS credential material, dry-run channel/call credential
composition, and maintain the process-wide default root bundle from a
watched file.

Example:
  credcheck validate --roots ca.pem --cert client.pem --key client.key`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newComposeCmd())
	rootCmd.AddCommand(newWatchRootsCmd())

	return rootCmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Construct channel credentials from PEM files and report",
		RunE:  runValidate,
	}

	cmd.Flags().String("roots", "", "PEM file with root certificates (default: process-wide roots or system pool)")
	cmd.Flags().String("cert", "", "PEM file with the client certificate chain")
	cmd.Flags().String("key", "", "PEM file with the client private key")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	logger, cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	rootsFile, _ := cmd.Flags().GetString("roots")
	certFile, _ := cmd.Flags().GetString("cert")
	keyFile, _ := cmd.Flags().GetString("key")
	if rootsFile == "" {
		rootsFile = cfg.RootsFile
	}
	if certFile == "" {
		certFile = cfg.CertFile
	}
	if keyFile == "" {
		keyFile = cfg.KeyFile
	}

	credCfg := credentials.Config{}
	if rootsFile != "" {
		pem, err := os.ReadFile(rootsFile)
		if err != nil {
			return fmt.Errorf("failed to read roots file: %w", err)
		}
		credCfg.PEMRootCerts = pem
	}
	if certFile != "" {
		pem, err := os.ReadFile(certFile)
		if err != nil {
			return fmt.Errorf("failed to read cert file: %w", err)
		}
		credCfg.PEMCertChain = pem
	}
	if keyFile != "" {
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("failed to read key file: %w", err)
		}
		credCfg.PEMPrivateKey = pem
	}

	provider := tlsprovider.New(logger)
	creds, err := credentials.New(cmd.Context(), provider, credCfg, credentials.WithLogger(logger))
	if err != nil {
		return err
	}
	defer creds.Close()

	handle, err := creds.Handle()
	if err != nil {
		return err
	}

	fmt.Printf("OK: credential handle %s\n", handle.ID())
	fmt.Printf("  client certificate: %v\n", certFile != "")
	return nil
}

func newComposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Dry-run composition of channel credentials with bearer tokens",
		RunE:  runCompose,
	}

	cmd.Flags().String("roots", "", "PEM file with root certificates")
	cmd.Flags().StringSlice("token", nil, "Bearer token to compose (repeatable)")

	return cmd
}

func runCompose(cmd *cobra.Command, args []string) error {
	logger, cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	rootsFile, _ := cmd.Flags().GetString("roots")
	tokens, _ := cmd.Flags().GetStringSlice("token")
	if rootsFile == "" {
		rootsFile = cfg.RootsFile
	}

	credCfg := credentials.Config{}
	if rootsFile != "" {
		pem, err := os.ReadFile(rootsFile)
		if err != nil {
			return fmt.Errorf("failed to read roots file: %w", err)
		}
		credCfg.PEMRootCerts = pem
	}

	provider := tlsprovider.New(logger)
	base, err := credentials.New(cmd.Context(), provider, credCfg, credentials.WithLogger(logger))
	if err != nil {
		return err
	}
	defer base.Close()

	extras := make([]credentials.CallCredentials, 0, len(tokens))
	for _, token := range tokens {
		tc, err := callcreds.NewToken(token)
		if err != nil {
			return err
		}
		extras = append(extras, tc)
	}

	composed, err := base.Compose(cmd.Context(), extras...)
	if err != nil {
		return err
	}
	if composed != base {
		defer composed.Close()
	}

	opts, err := grpccreds.DialOptions(composed)
	if err != nil {
		return err
	}

	handle, err := composed.Handle()
	if err != nil {
		return err
	}

	fmt.Printf("OK: composed handle %s from %d call credentials (%d dial options)\n",
		handle.ID(), len(extras), len(opts))
	return nil
}

func newWatchRootsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch-roots",
		Short: "Maintain the process-wide default roots from a watched file",
		Long: `Loads the given PEM bundle into the process-wide default roots store,
reloads it whenever the file changes, and optionally exposes Prometheus
metrics about the reloads.`,
		RunE: runWatchRoots,
	}

	cmd.Flags().String("file", "", "PEM file with the default root bundle (required)")
	cmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on (e.g. :9464)")

	return cmd
}

func runWatchRoots(cmd *cobra.Command, args []string) error {
	logger, cfg, err := setup(cmd)
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("file")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	if path == "" {
		path = cfg.RootsFile
	}
	if path == "" {
		return fmt.Errorf("watch-roots requires --file or roots_file in the config")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := NewMetrics()
	onReload := func() {
		pem, _ := credentials.DefaultRootsPEM()
		metrics.RecordRootsReload(len(pem))
		logger.Info("default roots reloaded", "path", path, "size_bytes", len(pem))
	}

	if err := credentials.WatchDefaultRootsFile(ctx, path, logger, onReload); err != nil {
		return err
	}
	onReload()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("watching default roots", "path", path)
	<-ctx.Done()
	return nil
}

// setup reads the shared flags, loads the optional YAML config, and builds
// the logger.
func setup(cmd *cobra.Command) (*slog.Logger, *FileConfig, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	cfg := &FileConfig{}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if cfg.LogLevel != "" && logLevel == defaultLogLevel {
		logLevel = cfg.LogLevel
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	}))
	return logger, cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
