package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/alvicsam/cidermill/internal/agentlog"
	"github.com/alvicsam/cidermill/internal/buildinfo"
	"github.com/alvicsam/cidermill/internal/config"
	"github.com/alvicsam/cidermill/internal/health"
	"github.com/alvicsam/cidermill/internal/otel"
	"github.com/alvicsam/cidermill/internal/pool"
	"github.com/alvicsam/cidermill/internal/runner"
	"github.com/alvicsam/cidermill/internal/shutdown"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cidermill",
	Short: "Fixed-size pool of ephemeral VMs running GitHub Actions runners",
	Long: `cidermill keeps a fixed number of ephemeral VMs alive, each running a
single disposable GitHub Actions runner registered with an organization.
Every VM is deleted when its runner exits and replaced with a fresh one.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// SIGINT and SIGTERM are handled by the pool's shutdown
		// coordinator so that in-flight cleanups finish first.
		return run(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	f.StringVar(&flagOverrides.GitHub.Org, "org", "", "GitHub organization runners register with")
	f.StringVar(&flagOverrides.GitHub.AppID, "app-id", "", "GitHub App ID")
	f.Int64Var(&flagOverrides.GitHub.InstallationID, "app-installation-id", 0, "GitHub App installation ID")
	f.StringVar(&flagOverrides.GitHub.PrivateKeyPath, "app-private-key-path", "", "Path to GitHub App private key PEM file")

	// Pool / VM overrides
	f.IntVar(&flagOverrides.Pool.Size, "size", 0, "Number of concurrent runner VMs")
	f.StringSliceVar(&flagOverrides.Pool.Labels, "labels", nil, "Runner labels (comma-separated)")
	f.StringVar(&flagOverrides.VM.Image, "image", "", "Base VM image")
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Hypervisor engine (tart, docker, gcp)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) error {
	if flagOverrides.GitHub.Org != "" {
		cfg.GitHub.Org = flagOverrides.GitHub.Org
	}
	if flagOverrides.GitHub.AppID != "" {
		cfg.GitHub.AppID = flagOverrides.GitHub.AppID
	}
	if flagOverrides.GitHub.InstallationID != 0 {
		cfg.GitHub.InstallationID = flagOverrides.GitHub.InstallationID
	}
	if flagOverrides.GitHub.PrivateKeyPath != "" {
		if err := cfg.OverridePrivateKeyPath(flagOverrides.GitHub.PrivateKeyPath); err != nil {
			return err
		}
	}
	if flagOverrides.Pool.Size != 0 {
		cfg.Pool.Size = flagOverrides.Pool.Size
	}
	if len(flagOverrides.Pool.Labels) > 0 {
		cfg.Pool.Labels = flagOverrides.Pool.Labels
	}
	if flagOverrides.VM.Image != "" {
		cfg.VM.Image = flagOverrides.VM.Image
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	return nil
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := applyFlagOverrides(cfg); err != nil {
		return fmt.Errorf("applying flags: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger and the shared output sink
	// ---------------------------------------------------------------
	sink := agentlog.NewSink(os.Stdout)
	logger := cfg.NewLogger(sink)
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("engine", cfg.Engine.Type),
		slog.String("org", cfg.GitHub.Org),
		slog.String("image", cfg.VM.Image),
		slog.Int("poolSize", cfg.Pool.Size),
	)

	if err := cfg.CheckBootstrap(); err != nil {
		return fmt.Errorf("checking bootstrap payload: %w", err)
	}

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	tel, err := otel.Setup(ctx, "cidermill", cfg.OTelSDKConfig())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Initialize hypervisor engine
	// ---------------------------------------------------------------
	eng, err := cfg.NewEngine(ctx, logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}
	defer eng.Close()

	if err := eng.Check(ctx); err != nil {
		return fmt.Errorf("hypervisor unavailable: %w", err)
	}

	// ---------------------------------------------------------------
	// 5. Remote executor and credentials
	// ---------------------------------------------------------------
	exec, err := cfg.NewExecutor(eng, logger)
	if err != nil {
		return fmt.Errorf("initializing remote executor: %w", err)
	}

	tokens, err := cfg.NewCredentialSource(logger)
	if err != nil {
		return fmt.Errorf("initializing credentials: %w", err)
	}

	// ---------------------------------------------------------------
	// 6. Create launcher + pool
	// ---------------------------------------------------------------
	launcher := runner.New(cfg.RunnerConfig(eng, exec, tokens, sink, logger.WithGroup("runner")))
	p := pool.New(cfg.PoolConfig(launcher, shutdown.New(logger), logger.WithGroup("pool")))

	// ---------------------------------------------------------------
	// 7. Metrics and health endpoint
	// ---------------------------------------------------------------
	if cfg.Metrics.Port > 0 {
		srv := newMetricsServer(cfg, tel, p)
		go func() {
			logger.Info("serving metrics", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	// ---------------------------------------------------------------
	// 8. Run
	// ---------------------------------------------------------------
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pool: %w", err)
	}

	logger.Info("shutting down gracefully")
	return nil
}

func newMetricsServer(cfg *config.Config, tel *otel.Telemetry, p *pool.Pool) *http.Server {
	mux := http.NewServeMux()
	if h := tel.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
	mux.Handle("/healthz", health.Handler(cfg.Engine.Type, cfg.Pool.Size, p))

	return &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Metrics.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
