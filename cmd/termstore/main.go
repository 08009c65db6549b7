package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/custodia-labs/termstore/internal/config"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command line and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{stderr: stderr}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	c.shutdown()
	if err != nil {
		return 1
	}
	return 0
}

// cli carries global flags and the services built for the running command
type cli struct {
	configPath  string
	metricsAddr string
	stderr      io.Writer

	app     *app
	metrics *http.Server
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "termstore",
		Short:   "Branch-aware terminology document store",
		Long:    `Administer the revision store behind the terminology server: run index migrations, manage branches, merge and export deltas.`,
		Version: version,

		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Path to a TOML configuration file")
	root.PersistentFlags().StringVar(&c.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	root.AddCommand(
		c.migrateCmd(),
		c.branchCmd(),
		c.mergeCmd(),
		c.exportCmd(),
		c.loadCmd(),
	)
	return root
}

func (c *cli) setup(ctx context.Context) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.metricsAddr != "" {
		cfg.Metrics.Addr = c.metricsAddr
	}
	logger := cfg.NewLogger(c.stderr)
	slog.SetDefault(logger)

	if cfg.Metrics.Addr != "" {
		c.serveMetrics(cfg.Metrics.Addr, logger)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

func (c *cli) serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	c.metrics = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := c.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}

func (c *cli) shutdown() {
	if c.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.metrics.Shutdown(ctx)
		cancel()
	}
	if c.app != nil {
		if err := c.app.Close(); err != nil {
			fmt.Fprintf(c.stderr, "close: %v\n", err)
		}
		c.app = nil
	}
}
