package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dan-solli/patternguard/pkg/config"
	"github.com/dan-solli/patternguard/pkg/patternguard"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sweep and sampling cadences and expose /metrics",
		Run:   runServe,
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one deep sweep over every project now",
		Run:   runSweep,
	}

	RootCmd.AddCommand(serveCmd, sweepCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		exitErr("load config", err)
	}
	logger := newLogger()

	e, err := patternguard.Open(cfg)
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()
	e.WithLogger(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx); err != nil {
		exitErr("start cadences", err)
	}
	defer e.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", "addr", cfg.Metrics.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
}

func runSweep(cmd *cobra.Command, args []string) {
	e, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer e.Close()

	summary, err := e.Sweep(cmd.Context())
	if err != nil {
		exitErr("sweep", err)
	}
	printJSON(summary)
}
