package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lawlens/entitlements_monitor/internal/entitlements"
	"github.com/lawlens/entitlements_monitor/internal/session"
)

var metricsShutdownTimeout = 5 * time.Second

type watchOptions struct {
	interval    time.Duration
	metricsAddr string
	warnPercent float64
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	o := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll entitlements headlessly and log changes and usage alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("interval") && o.interval <= 0 {
				return usageErrorf("--interval must be > 0")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, root, o)
		},
	}
	f := cmd.Flags()
	f.DurationVar(&o.interval, "interval", 0, "poll interval (default from LAWLENS_POLL_INTERVAL, 60s)")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides LAWLENS_METRICS_ADDR)")
	f.Float64Var(&o.warnPercent, "warn-percent", entitlements.DefaultWarnPercent, "usage percentage that raises a warning")
	return cmd
}

func runWatch(ctx context.Context, root *rootOptions, o *watchOptions) error {
	cfg, err := root.loadValidConfig()
	if err != nil {
		return err
	}
	if o.interval > 0 {
		cfg.PollInterval = o.interval
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}

	logger, closer, err := newLogger(cfg, "watch", false)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	store := newStore(cfg, logger, entitlements.WithMetrics(entitlements.NewMetrics(reg)))
	defer store.Close()

	watcher := session.NewWatcher(cfg.SessionFile, store, session.WithLogger(logger))
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	logger.Info().
		Str("endpoint", cfg.EntitlementsURL).
		Str("session_file", cfg.SessionFile).
		Str("identity", watcher.Identity().String()).
		Dur("interval", cfg.PollInterval).
		Msg("Watching entitlements")

	updates, unsubscribe := store.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, reg, logger) })
	}
	g.Go(func() error {
		store.Refresh(gctx, entitlements.RefreshOptions{})
		store.Poll(gctx, cfg.PollInterval)
		return nil
	})
	g.Go(func() error {
		logStateChanges(gctx, updates, o.warnPercent, logger)
		return nil
	})
	return g.Wait()
}

// logStateChanges logs each newly committed state once, along with any usage
// alerts it raises.
func logStateChanges(ctx context.Context, updates <-chan entitlements.State, warnPercent float64, logger zerolog.Logger) {
	var lastVersion uint64
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if st.Snapshot == nil || st.Loading || st.Refreshing || st.Version == lastVersion {
				continue
			}
			lastVersion = st.Version

			event := logger.Info()
			if st.Err != "" {
				event = logger.Warn().Str("error", st.Err).Bool("fallback", true)
			}
			event.
				Uint64("version", st.Version).
				Str("tier", string(st.Snapshot.Tier)).
				Int("features", countEnabled(st.Snapshot.Features)).
				Msg("Entitlements committed")

			for _, alert := range entitlements.UsageAlerts(st, warnPercent) {
				ev := logger.Warn()
				if alert.Level == entitlements.AlertLimit {
					ev = logger.Error()
				}
				ev.
					Str("usage", alert.Key).
					Str("level", string(alert.Level)).
					Float64("percent", alert.Percentage).
					Msgf("%s usage alert", alert.DisplayName)
			}
		}
	}
}

func countEnabled(features map[string]bool) int {
	n := 0
	for _, on := range features {
		if on {
			n++
		}
	}
	return n
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
		}
	}()

	logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
