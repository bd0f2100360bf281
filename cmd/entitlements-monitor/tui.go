package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/lawlens/entitlements_monitor/internal/session"
	"github.com/lawlens/entitlements_monitor/internal/tui"
)

type tuiOptions struct {
	interval    time.Duration
	timeout     time.Duration
	noColor     bool
	noAltScreen bool
}

func addTUIFlags(cmd *cobra.Command, o *tuiOptions) {
	f := cmd.Flags()
	f.DurationVar(&o.interval, "interval", 0, "poll interval (default from LAWLENS_POLL_INTERVAL, 60s)")
	f.DurationVar(&o.timeout, "timeout", 0, "per-request fetch timeout (default from LAWLENS_REQUEST_TIMEOUT, 10s)")
	f.BoolVar(&o.noColor, "no-color", false, "disable color styling")
	f.BoolVar(&o.noAltScreen, "no-alt-screen", false, "disable alternate screen mode")
}

func newTUICmd(root *rootOptions) *cobra.Command {
	o := &tuiOptions{}
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Run the terminal user interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTUI(cmd, root, o)
		},
	}
	addTUIFlags(cmd, o)
	return cmd
}

func runTUI(cmd *cobra.Command, root *rootOptions, o *tuiOptions) error {
	if cmd.Flags().Changed("interval") && o.interval <= 0 {
		return usageErrorf("--interval must be > 0")
	}
	if cmd.Flags().Changed("timeout") && o.timeout <= 0 {
		return usageErrorf("--timeout must be > 0")
	}

	cfg, err := root.loadValidConfig()
	if err != nil {
		return err
	}
	if o.interval > 0 {
		cfg.PollInterval = o.interval
	}
	if o.timeout > 0 {
		cfg.RequestTimeout = o.timeout
	}
	if err := cfg.EnsureDataDir(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not ensure data dir: %v\n", err)
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return &exitError{code: 1, err: fmt.Errorf("interactive TUI requires a TTY")}
	}

	logger, closer, err := newLogger(cfg, "tui", true)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := newStore(cfg, logger)
	defer store.Close()

	watcher := session.NewWatcher(cfg.SessionFile, store, session.WithLogger(logger))
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	logger.Info().
		Str("endpoint", cfg.EntitlementsURL).
		Str("identity", watcher.Identity().String()).
		Dur("interval", cfg.PollInterval).
		Msg("Starting entitlements monitor")

	err = tui.Run(tui.Options{
		Store:     store,
		Interval:  cfg.PollInterval,
		NoColor:   o.noColor,
		AltScreen: !o.noAltScreen,
		Identity:  func() string { return watcher.Identity().String() },
		Context:   ctx,
	})
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
