package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lawlens/entitlements_monitor/internal/entitlements"
)

func newFetchCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Refresh once and print the committed state as JSON",
		Long: "Refresh once and print the committed state as JSON.\n" +
			"Exits 1 when the endpoint failed and the free-tier fallback was committed.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("timeout") && timeout <= 0 {
				return usageErrorf("--timeout must be > 0")
			}
			return runFetch(cmd.Context(), root, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "fetch timeout (default from LAWLENS_REQUEST_TIMEOUT, 10s)")
	return cmd
}

func runFetch(ctx context.Context, root *rootOptions, timeout time.Duration) error {
	cfg, err := root.loadValidConfig()
	if err != nil {
		return err
	}
	if timeout > 0 {
		cfg.RequestTimeout = timeout
	}
	// A one-shot fetch reports the settled state immediately.
	cfg.SettleDelay = 0

	logger, closer, err := newLogger(cfg, "fetch", false)
	if err != nil {
		return err
	}
	defer closer.Close()

	store := newStore(cfg, logger)
	defer store.Close()

	result := store.Refresh(ctx, entitlements.RefreshOptions{})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(store.State()); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	switch result {
	case entitlements.RefreshCommitted:
		return nil
	case entitlements.RefreshFellBack:
		return &exitError{code: 1}
	default:
		return &exitError{code: 1, err: fmt.Errorf("refresh %s", result)}
	}
}
