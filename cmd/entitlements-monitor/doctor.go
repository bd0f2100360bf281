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

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var (
		jsonOutput bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run setup and endpoint checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if timeout <= 0 {
				return usageErrorf("--timeout must be > 0")
			}
			return runDoctor(cmd.Context(), root, jsonOutput, timeout)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output doctor report as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 20*time.Second, "doctor timeout")
	return cmd
}

func runDoctor(ctx context.Context, root *rootOptions, jsonOutput bool, timeout time.Duration) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not ensure data dir: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	source := entitlements.NewHTTPSource(cfg.EntitlementsURL, nil)
	defer source.Close()

	report := entitlements.RunDoctor(ctx, entitlements.DoctorOptions{
		Source:       source,
		SessionPath:  cfg.SessionFile,
		ConfigErr:    cfg.Validate(),
		CheckTimeout: cfg.RequestTimeout,
	})

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
	} else {
		printDoctorHuman(report)
	}

	if !report.Healthy() {
		return &exitError{code: 1}
	}
	return nil
}

func printDoctorHuman(report entitlements.DoctorReport) {
	fmt.Println("entitlements monitor doctor")
	fmt.Println()
	for _, c := range report.Checks {
		state := "FAIL"
		if c.OK {
			state = "PASS"
		}
		fmt.Printf("[%s] %s\n", state, c.Name)
		fmt.Printf("  %s\n", c.Details)
	}
}
