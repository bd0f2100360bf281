package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lawlens/entitlements_monitor/internal/config"
	"github.com/lawlens/entitlements_monitor/internal/entitlements"
	"github.com/lawlens/entitlements_monitor/internal/logging"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// exitError carries a process exit code. A nil err exits without printing.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", exitErr.err)
		}
		return exitErr.code
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

type rootOptions struct {
	envFile     string
	endpoint    string
	sessionFile string
	logLevel    string
	logFormat   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	tuiOpts := &tuiOptions{}

	root := &cobra.Command{
		Use:   "entitlements-monitor",
		Short: "Law Lens entitlements monitor",
		Long: "Track a Law Lens subscription's tier, feature flags and usage allowances.\n" +
			"Bare invocation runs the terminal user interface (TUI).\n" +
			"The monitor is read-only and never changes billing or account data.",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTUI(cmd, opts, tuiOpts)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: 2, err: err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&opts.envFile, "env-file", "", "load settings from this .env file")
	pf.StringVar(&opts.endpoint, "endpoint", "", "entitlements endpoint URL (overrides "+config.EnvEntitlementsURL+")")
	pf.StringVar(&opts.sessionFile, "session-file", "", "session file holding the access token (overrides "+config.EnvSessionFile+")")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format: auto, json, console")

	addTUIFlags(root, tuiOpts)

	root.AddCommand(newTUICmd(opts))
	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newFetchCmd(opts))
	root.AddCommand(newDoctorCmd(opts))
	root.AddCommand(newCompletionCmd())
	return root
}

// loadConfig reads the environment and applies flag overrides. It does not
// validate; callers decide whether an invalid config is fatal.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return config.Config{}, err
	}
	if v := strings.TrimSpace(o.endpoint); v != "" {
		cfg.EntitlementsURL = v
	}
	if v := strings.TrimSpace(o.sessionFile); v != "" {
		if cfg.SessionFile, err = config.ExpandPath(v); err != nil {
			return config.Config{}, err
		}
	}
	if v := strings.TrimSpace(o.logLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(o.logFormat); v != "" {
		cfg.LogFormat = v
	}
	return cfg, nil
}

func (o *rootOptions) loadValidConfig() (config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config, component string, fileOnly bool) (zerolog.Logger, io.Closer, error) {
	path := cfg.LogFile
	if fileOnly {
		path = cfg.DefaultLogFile()
	}
	return logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: component,
		FilePath:  path,
		FileOnly:  fileOnly,
	})
}

func newStore(cfg config.Config, logger zerolog.Logger, extra ...entitlements.Option) *entitlements.Store {
	source := entitlements.NewHTTPSource(cfg.EntitlementsURL, nil)
	opts := []entitlements.Option{
		entitlements.WithLogger(logger),
		entitlements.WithRequestTimeout(cfg.RequestTimeout),
		entitlements.WithSettleDelay(cfg.SettleDelay),
	}
	return entitlements.NewStore(source, entitlements.NewFileCredentials(cfg.SessionFile), append(opts, extra...)...)
}
