// Package config loads monitor settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/lawlens/entitlements_monitor/internal/entitlements"
)

const (
	EnvEntitlementsURL = "LAWLENS_ENTITLEMENTS_URL"
	EnvSessionFile     = "LAWLENS_SESSION_FILE"
	EnvDataDir         = "LAWLENS_DATA_DIR"
	EnvPollInterval    = "LAWLENS_POLL_INTERVAL"
	EnvRequestTimeout  = "LAWLENS_REQUEST_TIMEOUT"
	EnvSettleDelay     = "LAWLENS_SETTLE_DELAY"
	EnvLogLevel        = "LAWLENS_LOG_LEVEL"
	EnvLogFormat       = "LAWLENS_LOG_FORMAT"
	EnvLogFile         = "LAWLENS_LOG_FILE"
	EnvMetricsAddr     = "LAWLENS_METRICS_ADDR"

	defaultDataDirName = ".lawlens"
)

type Config struct {
	EntitlementsURL string
	DataDir         string
	SessionFile     string
	PollInterval    time.Duration
	RequestTimeout  time.Duration
	SettleDelay     time.Duration
	LogLevel        string
	LogFormat       string
	LogFile         string
	MetricsAddr     string
}

func Default() Config {
	return Config{
		EntitlementsURL: entitlements.DefaultEndpoint,
		PollInterval:    60 * time.Second,
		RequestTimeout:  entitlements.DefaultRequestTimeout,
		SettleDelay:     entitlements.DefaultSettleDelay,
		LogLevel:        "info",
		LogFormat:       "auto",
	}
}

// Load applies envFile (when set) or ./.env (when present) to the process
// environment without overriding variables that are already set, then reads
// the configuration from the environment.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}
	return FromEnv(os.LookupEnv)
}

func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := get(EnvEntitlementsURL); v != "" {
		cfg.EntitlementsURL = v
	}
	if v := get(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := get(EnvSessionFile); v != "" {
		cfg.SessionFile = v
	}
	if v := get(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := get(EnvLogFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := get(EnvLogFile); v != "" {
		cfg.LogFile = v
	}
	if v := get(EnvMetricsAddr); v != "" {
		cfg.MetricsAddr = v
	}

	var errs []error
	for key, dst := range map[string]*time.Duration{
		EnvPollInterval:   &cfg.PollInterval,
		EnvRequestTimeout: &cfg.RequestTimeout,
		EnvSettleDelay:    &cfg.SettleDelay,
	} {
		v := get(key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*dst = d
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	if err := cfg.resolvePaths(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolvePaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, defaultDataDirName)
	}
	dataDir, err := ExpandPath(c.DataDir)
	if err != nil {
		return err
	}
	c.DataDir = dataDir

	if c.SessionFile == "" {
		c.SessionFile = filepath.Join(c.DataDir, entitlements.SessionFileName)
	}
	if c.SessionFile, err = ExpandPath(c.SessionFile); err != nil {
		return err
	}
	if c.LogFile != "" {
		if c.LogFile, err = ExpandPath(c.LogFile); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.EntitlementsURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("entitlements url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("entitlements url must be http or https, got %q", c.EntitlementsURL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("entitlements url has no host: %q", c.EntitlementsURL))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be > 0"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be > 0"))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, errors.New("settle delay must be >= 0"))
	}
	if strings.TrimSpace(c.SessionFile) == "" {
		errs = append(errs, errors.New("session file path is empty"))
	}
	return errors.Join(errs...)
}

// EnsureDataDir creates the data directory with owner-only permissions.
func (c Config) EnsureDataDir() error {
	if c.DataDir == "" {
		return errors.New("data dir is empty")
	}
	return os.MkdirAll(c.DataDir, 0o700)
}

// DefaultLogFile is where the TUI logs when no log file is configured.
func (c Config) DefaultLogFile() string {
	if c.LogFile != "" {
		return c.LogFile
	}
	return filepath.Join(c.DataDir, "monitor.log")
}

func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return home, nil
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
