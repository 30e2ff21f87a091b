package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pion/logging"
)

type deviceConfig struct {
	Version         string
	SecVersion      int
	PoP             string
	PBKDFIterations int
	MaxSessions     int

	HTTPListen     string
	StreamListen   string
	MetricsListen  string
	SessionTimeout time.Duration
	IdleTimeout    time.Duration

	MDNS     bool
	Instance string

	LogLevel string
}

func defaultConfig() deviceConfig {
	return deviceConfig{
		Version:        "v1.0",
		SecVersion:     2,
		HTTPListen:     ":8080",
		StreamListen:   ":8081",
		SessionTimeout: 2 * time.Minute,
		LogLevel:       "info",
	}
}

type fileConfig struct {
	Version         string `toml:"version"`
	SecVersion      int    `toml:"sec_ver"`
	PoP             string `toml:"pop"`
	PBKDFIterations int    `toml:"pbkdf_iterations"`
	MaxSessions     int    `toml:"max_sessions"`
	HTTPListen      string `toml:"http_listen"`
	StreamListen    string `toml:"stream_listen"`
	MetricsListen   string `toml:"metrics_listen"`
	SessionTimeout  string `toml:"session_timeout"`
	IdleTimeout     string `toml:"idle_timeout"`
	MDNS            bool   `toml:"mdns"`
	Instance        string `toml:"instance"`
	LogLevel        string `toml:"log_level"`
}

// loadConfigFile overlays the keys present in a TOML file onto cfg.
func loadConfigFile(path string, cfg *deviceConfig) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load device config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load device config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("version") {
		cfg.Version = strings.TrimSpace(raw.Version)
	}
	if meta.IsDefined("sec_ver") {
		cfg.SecVersion = raw.SecVersion
	}
	if meta.IsDefined("pop") {
		cfg.PoP = raw.PoP
	}
	if meta.IsDefined("pbkdf_iterations") {
		cfg.PBKDFIterations = raw.PBKDFIterations
	}
	if meta.IsDefined("max_sessions") {
		cfg.MaxSessions = raw.MaxSessions
	}
	if meta.IsDefined("http_listen") {
		cfg.HTTPListen = strings.TrimSpace(raw.HTTPListen)
	}
	if meta.IsDefined("stream_listen") {
		cfg.StreamListen = strings.TrimSpace(raw.StreamListen)
	}
	if meta.IsDefined("metrics_listen") {
		cfg.MetricsListen = strings.TrimSpace(raw.MetricsListen)
	}
	if meta.IsDefined("session_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.SessionTimeout))
		if err != nil {
			return fmt.Errorf("parse session_timeout: %w", err)
		}
		cfg.SessionTimeout = d
	}
	if meta.IsDefined("idle_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleTimeout))
		if err != nil {
			return fmt.Errorf("parse idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if meta.IsDefined("mdns") {
		cfg.MDNS = raw.MDNS
	}
	if meta.IsDefined("instance") {
		cfg.Instance = strings.TrimSpace(raw.Instance)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return nil
}

func newFlagSet(cfg *deviceConfig, path *string) *flag.FlagSet {
	fs := flag.NewFlagSet("protocomm-device", flag.ContinueOnError)
	fs.StringVar(path, "config", *path, "TOML config file; flags override its values")
	fs.StringVar(&cfg.Version, "version", cfg.Version, "application version reported on proto-ver")
	fs.IntVar(&cfg.SecVersion, "sec_ver", cfg.SecVersion, "security scheme version (0, 1 or 2)")
	fs.StringVar(&cfg.PoP, "pop", cfg.PoP, "proof of possession (required for sec_ver 2)")
	fs.IntVar(&cfg.PBKDFIterations, "pbkdf_iterations", cfg.PBKDFIterations, "sec2 PBKDF2 iterations (0 = default)")
	fs.IntVar(&cfg.MaxSessions, "max_sessions", cfg.MaxSessions, "session table capacity (0 = default)")
	fs.StringVar(&cfg.HTTPListen, "http", cfg.HTTPListen, "HTTP transport listen address (empty = disabled)")
	fs.StringVar(&cfg.StreamListen, "stream", cfg.StreamListen, "stream transport listen address (empty = disabled)")
	fs.StringVar(&cfg.MetricsListen, "metrics", cfg.MetricsListen, "Prometheus /metrics listen address (empty = disabled)")
	fs.DurationVar(&cfg.SessionTimeout, "session_timeout", cfg.SessionTimeout, "HTTP session idle timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle_timeout", cfg.IdleTimeout, "stream connection idle timeout (0 = none)")
	fs.BoolVar(&cfg.MDNS, "mdns", cfg.MDNS, "advertise _protocomm._tcp over mDNS")
	fs.StringVar(&cfg.Instance, "instance", cfg.Instance, "mDNS instance name (empty = random)")
	fs.StringVar(&cfg.LogLevel, "log", cfg.LogLevel, "log level: disabled, error, warn, info, debug, trace")
	return fs
}

// parseArgs builds the configuration from defaults, then the -config file,
// then explicitly set flags.
func parseArgs(args []string) (deviceConfig, error) {
	cfg := defaultConfig()
	var path string
	if err := newFlagSet(&cfg, &path).Parse(args); err != nil {
		return deviceConfig{}, err
	}
	if path != "" {
		cfg = defaultConfig()
		if err := loadConfigFile(path, &cfg); err != nil {
			return deviceConfig{}, err
		}
		// File values are now the flag defaults, so only flags given on the
		// command line change them.
		if err := newFlagSet(&cfg, &path).Parse(args); err != nil {
			return deviceConfig{}, err
		}
	}
	if err := cfg.validate(); err != nil {
		return deviceConfig{}, err
	}
	return cfg, nil
}

func (c deviceConfig) validate() error {
	if c.HTTPListen == "" && c.StreamListen == "" {
		return errors.New("no transport enabled: set http or stream")
	}
	if c.SecVersion < 0 {
		return fmt.Errorf("invalid sec_ver %d", c.SecVersion)
	}
	if c.SessionTimeout <= 0 {
		return errors.New("session_timeout must be positive")
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info", "":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", s)
}
