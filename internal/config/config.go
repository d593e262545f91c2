package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// UnsetSentinel is the literal value operators use to explicitly disable the
// cloud uplink. Either cloud variable being empty or equal to this value
// leaves the uplink dormant.
const UnsetSentinel = "UNSET"

// Config holds the terminal configuration assembled from the settings file
// and the environment.
type Config struct {
	// Identity
	TerminalID string
	Port       int
	PeerURLs   []string

	// Cloud uplink. Either value empty or "UNSET" means the uplink stays
	// dormant; the peer fabric runs regardless.
	CloudBaseURL    string
	CloudServiceKey string

	// Timing knobs
	BackoffBase       time.Duration
	MaxRetries        int
	DrainInterval     time.Duration
	CloudInterval     time.Duration
	ReconcileInterval time.Duration

	// Reconciler divergence threshold, in stock units
	DivergenceThreshold int

	// DataDir holds the per-terminal store file
	DataDir string

	// Env is "dev" or "prod"; controls console logging
	Env string
}

// Defaults applied when the corresponding setting is absent
const (
	DefaultBackoffBase         = 2000 * time.Millisecond
	DefaultMaxRetries          = 10
	DefaultDrainInterval       = 200 * time.Millisecond
	DefaultCloudInterval       = 5 * time.Second
	DefaultReconcileInterval   = 10 * time.Minute
	DefaultDivergenceThreshold = 10
)

// fileSettings is the JSON shape of the terminal settings file. Zero-value
// fields leave the corresponding default or prior value in place.
type fileSettings struct {
	TerminalID          string   `json:"terminalId"`
	Port                int      `json:"port"`
	PeerTerminals       []string `json:"peerTerminals"`
	CloudBaseURL        string   `json:"cloudBaseUrl"`
	CloudServiceKey     string   `json:"cloudServiceKey"`
	BackoffBaseMs       int      `json:"backoffBaseMs"`
	MaxRetries          int      `json:"maxRetries"`
	DrainIntervalMs     int      `json:"drainIntervalMs"`
	CloudIntervalMs     int      `json:"cloudIntervalMs"`
	ReconcileIntervalMs int      `json:"reconcileIntervalMs"`
	DivergenceThreshold int      `json:"divergenceThreshold"`
	DataDir             string   `json:"dataDir"`
	Env                 string   `json:"env"`
}

// Load assembles configuration from defaults, then the settings file, then
// environment variable overrides. An empty configPath falls back to
// settings.json in the default data directory when that file exists.
// Validation is deferred to Validate so callers can apply overrides first.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		BackoffBase:         DefaultBackoffBase,
		MaxRetries:          DefaultMaxRetries,
		DrainInterval:       DefaultDrainInterval,
		CloudInterval:       DefaultCloudInterval,
		ReconcileInterval:   DefaultReconcileInterval,
		DivergenceThreshold: DefaultDivergenceThreshold,
		Env:                 "dev",
	}

	if configPath == "" {
		if p := defaultSettingsPath(); p != "" {
			if _, err := os.Stat(p); err == nil {
				configPath = p
			}
		}
	}
	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, err
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	if cfg.DataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		cfg.DataDir = filepath.Join(base, "lanesync")
	}

	return cfg, nil
}

// loadFromFile merges the JSON settings file into cfg.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	var fs fileSettings
	if err := json.Unmarshal(data, &fs); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}

	if v := strings.TrimSpace(fs.TerminalID); v != "" {
		cfg.TerminalID = v
	}
	if fs.Port != 0 {
		cfg.Port = fs.Port
	}
	if len(fs.PeerTerminals) > 0 {
		cfg.PeerURLs = nil
		for _, entry := range fs.PeerTerminals {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.PeerURLs = append(cfg.PeerURLs, entry)
			}
		}
	}
	if v := strings.TrimSpace(fs.CloudBaseURL); v != "" {
		cfg.CloudBaseURL = v
	}
	if v := strings.TrimSpace(fs.CloudServiceKey); v != "" {
		cfg.CloudServiceKey = v
	}

	intervals := []struct {
		name string
		ms   int
		dst  *time.Duration
	}{
		{"backoffBaseMs", fs.BackoffBaseMs, &cfg.BackoffBase},
		{"drainIntervalMs", fs.DrainIntervalMs, &cfg.DrainInterval},
		{"cloudIntervalMs", fs.CloudIntervalMs, &cfg.CloudInterval},
		{"reconcileIntervalMs", fs.ReconcileIntervalMs, &cfg.ReconcileInterval},
	}
	for _, f := range intervals {
		if f.ms < 0 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidInterval, f.name, f.ms)
		}
		if f.ms > 0 {
			*f.dst = time.Duration(f.ms) * time.Millisecond
		}
	}

	if fs.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries=%d", ErrInvalidInterval, fs.MaxRetries)
	}
	if fs.MaxRetries > 0 {
		cfg.MaxRetries = fs.MaxRetries
	}
	if fs.DivergenceThreshold < 0 {
		return fmt.Errorf("%w: divergenceThreshold=%d", ErrInvalidThreshold, fs.DivergenceThreshold)
	}
	if fs.DivergenceThreshold > 0 {
		cfg.DivergenceThreshold = fs.DivergenceThreshold
	}
	if fs.DataDir != "" {
		cfg.DataDir = fs.DataDir
	}
	if fs.Env != "" {
		cfg.Env = fs.Env
	}
	return nil
}

// applyEnvironmentOverrides layers environment variables over cfg. Variables
// that are unset or empty leave the file or default value in place.
func applyEnvironmentOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("TERMINAL_ID")); v != "" {
		cfg.TerminalID = v
	}
	if v := strings.TrimSpace(os.Getenv("CLOUD_BASE_URL")); v != "" {
		cfg.CloudBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CLOUD_SERVICE_KEY")); v != "" {
		cfg.CloudServiceKey = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}

	if raw := os.Getenv("TERMINAL_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidPort, raw)
		}
		cfg.Port = port
	}

	if raw := strings.TrimSpace(os.Getenv("PEER_TERMINALS")); raw != "" {
		cfg.PeerURLs = nil
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			cfg.PeerURLs = append(cfg.PeerURLs, entry)
		}
	}

	var err error
	if cfg.BackoffBase, err = msEnv("SYNC_BACKOFF_BASE_MS", cfg.BackoffBase); err != nil {
		return err
	}
	if cfg.DrainInterval, err = msEnv("SYNC_DRAIN_INTERVAL_MS", cfg.DrainInterval); err != nil {
		return err
	}
	if cfg.CloudInterval, err = msEnv("CLOUD_SYNC_INTERVAL_MS", cfg.CloudInterval); err != nil {
		return err
	}
	if cfg.ReconcileInterval, err = msEnv("RECONCILE_INTERVAL_MS", cfg.ReconcileInterval); err != nil {
		return err
	}

	if raw := os.Getenv("SYNC_MAX_RETRIES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: SYNC_MAX_RETRIES=%q", ErrInvalidInterval, raw)
		}
		cfg.MaxRetries = n
	}

	if raw := os.Getenv("RECONCILE_DIVERGENCE_THRESHOLD"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: %q", ErrInvalidThreshold, raw)
		}
		cfg.DivergenceThreshold = n
	}

	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	return nil
}

// Validate checks that required settings are present and well-formed.
// Cloud credentials are deliberately not required; their absence only
// disables the uplink.
func (c *Config) Validate() error {
	if c.TerminalID == "" {
		return ErrMissingTerminalID
	}
	if c.Port == 0 {
		return ErrMissingPort
	}
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Port)
	}
	for _, peer := range c.PeerURLs {
		u, err := url.Parse(peer)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidPeerURL, peer, err)
		}
		if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidPeerURL, peer)
		}
	}
	return nil
}

// CloudEnabled reports whether the uplink has usable credentials.
func (c *Config) CloudEnabled() bool {
	if c.CloudBaseURL == "" || c.CloudBaseURL == UnsetSentinel {
		return false
	}
	if c.CloudServiceKey == "" || c.CloudServiceKey == UnsetSentinel {
		return false
	}
	return true
}

// StorePath returns the location of the terminal's store file.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "lanesync.db")
}

func defaultSettingsPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "lanesync", "settings.json")
}

func msEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidInterval, key, raw)
	}
	return time.Duration(n) * time.Millisecond, nil
}
