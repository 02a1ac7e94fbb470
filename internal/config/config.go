// Package config provides configuration management for the spread mirror.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/sizing"
	"go.uber.org/multierr"
	yaml "gopkg.in/yaml.v3"
)

const (
	defaultBatchSize            = 6
	maxBatchSize                = 6
	defaultRetryInterval        = time.Second
	defaultPollInterval         = 250 * time.Millisecond
	defaultAutoExitPollInterval = time.Second
	defaultBrokerTimeout        = 10 * time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig      `yaml:"environment"`
	Logging     LoggingConfig          `yaml:"logging"`
	Broker      BrokerConfig           `yaml:"broker"`
	Primary     string                 `yaml:"primary_account"`
	Accounts    []AccountConfig        `yaml:"accounts"`
	Indices     map[string]IndexConfig `yaml:"indices"`
	Execution   ExecutionConfig        `yaml:"execution"`
	Storage     StorageConfig          `yaml:"storage"`
	Dashboard   DashboardConfig        `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// LoggingConfig controls log output. An empty File logs to stderr only.
type LoggingConfig struct {
	File       string `yaml:"file"`
	JSON       bool   `yaml:"json"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// BrokerConfig defines broker API settings shared by every account.
type BrokerConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Timeout        string               `yaml:"timeout"`
	ClientLocalIP  string               `yaml:"client_local_ip"`
	ClientPublicIP string               `yaml:"client_public_ip"`
	MACAddress     string               `yaml:"mac_address"`
	ScripMaster    string               `yaml:"scrip_master"` // file path or http(s) URL
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Paper          PaperConfig          `yaml:"paper"`
}

// CircuitBreakerConfig tunes the per-session breaker. Zero values take the
// broker package defaults.
type CircuitBreakerConfig struct {
	Enabled      bool    `yaml:"enabled"`
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// RateLimitConfig caps requests per session. Zero values take the broker
// package defaults.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// PaperConfig configures the in-memory sessions used in paper mode.
type PaperConfig struct {
	InitialCash   float64  `yaml:"initial_cash"`
	MarginPerUnit float64  `yaml:"margin_per_unit"`
	RejectSymbols []string `yaml:"reject_symbols"`
}

// AccountConfig is one brokerage account. Login happens outside this
// program; the session token is injected, usually through the environment.
type AccountConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	JWTToken string `yaml:"jwt_token"`
}

// IndexConfig holds an index's exchange limits and spread shape.
type IndexConfig struct {
	FreezeQuantity int `yaml:"freeze_quantity"`
	QuantityPerLot int `yaml:"quantity_per_lot"`
	SpreadWidth    int `yaml:"spread_width"`
}

// Limits converts the index to sizing limits.
func (i IndexConfig) Limits() sizing.Limits {
	return sizing.Limits{FreezeQuantity: i.FreezeQuantity, LotQuantity: i.QuantityPerLot}
}

// ExecutionConfig tunes the dispatch and retry behaviour.
type ExecutionConfig struct {
	BatchSize            int    `yaml:"batch_size"`
	RetryInterval        string `yaml:"retry_interval"`
	PollInterval         string `yaml:"poll_interval"`
	AutoExitPollInterval string `yaml:"autoexit_poll_interval"`
}

// StorageConfig defines where state is persisted. An empty ExitCommandFile
// keeps the exit command in memory; an empty JournalPath disables the
// journal.
type StorageConfig struct {
	ExitCommandFile string `yaml:"exit_command_file"`
	JournalPath     string `yaml:"journal_path"`
}

// DashboardConfig configures the read-only status API.
type DashboardConfig struct {
	Enabled        bool     `yaml:"enabled"`
	ListenAddr     string   `yaml:"listen_addr"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize upper-cases index names and fills defaults.
func (c *Config) normalize() {
	if len(c.Indices) > 0 {
		indices := make(map[string]IndexConfig, len(c.Indices))
		for name, idx := range c.Indices {
			indices[strings.ToUpper(strings.TrimSpace(name))] = idx
		}
		c.Indices = indices
	}
	if c.Execution.BatchSize == 0 {
		c.Execution.BatchSize = defaultBatchSize
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
}

// Validate checks every configuration value and reports all problems at once.
func (c *Config) Validate() error {
	var err error

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		err = multierr.Append(err, errors.New("environment.mode must be 'paper' or 'live'"))
	}
	switch c.Environment.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("environment.log_level %q is not one of debug, info, warn, error", c.Environment.LogLevel))
	}

	if len(c.Accounts) == 0 {
		err = multierr.Append(err, errors.New("accounts: at least one account is required"))
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			err = multierr.Append(err, fmt.Errorf("accounts[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			err = multierr.Append(err, fmt.Errorf("accounts[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		if !c.IsPaperTrading() && (a.APIKey == "" || a.JWTToken == "") {
			err = multierr.Append(err, fmt.Errorf("accounts[%d]: api_key and jwt_token are required in live mode", i))
		}
	}
	if c.Primary == "" {
		err = multierr.Append(err, errors.New("primary_account is required"))
	} else if !seen[c.Primary] {
		err = multierr.Append(err, fmt.Errorf("primary_account %q is not in accounts", c.Primary))
	}

	if len(c.Indices) == 0 {
		err = multierr.Append(err, errors.New("indices: at least one index is required"))
	}
	for _, name := range c.IndexNames() {
		idx := c.Indices[name]
		if idx.QuantityPerLot <= 0 {
			err = multierr.Append(err, fmt.Errorf("indices.%s.quantity_per_lot must be > 0", name))
		}
		if idx.FreezeQuantity < idx.QuantityPerLot {
			err = multierr.Append(err, fmt.Errorf("indices.%s.freeze_quantity (%d) must be >= quantity_per_lot (%d)",
				name, idx.FreezeQuantity, idx.QuantityPerLot))
		}
		if idx.SpreadWidth <= 0 {
			err = multierr.Append(err, fmt.Errorf("indices.%s.spread_width must be > 0", name))
		}
	}

	if c.Execution.BatchSize < 0 || c.Execution.BatchSize > maxBatchSize {
		err = multierr.Append(err, fmt.Errorf("execution.batch_size must be between 1 and %d", maxBatchSize))
	}
	if rl := c.Broker.RateLimit; rl.RequestsPerSecond < 0 || rl.Burst < 0 {
		err = multierr.Append(err, errors.New("broker.rate_limit values must be >= 0"))
	}
	for field, value := range map[string]string{
		"execution.retry_interval":         c.Execution.RetryInterval,
		"execution.poll_interval":          c.Execution.PollInterval,
		"execution.autoexit_poll_interval": c.Execution.AutoExitPollInterval,
		"broker.timeout":                   c.Broker.Timeout,
		"broker.circuit_breaker.interval":  c.Broker.CircuitBreaker.Interval,
		"broker.circuit_breaker.timeout":   c.Broker.CircuitBreaker.Timeout,
	} {
		if value == "" {
			continue
		}
		if d, perr := time.ParseDuration(value); perr != nil {
			err = multierr.Append(err, fmt.Errorf("%s invalid: %w", field, perr))
		} else if d <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be > 0", field))
		}
	}
	if r := c.Broker.CircuitBreaker.FailureRatio; r < 0 || r > 1 {
		err = multierr.Append(err, errors.New("broker.circuit_breaker.failure_ratio must be within [0,1]"))
	}

	if c.Dashboard.Enabled && c.Dashboard.ListenAddr == "" {
		err = multierr.Append(err, errors.New("dashboard.listen_addr is required when the dashboard is enabled"))
	}

	return err
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Index looks up an index by name, case-insensitively.
func (c *Config) Index(name string) (IndexConfig, bool) {
	idx, ok := c.Indices[strings.ToUpper(strings.TrimSpace(name))]
	return idx, ok
}

// IndexNames returns the configured index names, sorted.
func (c *Config) IndexNames() []string {
	names := make([]string, 0, len(c.Indices))
	for name := range c.Indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrimaryAccount returns the reference account's configuration.
func (c *Config) PrimaryAccount() (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == c.Primary {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// GetRetryInterval returns the transient-failure backoff.
func (c *Config) GetRetryInterval() time.Duration {
	return parseDurationOr(c.Execution.RetryInterval, defaultRetryInterval)
}

// GetPollInterval returns the order status polling interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDurationOr(c.Execution.PollInterval, defaultPollInterval)
}

// GetAutoExitPollInterval returns how often auto-exit checks PnL.
func (c *Config) GetAutoExitPollInterval() time.Duration {
	return parseDurationOr(c.Execution.AutoExitPollInterval, defaultAutoExitPollInterval)
}

// GetBrokerTimeout returns the per-request HTTP timeout.
func (c *Config) GetBrokerTimeout() time.Duration {
	return parseDurationOr(c.Broker.Timeout, defaultBrokerTimeout)
}

// GetInterval returns the breaker's count reset interval, or fallback.
func (c CircuitBreakerConfig) GetInterval(fallback time.Duration) time.Duration {
	return parseDurationOr(c.Interval, fallback)
}

// GetTimeout returns how long the breaker stays open, or fallback.
func (c CircuitBreakerConfig) GetTimeout(fallback time.Duration) time.Duration {
	return parseDurationOr(c.Timeout, fallback)
}

// GetBatchSize returns the per-account in-flight chunk ceiling.
func (c *Config) GetBatchSize() int {
	if c.Execution.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Execution.BatchSize
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
