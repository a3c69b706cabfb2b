// Package config loads diagramsync settings.
//
// Settings come from three layers, later layers winning:
//
//	defaults                      - Default()
//	YAML file                     - --config path (optional)
//	environment / .env            - DIAGRAMSYNC_* variables
//
// Both the file and the environment layer are checked against the embedded
// CUE schema (schema.cue) before they are applied.
//
// Example file:
//
//	broker_url: "ws://localhost:8745/draw-ws"
//	check_interval: 5s
//	reconnect_backoff: 3s
//	debounce: 50ms
//	autosave: true
//	journal_path: diagramsync.db
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DIAGRAMSYNC_"

// Defaults mirror the values the editor shipped with.
const (
	DefaultBrokerURL        = "ws://localhost:8745/draw-ws"
	DefaultCheckInterval    = 5 * time.Second
	DefaultReconnectBackoff = 3 * time.Second
	DefaultConnectTimeout   = 50000 * time.Second
	DefaultResponseTimeout  = 50000 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultDebounce         = 50 * time.Millisecond
	DefaultJournalPath      = "diagramsync.db"
)

// Config holds resolved settings.
type Config struct {
	BrokerURL        string
	CheckInterval    time.Duration
	ReconnectBackoff time.Duration
	ConnectTimeout   time.Duration
	ResponseTimeout  time.Duration
	PollInterval     time.Duration
	Debounce         time.Duration
	Autosave         bool
	JournalPath      string
}

// fileConfig is the on-disk (and environment) shape. Durations stay strings
// until the CUE schema has accepted them.
type fileConfig struct {
	BrokerURL        string `yaml:"broker_url" json:"broker_url,omitempty"`
	CheckInterval    string `yaml:"check_interval" json:"check_interval,omitempty"`
	ReconnectBackoff string `yaml:"reconnect_backoff" json:"reconnect_backoff,omitempty"`
	ConnectTimeout   string `yaml:"connect_timeout" json:"connect_timeout,omitempty"`
	ResponseTimeout  string `yaml:"response_timeout" json:"response_timeout,omitempty"`
	PollInterval     string `yaml:"poll_interval" json:"poll_interval,omitempty"`
	Debounce         string `yaml:"debounce" json:"debounce,omitempty"`
	Autosave         *bool  `yaml:"autosave,omitempty" json:"autosave,omitempty"`
	JournalPath      string `yaml:"journal_path" json:"journal_path,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BrokerURL:        DefaultBrokerURL,
		CheckInterval:    DefaultCheckInterval,
		ReconnectBackoff: DefaultReconnectBackoff,
		ConnectTimeout:   DefaultConnectTimeout,
		ResponseTimeout:  DefaultResponseTimeout,
		PollInterval:     DefaultPollInterval,
		Debounce:         DefaultDebounce,
		Autosave:         true,
		JournalPath:      DefaultJournalPath,
	}
}

// Load resolves the configuration. An empty path skips the file layer.
// A missing file is an error; a missing .env is not.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fc, err := readFile(path)
		if err != nil {
			return nil, err
		}
		if err := cfg.apply(fc, path); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	fc, err := fromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.apply(fc, "environment"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the schema cannot express.
func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker_url is required")
	}
	durations := map[string]time.Duration{
		"check_interval":    c.CheckInterval,
		"reconnect_backoff": c.ReconnectBackoff,
		"connect_timeout":   c.ConnectTimeout,
		"response_timeout":  c.ResponseTimeout,
		"poll_interval":     c.PollInterval,
		"debounce":          c.Debounce,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

func readFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err // Unwrapped for os.IsNotExist() checks
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &fc, nil
}

// loadDotEnv populates the process environment from path when it exists.
// Variables already set are not overwritten.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func fromEnv() (*fileConfig, error) {
	fc := &fileConfig{
		BrokerURL:        os.Getenv(EnvPrefix + "BROKER_URL"),
		CheckInterval:    os.Getenv(EnvPrefix + "CHECK_INTERVAL"),
		ReconnectBackoff: os.Getenv(EnvPrefix + "RECONNECT_BACKOFF"),
		ConnectTimeout:   os.Getenv(EnvPrefix + "CONNECT_TIMEOUT"),
		ResponseTimeout:  os.Getenv(EnvPrefix + "RESPONSE_TIMEOUT"),
		PollInterval:     os.Getenv(EnvPrefix + "POLL_INTERVAL"),
		Debounce:         os.Getenv(EnvPrefix + "DEBOUNCE"),
		JournalPath:      os.Getenv(EnvPrefix + "JOURNAL"),
	}
	if raw, ok := os.LookupEnv(EnvPrefix + "AUTOSAVE"); ok && raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%sAUTOSAVE: %w", EnvPrefix, err)
		}
		fc.Autosave = &v
	}
	return fc, nil
}

// validateSchema unifies fc with #Config from schema.cue.
func validateSchema(fc *fileConfig) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(fc))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// apply validates fc and overlays its non-empty fields onto c.
func (c *Config) apply(fc *fileConfig, source string) error {
	if err := validateSchema(fc); err != nil {
		return fmt.Errorf("invalid config from %s: %w", source, err)
	}

	if fc.BrokerURL != "" {
		c.BrokerURL = fc.BrokerURL
	}
	if fc.JournalPath != "" {
		c.JournalPath = fc.JournalPath
	}
	if fc.Autosave != nil {
		c.Autosave = *fc.Autosave
	}

	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{fc.CheckInterval, &c.CheckInterval},
		{fc.ReconnectBackoff, &c.ReconnectBackoff},
		{fc.ConnectTimeout, &c.ConnectTimeout},
		{fc.ResponseTimeout, &c.ResponseTimeout},
		{fc.PollInterval, &c.PollInterval},
		{fc.Debounce, &c.Debounce},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid config from %s: %w", source, err)
		}
		*d.dst = parsed
	}
	return nil
}
