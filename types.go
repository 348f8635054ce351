package gentime

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// =====================================
// Core Types and Constants
// =====================================

// Config represents database connection configuration
type Config struct {
	// Connection details
	Driver        string `json:"driver" yaml:"driver"`
	ConnectionURL string `json:"connection_url" yaml:"connection_url"`
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port" yaml:"port"`
	Database      string `json:"database" yaml:"database"`
	Username      string `json:"username" yaml:"username"`
	Password      string `json:"password" yaml:"password"`

	// Connection pool settings
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`

	// Additional options
	Options map[string]interface{} `json:"options" yaml:"options"`

	// SSL/TLS configuration
	SSL SSLConfig `json:"ssl" yaml:"ssl"`

	// Timestamp generation settings
	Generation GenerationConfig `json:"generation" yaml:"generation"`

	// LogLevel enables pipeline logging: debug, info, warn or error.
	// Empty disables it.
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// SSLConfig represents SSL/TLS configuration
type SSLConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Mode     string `json:"mode" yaml:"mode"`
	CertFile string `json:"cert_file" yaml:"cert_file"`
	KeyFile  string `json:"key_file" yaml:"key_file"`
	CAFile   string `json:"ca_file" yaml:"ca_file"`
}

// GenerationConfig controls how timestamps are generated
type GenerationConfig struct {
	// Precision truncates VM generated values. Zero means microseconds.
	Precision time.Duration `json:"precision" yaml:"precision"`
	// UTC stamps VM generated values in UTC instead of local time.
	UTC bool `json:"utc" yaml:"utc"`
	// DisableReturning forces a follow-up fetch for every DB generated
	// value, for drivers that cannot read them back inline.
	DisableReturning bool `json:"disable_returning" yaml:"disable_returning"`
}

// ProviderInfo contains information about the provider
type ProviderInfo struct {
	Name         string
	Version      string
	DatabaseType DatabaseType
	Dialect      string
}

// DatabaseType represents the type of database
type DatabaseType string

const (
	DatabaseTypeSQL      DatabaseType = "sql"
	DatabaseTypeDocument DatabaseType = "document"
	DatabaseTypeKV       DatabaseType = "key-value"
)

// =====================================
// Configuration Loading
// =====================================

// LoadConfig reads a YAML configuration file. Environment variables in the
// file are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, NewErrorWithCause(ErrorTypeInvalidConfiguration, fmt.Sprintf("cannot read config %s", path), err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return Config{}, NewErrorWithCause(ErrorTypeInvalidConfiguration, "cannot parse config", err)
	}
	return cfg, nil
}

// Capabilities returns the capability table of the configured driver.
func (c Config) Capabilities() (DialectCapabilities, error) {
	caps, err := CapabilitiesFor(c.Driver)
	if err != nil {
		return caps, err
	}
	if c.Generation.DisableReturning {
		caps = caps.WithoutReturning()
	}
	return caps, nil
}

// Logger builds the structured logger described by LogLevel.
func (c Config) Logger() zerolog.Logger {
	if c.LogLevel == "" {
		return zerolog.Nop()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "gentime").Logger()
}

// NewPipeline builds the generation pipeline for this configuration.
func (c Config) NewPipeline(opts ...PipelineOption) (*Pipeline, error) {
	caps, err := c.Capabilities()
	if err != nil {
		return nil, err
	}
	base := []PipelineOption{WithLogger(c.Logger().With().Str("dialect", caps.Dialect).Logger())}
	if c.Generation.Precision > 0 {
		base = append(base, WithPrecision(c.Generation.Precision))
	}
	if c.Generation.UTC {
		base = append(base, WithLocation(time.UTC))
	}
	return NewPipeline(caps, append(base, opts...)...), nil
}

// adapterOptions returns the Options entry for an adapter, if any.
func (c Config) adapterOptions(name string) map[string]interface{} {
	if opts, ok := c.Options[name].(map[string]interface{}); ok {
		return opts
	}
	return nil
}

// AdapterOption returns Options[adapter][key].
func (c Config) AdapterOption(adapter, key string) (interface{}, bool) {
	v, ok := c.adapterOptions(adapter)[key]
	return v, ok
}
