// Package gentimeredis provides a Redis adapter for gentime. Entities are
// stored as JSON documents under "<type>:<id>" keys.
package gentimeredis

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lemmego/gentime"
)

// =====================================
// Provider Implementation
// =====================================

// Provider implements gentime.Provider using Redis
type Provider struct {
	client   *redis.Client
	config   gentime.Config
	pipeline *gentime.Pipeline
}

// Factory implements gentime.ProviderFactory
type Factory struct{}

// Create creates a new Redis provider instance
func (f *Factory) Create(config gentime.Config) (gentime.Provider, error) {
	client := redis.NewClient(buildOptions(config))

	provider, err := New(client, config)
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := provider.Health(); err != nil {
		client.Close()
		return nil, gentime.NewErrorWithCause(gentime.ErrorTypeConnection, "failed to connect to Redis", err)
	}
	return provider, nil
}

// SupportedDrivers returns the list of supported Redis drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"redis"}
}

// buildOptions builds the client options. Database holds the numeric DB
// index; ConnectionURL takes precedence over the other fields.
func buildOptions(config gentime.Config) *redis.Options {
	if config.ConnectionURL != "" {
		if opts, err := redis.ParseURL(config.ConnectionURL); err == nil {
			return opts
		}
	}

	host := config.Host
	if host == "" {
		host = "localhost"
	}
	port := config.Port
	if port == 0 {
		port = 6379
	}
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Username: config.Username,
		Password: config.Password,
	}
	if config.Database != "" {
		if db, err := strconv.Atoi(config.Database); err == nil {
			opts.DB = db
		}
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		opts.PoolSize = config.MaxOpenConns
	}
	if config.MaxIdleConns > 0 {
		opts.MinIdleConns = config.MaxIdleConns
	}
	if config.ConnMaxLifetime > 0 {
		opts.MaxConnAge = config.ConnMaxLifetime
	}
	if config.ConnMaxIdleTime > 0 {
		opts.IdleTimeout = config.ConnMaxIdleTime
	}

	if d, ok := durationOption(config, "dial_timeout"); ok {
		opts.DialTimeout = d
	}
	if d, ok := durationOption(config, "read_timeout"); ok {
		opts.ReadTimeout = d
	}
	if d, ok := durationOption(config, "write_timeout"); ok {
		opts.WriteTimeout = d
	}
	return opts
}

// durationOption reads Options["redis"][key] given as a time.Duration or,
// from YAML, as a duration string.
func durationOption(config gentime.Config, key string) (time.Duration, bool) {
	v, ok := config.AdapterOption("redis", key)
	if !ok {
		return 0, false
	}
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	}
	return 0, false
}

// New wraps a Redis client. Server generated values come from the TIME
// command, which has microsecond resolution.
func New(client *redis.Client, config gentime.Config, opts ...gentime.PipelineOption) (*Provider, error) {
	if config.Driver == "" {
		config.Driver = gentime.DialectRedis
	}
	pipeline, err := config.NewPipeline(opts...)
	if err != nil {
		return nil, err
	}
	return &Provider{client: client, config: config, pipeline: pipeline}, nil
}

// Client returns the underlying Redis client
func (p *Provider) Client() *redis.Client {
	return p.client
}

// Repository returns a repository for the given entity type
func (p *Provider) Repository(entityType reflect.Type, opts ...gentime.MappingOption) (gentime.Repository, error) {
	mapping, err := gentime.MappingOf(entityType, opts...)
	if err != nil {
		return nil, err
	}
	return newRepository(p.client, mapping, p.pipeline)
}

// RepositoryFor returns a repository for the given entity instance
func (p *Provider) RepositoryFor(entity interface{}, opts ...gentime.MappingOption) (gentime.Repository, error) {
	return p.Repository(gentime.EntityType(entity), opts...)
}

// Capabilities returns the capabilities used by the pipeline
func (p *Provider) Capabilities() gentime.Capabilities {
	return p.pipeline.Capabilities()
}

// Health checks the connection to Redis
func (p *Provider) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (p *Provider) Close() error {
	return p.client.Close()
}

// ProviderInfo returns information about the Redis provider
func (p *Provider) ProviderInfo() gentime.ProviderInfo {
	return gentime.ProviderInfo{
		Name:         "Redis",
		Version:      "1.0.0",
		DatabaseType: gentime.DatabaseTypeKV,
		Dialect:      gentime.DialectRedis,
	}
}

// =====================================
// Registration
// =====================================

func init() {
	gentime.RegisterProvider("redis", &Factory{})
}
