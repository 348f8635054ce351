// Package gentimemongo provides a MongoDB adapter for gentime
package gentimemongo

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/lemmego/gentime"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// =====================================
// Provider Implementation
// =====================================

// Provider implements gentime.Provider using MongoDB
type Provider struct {
	client   *mongo.Client
	database *mongo.Database
	config   gentime.Config
	pipeline *gentime.Pipeline

	// transactions is detected when the provider connects
	transactions bool
}

// Factory implements gentime.ProviderFactory
type Factory struct{}

// Create creates a new MongoDB provider instance
func (f *Factory) Create(config gentime.Config) (gentime.Provider, error) {
	clientOpts := options.Client().ApplyURI(f.buildConnectionURI(config))
	if mongoOpts := config.Options["mongo"]; mongoOpts != nil {
		if opts, ok := mongoOpts.(map[string]interface{}); ok {
			f.applyClientOptions(clientOpts, opts)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, gentime.NewErrorWithCause(gentime.ErrorTypeConnection, "failed to connect to MongoDB", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, gentime.NewErrorWithCause(gentime.ErrorTypeConnection, "failed to ping MongoDB", err)
	}

	provider, err := New(client, config)
	if err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	provider.transactions = supportsTransactions(ctx, provider.database)
	return provider, nil
}

// SupportedDrivers returns the list of supported database drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"mongodb", "mongo"}
}

// buildConnectionURI builds MongoDB connection URI
func (f *Factory) buildConnectionURI(config gentime.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	uri := "mongodb://"
	if config.Username != "" {
		uri += config.Username
		if config.Password != "" {
			uri += ":" + config.Password
		}
		uri += "@"
	}

	host := config.Host
	if host == "" {
		host = "localhost"
	}
	port := config.Port
	if port == 0 {
		port = 27017
	}
	uri += fmt.Sprintf("%s:%d", host, port)

	if config.Database != "" {
		uri += "/" + config.Database
	}

	if config.SSL.Enabled {
		uri += "?tls=true"
		if config.SSL.CAFile != "" {
			uri += "&tlsCAFile=" + config.SSL.CAFile
		}
		if config.SSL.CertFile != "" {
			uri += "&tlsCertificateKeyFile=" + config.SSL.CertFile
		}
	}

	return uri
}

// applyClientOptions applies MongoDB-specific client options
func (f *Factory) applyClientOptions(clientOpts *options.ClientOptions, mongoOpts map[string]interface{}) {
	if maxPoolSize, ok := mongoOpts["max_pool_size"].(int); ok {
		clientOpts.SetMaxPoolSize(uint64(maxPoolSize))
	}
	if minPoolSize, ok := mongoOpts["min_pool_size"].(int); ok {
		clientOpts.SetMinPoolSize(uint64(minPoolSize))
	}
	if maxIdleTime, ok := mongoOpts["max_idle_time"].(string); ok {
		if d, err := time.ParseDuration(maxIdleTime); err == nil {
			clientOpts.SetMaxConnIdleTime(d)
		}
	}
}

// New wraps a connected client. MongoDB stores dates with millisecond
// precision, so VM values are truncated to milliseconds unless the
// configuration asks for something coarser.
func New(client *mongo.Client, config gentime.Config, opts ...gentime.PipelineOption) (*Provider, error) {
	if config.Driver == "" {
		config.Driver = gentime.DialectMongoDB
	}
	if config.Generation.Precision < time.Millisecond {
		config.Generation.Precision = time.Millisecond
	}
	pipeline, err := config.NewPipeline(opts...)
	if err != nil {
		return nil, err
	}
	return &Provider{
		client:   client,
		database: client.Database(config.Database),
		config:   config,
		pipeline: pipeline,
	}, nil
}

// Database returns the MongoDB database
func (p *Provider) Database() *mongo.Database {
	return p.database
}

// Repository returns a repository for the given entity type
func (p *Provider) Repository(entityType reflect.Type, opts ...gentime.MappingOption) (gentime.Repository, error) {
	mapping, err := gentime.MappingOf(entityType, opts...)
	if err != nil {
		return nil, err
	}
	repo, err := newRepository(p.database, mapping, p.pipeline)
	if err != nil {
		return nil, err
	}
	repo.transactions = p.transactions
	return repo, nil
}

// RepositoryFor returns a repository for the given entity instance
func (p *Provider) RepositoryFor(entity interface{}, opts ...gentime.MappingOption) (gentime.Repository, error) {
	return p.Repository(gentime.EntityType(entity), opts...)
}

// Capabilities returns the capabilities used by the pipeline
func (p *Provider) Capabilities() gentime.Capabilities {
	return p.pipeline.Capabilities()
}

// Health checks the database connection health
func (p *Provider) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.client.Ping(ctx, readpref.Primary())
}

// Close closes the database connection
func (p *Provider) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.client.Disconnect(ctx)
}

// ProviderInfo returns information about this provider
func (p *Provider) ProviderInfo() gentime.ProviderInfo {
	return gentime.ProviderInfo{
		Name:         "MongoDB",
		Version:      "1.0.0",
		DatabaseType: gentime.DatabaseTypeDocument,
		Dialect:      gentime.DialectMongoDB,
	}
}

// bsonName returns the document key of a struct field, as the driver's
// default struct codec derives it.
func bsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("bson"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return strings.ToLower(f.Name)
	}
	return name
}

// =====================================
// Registration
// =====================================

func init() {
	gentime.RegisterProvider("mongodb", &Factory{})
}
