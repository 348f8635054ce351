package gentime

import (
	"context"
	"reflect"
	"sort"
	"sync"
)

// =====================================
// Core Interfaces
// =====================================

// Repository persists entities of one type and keeps their generated
// timestamps up to date. Every write runs the generation pipeline for the
// matching lifecycle event.
type Repository interface {
	// Create inserts a new entity, generating values triggered on insert.
	// Generated fields must be unset; otherwise ErrorTypeDirectAssignment.
	Create(ctx context.Context, entity interface{}) error

	// Update rewrites an existing entity, generating values triggered on
	// update. Generated fields not triggered on update are left untouched
	// in storage. With a version field, a stale entity yields ErrorTypeConflict.
	Update(ctx context.Context, entity interface{}) error

	// UpdatePartial modifies specific columns of the entity with the given id.
	// Naming a generated field or column yields ErrorTypeDirectAssignment.
	UpdatePartial(ctx context.Context, id interface{}, updates map[string]interface{}) error

	// SoftDelete marks the entity deleted by generating the values
	// triggered on soft delete. The entity type must have at least one.
	SoftDelete(ctx context.Context, entity interface{}) error

	// ForceIncrement regenerates the version field without changing data.
	ForceIncrement(ctx context.Context, entity interface{}) error

	// Delete removes the entity with the given id.
	Delete(ctx context.Context, id interface{}) error

	// FindByID loads the entity with the given id into dest.
	// Returns ErrorTypeNotFound if the entity doesn't exist.
	FindByID(ctx context.Context, id interface{}, dest interface{}) error

	// Mapping returns the generation mapping of the repository's entity type.
	Mapping() *EntityMapping

	// Close releases resources held by the repository.
	Close() error
}

// Provider is the main interface for creating and managing repositories.
// Each adapter (GORM, Bun, MongoDB, Redis) implements it.
type Provider interface {
	// Repository creates a repository for the given entity type. The
	// entity mapping is built and validated here, so a malformed
	// declaration fails with ErrorTypeInvalidConfiguration.
	Repository(entityType reflect.Type, opts ...MappingOption) (Repository, error)

	// RepositoryFor is like Repository but takes an entity instance.
	RepositoryFor(entity interface{}, opts ...MappingOption) (Repository, error)

	// Capabilities returns what the backend can do with generated values.
	Capabilities() Capabilities

	// Health checks if the backend is reachable.
	Health() error

	// Close shuts down the provider and releases all resources.
	Close() error

	// ProviderInfo returns metadata about this provider.
	ProviderInfo() ProviderInfo
}

// Migrator is implemented by providers that can create the storage of
// entity types, such as SQL tables.
type Migrator interface {
	Migrate(ctx context.Context, entities ...interface{}) error
}

// =====================================
// Provider Factory and Registry
// =====================================

// ProviderFactory creates new provider instances
type ProviderFactory interface {
	Create(config Config) (Provider, error)
	SupportedDrivers() []string
}

// ProviderRegistry holds provider factories by name
type ProviderRegistry interface {
	Register(name string, factory ProviderFactory) error
	Get(name string) (ProviderFactory, error)
	List() []string
	Unregister(name string) error
}

// DefaultRegistry is the registry adapters register with from init
var DefaultRegistry ProviderRegistry = NewRegistry()

// NewRegistry creates a new provider registry
func NewRegistry() ProviderRegistry {
	return &registry{
		providers: make(map[string]ProviderFactory),
	}
}

type registry struct {
	mutex     sync.RWMutex
	providers map[string]ProviderFactory
}

func (r *registry) Register(name string, factory ProviderFactory) error {
	if name == "" || factory == nil {
		return NewError(ErrorTypeInvalidArgument, "provider name and factory are required")
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.providers[name]; exists {
		return NewError(ErrorTypeDuplicate, "provider already registered: "+name)
	}
	r.providers[name] = factory
	return nil
}

func (r *registry) Get(name string) (ProviderFactory, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	factory, exists := r.providers[name]
	if !exists {
		return nil, NewError(ErrorTypeNotFound, "provider not found: "+name)
	}
	return factory, nil
}

func (r *registry) List() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *registry) Unregister(name string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.providers[name]; !exists {
		return NewError(ErrorTypeNotFound, "provider not found: "+name)
	}
	delete(r.providers, name)
	return nil
}

// =====================================
// Utility Functions
// =====================================

// NewProvider creates a new provider instance
func NewProvider(driverName string, config Config) (Provider, error) {
	factory, err := DefaultRegistry.Get(driverName)
	if err != nil {
		return nil, err
	}
	return factory.Create(config)
}

// RegisterProvider registers a new provider factory
func RegisterProvider(name string, factory ProviderFactory) error {
	return DefaultRegistry.Register(name, factory)
}

// ListProviders returns all registered provider names
func ListProviders() []string {
	return DefaultRegistry.List()
}

// EntityType returns the struct type behind entity, dereferencing pointers.
func EntityType(entity interface{}) reflect.Type {
	t := reflect.TypeOf(entity)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
