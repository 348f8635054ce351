package gentime

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock provider for testing
type mockProvider struct {
	config   Config
	pipeline *Pipeline
	closed   bool
}

func (m *mockProvider) Repository(entityType reflect.Type, opts ...MappingOption) (Repository, error) {
	if _, err := MappingOf(entityType, opts...); err != nil {
		return nil, err
	}
	return nil, NewError(ErrorTypeUnsupported, "mock provider has no repositories")
}

func (m *mockProvider) RepositoryFor(entity interface{}, opts ...MappingOption) (Repository, error) {
	return m.Repository(EntityType(entity), opts...)
}

func (m *mockProvider) Capabilities() Capabilities { return m.pipeline.Capabilities() }

func (m *mockProvider) Health() error { return nil }

func (m *mockProvider) Close() error {
	m.closed = true
	return nil
}

func (m *mockProvider) ProviderInfo() ProviderInfo {
	return ProviderInfo{Name: "mock", Version: "1.0.0", DatabaseType: DatabaseTypeSQL, Dialect: m.config.Driver}
}

type mockFactory struct{}

func (f *mockFactory) Create(config Config) (Provider, error) {
	pipeline, err := config.NewPipeline()
	if err != nil {
		return nil, err
	}
	return &mockProvider{config: config, pipeline: pipeline}, nil
}

func (f *mockFactory) SupportedDrivers() []string { return []string{"postgres"} }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("mock", &mockFactory{}))
	require.NoError(t, r.Register("another", &mockFactory{}))
	assert.True(t, IsDuplicate(r.Register("mock", &mockFactory{})))
	assert.True(t, IsInvalidArgument(r.Register("", &mockFactory{})))
	assert.True(t, IsInvalidArgument(r.Register("nil", nil)))

	assert.Equal(t, []string{"another", "mock"}, r.List())

	factory, err := r.Get("mock")
	require.NoError(t, err)
	assert.Equal(t, []string{"postgres"}, factory.SupportedDrivers())

	require.NoError(t, r.Unregister("mock"))
	_, err = r.Get("mock")
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(r.Unregister("mock")))
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NoError(t, r.Register(name, &mockFactory{}))
			_, err := r.Get(name)
			assert.NoError(t, err)
			r.List()
		}(name)
	}
	wg.Wait()
	assert.Len(t, r.List(), 4)
}

func TestNewProvider(t *testing.T) {
	require.NoError(t, RegisterProvider("mock-default", &mockFactory{}))
	defer DefaultRegistry.Unregister("mock-default")

	assert.Contains(t, ListProviders(), "mock-default")

	provider, err := NewProvider("mock-default", Config{Driver: "postgres"})
	require.NoError(t, err)
	assert.True(t, provider.Capabilities().SupportsReturning(EventUpdate))
	assert.Equal(t, "postgres", provider.ProviderInfo().Dialect)

	_, err = provider.RepositoryFor(&struct {
		Stamp string `gentime:"creation"`
	}{})
	assert.True(t, IsInvalidConfiguration(err))
	require.NoError(t, provider.Close())

	_, err = NewProvider("mock-default", Config{Driver: "oracle"})
	assert.True(t, IsUnsupported(err))

	_, err = NewProvider("missing", Config{})
	assert.True(t, IsNotFound(err))
}

func TestEntityType(t *testing.T) {
	type entity struct{}
	var pp **entity
	assert.Equal(t, reflect.TypeOf(entity{}), EntityType(entity{}))
	assert.Equal(t, reflect.TypeOf(entity{}), EntityType(&entity{}))
	assert.Equal(t, reflect.TypeOf(entity{}), EntityType(pp))
	assert.Nil(t, EntityType(nil))
}

// migrating providers are discovered with a type assertion
type migratingProvider struct {
	mockProvider
	migrated []reflect.Type
}

func (m *migratingProvider) Migrate(ctx context.Context, entities ...interface{}) error {
	for _, e := range entities {
		m.migrated = append(m.migrated, EntityType(e))
	}
	return nil
}

func TestMigratorInterface(t *testing.T) {
	var provider Provider = &migratingProvider{}
	migrator, ok := provider.(Migrator)
	require.True(t, ok)
	require.NoError(t, migrator.Migrate(context.Background(), (*Ticket)(nil)))
	assert.Equal(t, []reflect.Type{reflect.TypeOf(Ticket{})}, provider.(*migratingProvider).migrated)

	_, ok = Provider(&mockProvider{}).(Migrator)
	assert.False(t, ok)
}
