package gentime

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultInstance is the instance name used when none is given
const DefaultInstance = "default"

var (
	instancesOnce sync.Once
	instances     *Instances
)

// Instances holds open providers by instance name, e.g. "primary" and
// "reporting", so an application can reach them without passing them around.
type Instances struct {
	mutex     sync.RWMutex
	providers map[string]Provider
}

// NewInstances creates an empty instance set
func NewInstances() *Instances {
	return &Instances{providers: make(map[string]Provider)}
}

// DefaultInstances returns the process wide instance set
func DefaultInstances() *Instances {
	instancesOnce.Do(func() {
		instances = NewInstances()
	})
	return instances
}

// Connect creates a provider with the named factory and adds it as
// instanceName. An existing instance with that name is an ErrorTypeDuplicate.
func (r *Instances) Connect(instanceName, factoryName string, config Config) (Provider, error) {
	r.mutex.RLock()
	_, exists := r.providers[instanceName]
	r.mutex.RUnlock()
	if exists {
		return nil, NewError(ErrorTypeDuplicate, fmt.Sprintf("instance %q already exists", instanceName))
	}

	provider, err := NewProvider(factoryName, config)
	if err != nil {
		return nil, err
	}
	if err := r.Add(instanceName, provider); err != nil {
		provider.Close()
		return nil, err
	}
	return provider, nil
}

// Add stores provider under instanceName
func (r *Instances) Add(instanceName string, provider Provider) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.providers[instanceName]; exists {
		return NewError(ErrorTypeDuplicate, fmt.Sprintf("instance %q already exists", instanceName))
	}
	r.providers[instanceName] = provider
	return nil
}

// Get retrieves a provider by instance name, DefaultInstance if omitted
func (r *Instances) Get(instanceName ...string) (Provider, error) {
	name := DefaultInstance
	if len(instanceName) > 0 {
		name = instanceName[0]
	}

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, NewError(ErrorTypeNotFound, fmt.Sprintf("instance %q not found", name))
	}
	return provider, nil
}

// MustGet is like Get but panics if the instance does not exist
func (r *Instances) MustGet(instanceName ...string) Provider {
	provider, err := r.Get(instanceName...)
	if err != nil {
		panic(err)
	}
	return provider
}

// Names returns the instance names in sorted order
func (r *Instances) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove closes and removes an instance
func (r *Instances) Remove(instanceName string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	provider, exists := r.providers[instanceName]
	if !exists {
		return NewError(ErrorTypeNotFound, fmt.Sprintf("instance %q not found", instanceName))
	}
	delete(r.providers, instanceName)

	if err := provider.Close(); err != nil {
		return NewErrorWithCause(ErrorTypeConnection, fmt.Sprintf("error closing instance %q", instanceName), err)
	}
	return nil
}

// CloseAll closes and removes every instance. Close errors are joined.
func (r *Instances) CloseAll() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var errs []error
	for name, provider := range r.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", name, err))
		}
	}
	r.providers = make(map[string]Provider)
	return errors.Join(errs...)
}

// HealthCheck checks the health of every instance
func (r *Instances) HealthCheck() map[string]error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]error, len(r.providers))
	for name, provider := range r.providers {
		results[name] = provider.Health()
	}
	return results
}

// InstanceOf returns the named instance as the concrete provider type T,
// e.g. *gentimegorm.Provider to reach the underlying *gorm.DB.
func InstanceOf[T Provider](r *Instances, instanceName ...string) (T, error) {
	var zero T
	provider, err := r.Get(instanceName...)
	if err != nil {
		return zero, err
	}
	typed, ok := provider.(T)
	if !ok {
		return zero, NewError(ErrorTypeInvalidArgument,
			fmt.Sprintf("instance is a %T, not a %T", provider, zero))
	}
	return typed, nil
}
