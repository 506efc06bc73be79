package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrServiceNotFound is returned when no factory is registered for a type.
var ErrServiceNotFound = errors.New("service not found")

// Resolver looks up the collaborators an operation needs.
type Resolver interface {
	// Resolve returns an instance of t.
	Resolve(t reflect.Type) (any, error)
}

// Factory creates a service instance. It may resolve its own dependencies.
type Factory func(r Resolver) (any, error)

// Services is a Resolver backed by per-type factories. Each resolution calls
// the factory again, so services are transient unless the factory returns
// a shared value. It is safe for concurrent use.
type Services struct {
	mu        sync.RWMutex
	factories map[reflect.Type]Factory
}

// NewServices creates an empty service set.
func NewServices() *Services {
	return &Services{
		factories: make(map[reflect.Type]Factory),
	}
}

// Provide registers a typed factory for T, replacing any previous one.
func Provide[T any](s *Services, factory func(r Resolver) (T, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[reflect.TypeFor[T]()] = func(r Resolver) (any, error) {
		return factory(r)
	}
}

// ProvideValue registers a shared instance of T.
func ProvideValue[T any](s *Services, value T) {
	Provide(s, func(Resolver) (T, error) { return value, nil })
}

// Resolve implements Resolver.
func (s *Services) Resolve(t reflect.Type) (any, error) {
	s.mu.RLock()
	factory, ok := s.factories[t]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, t)
	}
	return factory(s)
}

// ResolveAs resolves a service of type T.
func ResolveAs[T any](r Resolver) (T, error) {
	var zero T
	if r == nil {
		return zero, fmt.Errorf("%w: %s (no resolver)", ErrServiceNotFound, reflect.TypeFor[T]())
	}
	v, err := r.Resolve(reflect.TypeFor[T]())
	if err != nil {
		return zero, err
	}
	svc, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("service for %s has type %T", reflect.TypeFor[T](), v)
	}
	return svc, nil
}
