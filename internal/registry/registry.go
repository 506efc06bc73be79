// Package registry maps operation signatures to the handlers that execute
// them. A Registry is populated once at startup, before the dispatch loop
// begins consuming, and read for the life of the process.
package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// InvokeFunc executes one operation. It decodes payload according to
// contentType, resolves any collaborators through the resolver and calls the
// target method.
type InvokeFunc func(ctx context.Context, resolver Resolver, contentType string, payload []byte) error

// ErrUnsupportedContentType is returned by an InvokeFunc that has no codec
// for the envelope's content type. Retrying cannot fix it.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// Registry maps operation signatures to handlers.
// It is safe for concurrent use. Handlers are never removed.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]InvokeFunc
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]InvokeFunc),
	}
}

// Register adds a handler for signature. It returns false, leaving the
// existing handler in place, if the signature is already registered or is
// blank. A false return at startup points at a wiring bug.
func (r *Registry) Register(signature string, invoke InvokeFunc) bool {
	if strings.TrimSpace(signature) == "" || invoke == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[signature]; exists {
		return false
	}
	r.handlers[signature] = invoke
	return true
}

// Resolve returns the handler registered for signature.
func (r *Registry) Resolve(signature string) (InvokeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[signature]
	return h, ok
}

// Has reports whether a handler is registered for signature.
func (r *Registry) Has(signature string) bool {
	_, ok := r.Resolve(signature)
	return ok
}

// Signatures returns all registered signatures in sorted order.
func (r *Registry) Signatures() []string {
	r.mu.RLock()
	signatures := make([]string, 0, len(r.handlers))
	for sig := range r.handlers {
		signatures = append(signatures, sig)
	}
	r.mu.RUnlock()

	slices.Sort(signatures)
	return signatures
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
