package glintfetch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler is the polymorphic protocol capability. One handler serves one
// or more URI schemes and performs the transport-specific exchange.
//
// Handlers must honor ctx deadlines: on expiry they abort in-flight I/O
// and return a timeout error, discarding any poisoned connection instead
// of returning it to the pool.
type Handler interface {
	Fetch(ctx context.Context, req *ResourceRequest) (*ResourceResponse, error)
}

// Registry maps URI schemes to handlers. Registration happens once at
// construction time; schemes are case-insensitive. Unknown or disabled
// schemes fail before any cache or pool work.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	// allow-list of enabled schemes; empty means all registered schemes
	allowed map[string]bool
}

// NewRegistry creates a registry. allowList restricts the enabled
// schemes; leave it empty to enable everything registered.
func NewRegistry(allowList []string) *Registry {
	allowed := make(map[string]bool, len(allowList))
	for _, scheme := range allowList {
		allowed[strings.ToLower(scheme)] = true
	}
	return &Registry{
		handlers: make(map[string]Handler),
		allowed:  allowed,
	}
}

// Register adds a handler for a scheme. Duplicate registration is a
// programming error and returns one.
func (r *Registry) Register(scheme string, h Handler) error {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[scheme]; exists {
		return fmt.Errorf("scheme %s already registered", scheme)
	}
	r.handlers[scheme] = h
	return nil
}

// MustRegister panics on registration failure; for wiring at startup.
func (r *Registry) MustRegister(scheme string, h Handler) {
	if err := r.Register(scheme, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler responsible for a scheme, or an
// Unsupported error for unknown or disabled schemes.
func (r *Registry) Resolve(scheme string) (Handler, error) {
	normalized := strings.ToLower(scheme)
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[normalized]
	if !ok {
		return nil, NewError(KindUnsupported, normalized, fmt.Errorf("unknown scheme %q", scheme))
	}
	if len(r.allowed) > 0 && !r.allowed[normalized] {
		return nil, NewError(KindUnsupported, normalized, fmt.Errorf("scheme %q disabled by configuration", scheme))
	}
	return h, nil
}

// Schemes returns the registered schemes, sorted, for diagnostics.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemes := make([]string, 0, len(r.handlers))
	for scheme := range r.handlers {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}
