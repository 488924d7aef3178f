package job

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler is a callable a job's method reference resolves to. The queue never
// interprets method references; producers and workers agree on names out of
// band and register the implementations here.
type Handler interface {
	// Name returns the method reference this handler answers to.
	Name() string

	// Run executes the work with the job's stored invocation parameters.
	Run(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// HandlerFunc adapts a plain function into a Handler via RegisterFunc.
type HandlerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

type funcHandler struct {
	name string
	fn   HandlerFunc
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) Run(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return h.fn(ctx, args, kwargs)
}

// Registry maps method references to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register adds a handler to the registry.
func (r *Registry) Register(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	name := handler.Name()
	if name == "" {
		return fmt.Errorf("handler name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler for method '%s' already exists", name)
	}

	r.handlers[name] = handler
	r.logger.Info("Registered job handler", zap.String("method", name))

	return nil
}

// RegisterFunc registers a plain function under the given method reference.
func (r *Registry) RegisterFunc(name string, fn HandlerFunc) error {
	return r.Register(&funcHandler{name: name, fn: fn})
}

// Resolve returns the handler for a method reference.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[name]
	if !exists {
		return nil, fmt.Errorf("no handler registered for method %s", name)
	}

	return handler, nil
}

// Methods returns all registered method references.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		methods = append(methods, name)
	}

	return methods
}
