package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DependencyKey identifies one lazily constructed dependency.
type DependencyKey string

// DependencyProvider constructs a dependency on first resolution.
type DependencyProvider func(ctx context.Context) (any, error)

// Context is the per-turn execution context handed to tools. Dependency
// resolution is memoized: each key is created at most once per turn.
type Context struct {
	// Now returns the current wall clock; tests may pin it.
	Now func() time.Time

	// Logger receives tool diagnostics.
	Logger *slog.Logger

	mu        sync.Mutex
	providers map[DependencyKey]DependencyProvider
	resolved  map[DependencyKey]any
}

// NewContext creates a tool context with the given dependency providers.
func NewContext(providers map[DependencyKey]DependencyProvider, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	if providers == nil {
		providers = make(map[DependencyKey]DependencyProvider)
	}
	return &Context{
		Now:       time.Now,
		Logger:    logger,
		providers: providers,
		resolved:  make(map[DependencyKey]any),
	}
}

// Resolve returns the dependency for key, constructing it on first use.
// Construction errors are not memoized; a later call retries.
func (c *Context) Resolve(ctx context.Context, key DependencyKey) (any, error) {
	c.mu.Lock()
	if v, ok := c.resolved[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	provider, ok := c.providers[key]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown dependency %q", key)
	}

	v, err := provider(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// A concurrent resolution may have won; keep the first value so the
	// at-most-once guarantee holds.
	if existing, ok := c.resolved[key]; ok {
		v = existing
	} else {
		c.resolved[key] = v
	}
	c.mu.Unlock()
	return v, nil
}
