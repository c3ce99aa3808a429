package expressions

import (
	"context"
	"sync"
)

// Engine evaluates expressions against a JSON-like data map.
// Three implementations: CEL (thread filters), GoJQ (output projections),
// Expr (retention rules).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// compileCache memoizes compiled programs by expression text.
// Safe for concurrent use.
type compileCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newCompileCache[P any]() *compileCache[P] {
	return &compileCache[P]{progs: make(map[string]P)}
}

// get returns the cached program for key or compiles and stores it.
// Compile errors are not cached.
func (c *compileCache[P]) get(key string, compile func() (P, error)) (P, error) {
	c.mu.RLock()
	if p, ok := c.progs[key]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if p, ok := c.progs[key]; ok {
		return p, nil
	}
	p, err := compile()
	if err != nil {
		var zero P
		return zero, err
	}
	c.progs[key] = p
	return p, nil
}

func (c *compileCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}
