package expressions

import (
	"sync"

	"github.com/rendis/stepgate/pkg/schema"
)

// DefaultCacheSize bounds the compiled programs each engine keeps.
const DefaultCacheSize = 1024

// programCache memoizes compiled programs by expression text. When full it
// evicts the oldest entry; definitions are reloaded from disk, so stale
// expressions must not pin memory forever.
type programCache[P any] struct {
	mu      sync.RWMutex
	max     int
	entries map[string]P
	order   []string
}

func newProgramCache[P any](max int) *programCache[P] {
	if max <= 0 {
		max = DefaultCacheSize
	}
	return &programCache[P]{max: max, entries: make(map[string]P)}
}

// get returns the cached program for expression, compiling it on a miss.
// Compilation runs outside the lock; a racing duplicate compile is discarded.
func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	prg, ok := c.entries[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := compile(expression)
	if err != nil {
		return prg, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.entries[expression]; ok {
		return existing, nil
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[expression] = prg
	c.order = append(c.order, expression)
	return prg, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func compileError(engine, expression string, err error) *schema.StepgateError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func evalError(engine, expression string, err error) *schema.StepgateError {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

func emptyExpression(engine string) *schema.StepgateError {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
}
