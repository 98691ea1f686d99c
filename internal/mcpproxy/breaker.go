package mcpproxy

import (
	"sync"
	"time"

	"github.com/rendis/stepgate/pkg/schema"
)

// CircuitState represents the state of a server's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the per-server circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transport failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a test call is let through.
	Cooldown time.Duration
	// HalfOpenMax is the number of test calls allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig opens after 3 failures for 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuit struct {
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// breakers tracks one circuit per downstream server, so a dead server fails
// fast instead of costing every caller a dial and a handshake timeout.
type breakers struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	config   BreakerConfig
	now      func() time.Time
}

func newBreakers(config BreakerConfig) *breakers {
	return &breakers{
		circuits: make(map[string]*circuit),
		config:   config,
		now:      time.Now,
	}
}

// allow returns nil when a call to server may proceed, or an
// ACTION_UNAVAILABLE error while the circuit is open.
func (b *breakers) allow(server string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(server)

	switch c.state {
	case CircuitOpen:
		elapsed := b.now().Sub(c.lastFailure)
		if elapsed >= b.config.Cooldown {
			c.state = CircuitHalfOpen
			c.halfOpenAttempts = 1 // this call is the first test call
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeActionUnavailable,
			"mcp server %q is unavailable after %d consecutive failures", server, c.failures).
			WithDetails(map[string]any{
				"server":             server,
				"state":              c.state.String(),
				"cooldown_remaining": (b.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if c.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeActionUnavailable,
				"mcp server %q is recovering, retry shortly", server).
				WithDetails(map[string]any{"server": server, "state": c.state.String()})
		}
		c.halfOpenAttempts++
	}
	return nil
}

func (b *breakers) success(server string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(server)
	c.failures = 0
	c.halfOpenAttempts = 0
	c.state = CircuitClosed
}

// failure records a transport failure and returns the new state.
func (b *breakers) failure(server string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(server)
	c.failures++
	c.lastFailure = b.now()

	if c.state == CircuitHalfOpen || c.failures >= b.config.FailureThreshold {
		c.state = CircuitOpen
	}
	return c.state
}

func (b *breakers) state(server string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(server).state
}

// get returns the server's circuit. Callers hold b.mu.
func (b *breakers) get(server string) *circuit {
	c, ok := b.circuits[server]
	if !ok {
		c = &circuit{}
		b.circuits[server] = c
	}
	return c
}
