package gateway

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker is rejecting calls to a
// provider that has been failing. Callers should treat it as a transient
// dependency error, not a permanent one.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig controls when a provider breaker trips and recovers.
type BreakerConfig struct {
	MaxFailures     uint32        // consecutive failures before opening
	Timeout         time.Duration // how long to stay open before half-open
	MaxHalfOpenReqs uint32        // probe requests allowed while half-open
}

// DefaultBreakerConfig returns settings suitable for a local or nearby
// model server.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:     5,
		Timeout:         30 * time.Second,
		MaxHalfOpenReqs: 2,
	}
}

// Breaker wraps gobreaker with logging and simple counters.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker
	name string

	mu          sync.RWMutex
	totalCalls  uint64
	totalErrors uint64
	lastError   error
	lastChange  time.Time
}

// NewBreaker creates a circuit breaker for a named provider.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	b := &Breaker{name: name, lastChange: time.Now()}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxHalfOpenReqs,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			b.lastChange = time.Now()
			b.mu.Unlock()
			log.Printf("gateway: breaker %q %s -> %s", name, from, to)
		},
	})

	return b
}

// Execute runs fn through the breaker. When the breaker is open the call
// is rejected immediately with ErrCircuitOpen.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	b.mu.Lock()
	b.totalCalls++
	b.mu.Unlock()

	result, err := b.cb.Execute(fn)
	if err != nil {
		b.mu.Lock()
		b.totalErrors++
		b.lastError = err
		b.mu.Unlock()

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%s: %w", b.name, ErrCircuitOpen)
		}
		return nil, err
	}
	return result, nil
}

// State returns the current breaker state as a string.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Stats reports call counters for diagnostics.
func (b *Breaker) Stats() (calls, errs uint64, state string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totalCalls, b.totalErrors, b.cb.State().String()
}
