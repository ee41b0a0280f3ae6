// Package circuitbreaker protects the outbound delivery workers from
// hammering endpoints that are hard-down: after enough consecutive
// failures the breaker opens and deliveries short-circuit to their
// retry schedule without an HTTP call.
package circuitbreaker

import (
	"log"
	"sync"
	"time"

	"github.com/authvault/backend/internal/clock"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a breaker set. Zero values get defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before allowing a
	// probe request.
	OpenTimeout time.Duration
	// HalfOpenSuccesses is how many consecutive probe successes close
	// the breaker again.
	HalfOpenSuccesses int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 60 * time.Second
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 2
	}
	return c
}

type breaker struct {
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	probeInFlight bool
}

// Set is a registry of breakers keyed by endpoint (one per
// subscription). All methods are safe for concurrent use.
type Set struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      Config
	clock    clock.Clock
	logger   *log.Logger
}

// NewSet creates the registry.
func NewSet(cfg Config, clk clock.Clock) *Set {
	return &Set{
		breakers: make(map[string]*breaker),
		cfg:      cfg.withDefaults(),
		clock:    clk,
		logger:   log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

func (s *Set) get(key string) *breaker {
	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{state: StateClosed}
		s.breakers[key] = b
	}
	return b
}

// Allow reports whether a request to key may proceed. An open breaker
// past its timeout admits exactly one probe and moves to half-open.
func (s *Set) Allow(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(key)
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if s.clock.Now().Sub(b.openedAt) < s.cfg.OpenTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.probeInFlight = true
		s.logger.Printf("%s OPEN -> HALF_OPEN", key)
		return true
	default: // StateHalfOpen
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
}

// RecordSuccess notes a successful request to key.
func (s *Set) RecordSuccess(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(key)
	b.probeInFlight = false
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= s.cfg.HalfOpenSuccesses {
			b.state = StateClosed
			b.failures = 0
			s.logger.Printf("%s HALF_OPEN -> CLOSED", key)
		}
	}
}

// RecordFailure notes a failed request to key.
func (s *Set) RecordFailure(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.get(key)
	b.probeInFlight = false
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= s.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = s.clock.Now()
			s.logger.Printf("%s CLOSED -> OPEN after %d consecutive failures", key, b.failures)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = s.clock.Now()
		s.logger.Printf("%s HALF_OPEN -> OPEN", key)
	}
}

// State returns the current state for key.
func (s *Set) State(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(key).state
}
