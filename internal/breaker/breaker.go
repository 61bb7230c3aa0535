// Package breaker implements a three-state circuit breaker guarding calls to
// the remote crawl provider.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/clock"
	"github.com/zoras/llm-codes/internal/kv"
	"github.com/zoras/llm-codes/internal/metrics"
)

// ErrOpen signals that the breaker is refusing requests.
var ErrOpen = errors.New("breaker: circuit open")

// State is the breaker's coarse health verdict.
type State string

// Breaker states.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultOpenTimeout      = 30 * time.Second
	defaultHalfOpenRequests = 3
	persistTTL              = 24 * time.Hour
	persistTimeout          = time.Second
)

// Config controls breaker thresholds. Zero values fall back to defaults.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the half-open success count that closes it again.
	SuccessThreshold int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests bounds trial traffic while half-open.
	HalfOpenRequests int
}

// persisted is the shared-tier snapshot under breaker:<name>. Instances
// sharing a durable tier converge on the same verdict through it.
type persisted struct {
	State     State      `json:"state"`
	Failures  int        `json:"failures"`
	Successes int        `json:"successes"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
}

// Breaker is safe for concurrent use from many stream goroutines.
type Breaker struct {
	name   string
	cfg    Config
	store  kv.Store
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int
	openedAt  time.Time
}

// New constructs a Breaker and loads any persisted state best-effort.
// store may be nil for a purely in-process breaker.
func New(name string, cfg Config, store kv.Store, clk clock.Clock, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaultSuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaultOpenTimeout
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = defaultHalfOpenRequests
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		store:  store,
		clock:  clk,
		logger: logger,
		state:  StateClosed,
	}
	b.load()
	b.publishState()
	return b
}

// CanRequest reports whether a guarded call may proceed. While open it flips
// to half-open once the timeout elapses and then admits a bounded number of
// trial requests.
func (b *Breaker) CanRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.trials = 1
		return true
	case StateHalfOpen:
		if b.trials >= b.cfg.HalfOpenRequests {
			return false
		}
		b.trials++
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful guarded call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed guarded call. Any failure while half-open
// re-opens the circuit immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// State returns the current state without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to closed with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// transition applies a state change and persists it. Caller holds b.mu.
func (b *Breaker) transition(next State) {
	b.state = next
	switch next {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.trials = 0
		b.openedAt = time.Time{}
	case StateOpen:
		b.successes = 0
		b.trials = 0
		b.openedAt = b.clock.Now()
	case StateHalfOpen:
		b.successes = 0
		b.trials = 0
	}
	b.logger.Info("breaker state changed",
		zap.String("name", b.name),
		zap.String("state", string(next)),
	)
	b.publishState()
	b.persist()
}

func (b *Breaker) publishState() {
	var v float64
	switch b.state {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	metrics.SetBreakerState(b.name, v)
}

func (b *Breaker) storeKey() string {
	return "breaker:" + b.name
}

// load restores persisted state; any error leaves the breaker closed.
func (b *Breaker) load() {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	raw, err := b.store.Get(ctx, b.storeKey())
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			b.logger.Warn("breaker state load failed", zap.Error(err))
		}
		return
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		b.logger.Warn("breaker state decode failed", zap.Error(err))
		return
	}
	b.state = p.State
	b.failures = p.Failures
	b.successes = p.Successes
	if p.OpenedAt != nil {
		b.openedAt = *p.OpenedAt
	}
}

// persist writes the current state best-effort. Caller holds b.mu.
func (b *Breaker) persist() {
	if b.store == nil {
		return
	}
	p := persisted{State: b.state, Failures: b.failures, Successes: b.successes}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		p.OpenedAt = &t
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := b.store.Set(ctx, b.storeKey(), raw, persistTTL); err != nil {
		b.logger.Warn("breaker state persist failed", zap.Error(err))
	}
}
