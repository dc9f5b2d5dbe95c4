// Package breaker implements per-dependency circuit breakers with
// closed/open/half-open transitions.
package breaker

import (
	"sync"
	"time"

	"github.com/itskum47/TradeForge/engine/observability"
)

// State of a circuit.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes one dependency's breaker.
type Config struct {
	// Threshold opens the circuit on this many consecutive failures, or this
	// many failures within Window.
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Threshold: 5, Window: 60 * time.Second, Cooldown: 30 * time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// TransitionFunc observes open/close transitions. opened is true when the
// circuit opens, false when it closes.
type TransitionFunc func(dependency string, opened bool, failures int)

// Breaker guards one dependency. All transitions happen under the mutex; the
// critical sections are a few comparisons.
type Breaker struct {
	dep string
	cfg Config

	mu           sync.Mutex
	state        State
	consecutive  int
	window       []time.Time // failure timestamps inside cfg.Window
	openedAt     time.Time
	probeInUse   bool
	onTransition TransitionFunc
}

// New creates a breaker for a dependency.
func New(dependency string, cfg Config, onTransition TransitionFunc) *Breaker {
	b := &Breaker{dep: dependency, cfg: cfg.withDefaults(), onTransition: onTransition}
	observability.CircuitState.WithLabelValues(dependency).Set(0)
	return b
}

// Allow reports whether a call may proceed. When the circuit is open, wait is
// the remaining cooldown. In half-open, exactly one caller gets the probe;
// the rest are rejected with the residual cooldown.
func (b *Breaker) Allow() (ok bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case Closed:
		return true, 0
	case Open:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			return false, b.cfg.Cooldown - now.Sub(b.openedAt)
		}
		b.setState(HalfOpen)
		b.probeInUse = true
		return true, 0
	case HalfOpen:
		if b.probeInUse {
			return false, b.cfg.Cooldown
		}
		b.probeInUse = true
		return true, 0
	}
	return false, b.cfg.Cooldown
}

// RecordSuccess closes the circuit from half-open and resets the failure
// counters.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive = 0
	b.window = b.window[:0]
	if b.state == HalfOpen {
		b.probeInUse = false
		b.setState(Closed)
		if b.onTransition != nil {
			go b.onTransition(b.dep, false, 0)
		}
	}
}

// RecordFailure counts a failure; the circuit opens on the consecutive or
// windowed threshold, and a half-open probe failure re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.consecutive++
	b.window = append(b.window, now)
	b.pruneWindow(now)

	switch b.state {
	case HalfOpen:
		b.probeInUse = false
		b.open(now)
	case Closed:
		if b.consecutive >= b.cfg.Threshold || len(b.window) >= b.cfg.Threshold {
			b.open(now)
		}
	}
}

// State returns the current state, promoting Open to HalfOpen when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.Cooldown {
		b.setState(HalfOpen)
	}
	return b.state
}

// Cooldown returns the configured cooldown.
func (b *Breaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Cooldown
}

// SetConfig swaps the breaker's tuning. State and counters are preserved; the
// new thresholds apply from the next recorded outcome.
func (b *Breaker) SetConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

func (b *Breaker) open(now time.Time) {
	if b.state == Open {
		return
	}
	b.openedAt = now
	failures := b.consecutive
	b.setState(Open)
	if b.onTransition != nil {
		go b.onTransition(b.dep, true, failures)
	}
}

func (b *Breaker) setState(s State) {
	b.state = s
	observability.CircuitState.WithLabelValues(b.dep).Set(float64(s))
}

func (b *Breaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.window) && b.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

// Registry hands out one breaker per dependency, creating them lazily with a
// per-dependency config override.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	configs  map[string]Config
	onChange TransitionFunc
}

// NewRegistry creates a Registry. configs may be nil; unknown dependencies
// get DefaultConfig.
func NewRegistry(configs map[string]Config, onChange TransitionFunc) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		configs:  configs,
		onChange: onChange,
	}
}

// Get returns the breaker for dependency, creating it on first use.
func (r *Registry) Get(dependency string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[dependency]; ok {
		return b
	}
	cfg := DefaultConfig()
	if r.configs != nil {
		if c, ok := r.configs[dependency]; ok {
			cfg = c.withDefaults()
		}
	}
	b := New(dependency, cfg, r.onChange)
	r.breakers[dependency] = b
	return b
}

// Configure sets the config for a dependency and applies it to the live
// breaker when one already exists.
func (r *Registry) Configure(dependency string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.configs == nil {
		r.configs = make(map[string]Config)
	}
	r.configs[dependency] = cfg
	if b, ok := r.breakers[dependency]; ok {
		b.SetConfig(cfg)
	}
}

// States snapshots every known breaker's state.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for dep, b := range r.breakers {
		out[dep] = b.State().String()
	}
	return out
}
