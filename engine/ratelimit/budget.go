// Package ratelimit enforces per-external-API call quotas with token buckets
// and round-robin key rotation.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/TradeForge/engine/observability"
)

// Outcome of an Acquire call.
type Outcome int

const (
	// Granted means a token was consumed; Decision.Key names the API key to
	// use for the call.
	Granted Outcome = iota
	// Wait means no key can serve right now; Decision.Wait is the minimum
	// delay after which a token will be available.
	Wait
	// Exhausted means the API is unknown or has no keys configured.
	Exhausted
)

// Decision is the non-blocking answer to Acquire. The caller decides whether
// to sleep or reject.
type Decision struct {
	Outcome Outcome
	Key     string
	Wait    time.Duration
}

// APIConfig configures one external API's budget.
type APIConfig struct {
	Capacity     int
	RefillPerSec float64
	Keys         []string
}

type keyBucket struct {
	key         string
	limiter     *rate.Limiter
	frozenUntil time.Time
}

type apiBudget struct {
	keys []*keyBucket
	next int // round-robin cursor
}

// Budget holds one token bucket per (api, key). A short critical section
// guards the cursor and freeze timestamps; the limiters themselves are
// internally synchronized.
type Budget struct {
	mu   sync.Mutex
	apis map[string]*apiBudget
}

// NewBudget builds a Budget from per-API configs. APIs with no keys get a
// single anonymous key so capacity still applies.
func NewBudget(configs map[string]APIConfig) *Budget {
	b := &Budget{apis: make(map[string]*apiBudget, len(configs))}
	for api, cfg := range configs {
		keys := cfg.Keys
		if len(keys) == 0 {
			keys = []string{"default"}
		}
		ab := &apiBudget{}
		for _, k := range keys {
			cap := cfg.Capacity
			if cap <= 0 {
				cap = 1
			}
			ab.keys = append(ab.keys, &keyBucket{
				key:     k,
				limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cap),
			})
		}
		b.apis[api] = ab
	}
	return b
}

// Acquire attempts to take cost tokens for api, rotating through keys from
// the round-robin cursor. Non-blocking: on failure it reports the minimum
// wait across keys.
func (b *Budget) Acquire(api string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ab, ok := b.apis[api]
	if !ok || len(ab.keys) == 0 {
		return Decision{Outcome: Exhausted}
	}

	now := time.Now()
	minWait := time.Duration(-1)

	for i := 0; i < len(ab.keys); i++ {
		kb := ab.keys[(ab.next+i)%len(ab.keys)]
		if kb.frozenUntil.After(now) {
			if w := kb.frozenUntil.Sub(now); minWait < 0 || w < minWait {
				minWait = w
			}
			continue
		}
		r := kb.limiter.ReserveN(now, cost)
		if !r.OK() {
			// cost exceeds bucket capacity; this key can never serve it
			continue
		}
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			if minWait < 0 || delay < minWait {
				minWait = delay
			}
			continue
		}
		// Token consumed. Advance the cursor past this key.
		ab.next = (ab.next + i + 1) % len(ab.keys)
		return Decision{Outcome: Granted, Key: kb.key}
	}

	if minWait < 0 {
		observability.RateBudgetExhausted.WithLabelValues(api).Inc()
		return Decision{Outcome: Exhausted}
	}
	observability.RateBudgetWaits.WithLabelValues(api).Inc()
	return Decision{Outcome: Wait, Wait: minWait}
}

// ReportResult feeds the call outcome back. A retry-after hint freezes the
// key until the hint elapses and rotates the cursor off it.
func (b *Budget) ReportResult(api, key string, success bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ab, ok := b.apis[api]
	if !ok {
		return
	}
	for i, kb := range ab.keys {
		if kb.key != key {
			continue
		}
		if !success && retryAfter > 0 {
			kb.frozenUntil = time.Now().Add(retryAfter)
			if ab.next == i {
				ab.next = (i + 1) % len(ab.keys)
			}
		}
		return
	}
}

// Known reports whether the budget tracks api at all. Handlers declaring an
// unconfigured API run unthrottled.
func (b *Budget) Known(api string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.apis[api]
	return ok
}
