// Package queues holds the per-queue task handlers and the registry the
// engine dispatches through. Handlers are pure workers: they decode their
// payload, call external clients through the services bundle, and return a
// result or a structured error the engine's retry logic acts on.
package queues

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/itskum47/TradeForge/engine/task"
)

// Handler executes one task type. Implementations must be idempotent across
// retries; the task id doubles as the idempotency key for non-idempotent
// external calls.
type Handler interface {
	// Type is the task type this handler serves.
	Type() string
	// Queue is the lane the handler belongs to.
	Queue() task.Queue
	// APIs lists the external APIs the handler calls. The engine consults the
	// rate budget for each before dispatch.
	APIs() []string
	// Dependency names the circuit-breaker dependency guarding the handler's
	// upstream, or "" for handlers with no external dependency.
	Dependency() string
	// Validate checks the payload shape at admission time.
	Validate(payload json.RawMessage) error
	// Handle runs the task. ctx carries the deadline, cancellation, and
	// correlation id. A nil error with a result completes the task.
	Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error)
}

// Registry maps (queue, task type) to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[task.Queue]map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[task.Queue]map[string]Handler)}
}

// Register adds h; a duplicate (queue, type) registration is a programming
// error and panics at startup.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := h.Queue()
	if r.handlers[q] == nil {
		r.handlers[q] = make(map[string]Handler)
	}
	if _, ok := r.handlers[q][h.Type()]; ok {
		panic(fmt.Sprintf("duplicate handler %s/%s", q, h.Type()))
	}
	r.handlers[q][h.Type()] = h
}

// Lookup returns the handler for (queue, taskType).
func (r *Registry) Lookup(q task.Queue, taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[q][taskType]
	return h, ok
}

// Types returns the registered task types for a queue.
func (r *Registry) Types(q task.Queue) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers[q]))
	for t := range r.handlers[q] {
		out = append(out, t)
	}
	return out
}

// RegisterAll wires every built-in handler into r.
func RegisterAll(r *Registry) {
	for _, h := range []Handler{
		&SyncBalances{}, &UpdatePositions{}, &ComputePnL{}, &ValidateRiskLimits{},
		&FetchNews{}, &FetchEarnings{}, &FetchFundamentals{}, &FetchOptionChain{},
		&MorningPrep{}, &EveningReview{}, &GenerateRecommendation{},
		&EvaluateStrategy{}, &AnalyzeEarnings{},
	} {
		r.Register(h)
	}
}
