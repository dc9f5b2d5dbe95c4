package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/TradeForge/engine/sched"
	"github.com/itskum47/TradeForge/engine/store"
	"github.com/itskum47/TradeForge/engine/task"
	"github.com/itskum47/TradeForge/engine/workflow"
)

// routes builds the control API consumed by the web layer.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /debug/snapshot", a.handleSnapshot)

	mux.HandleFunc("POST /tasks", a.handleSubmitTask)
	mux.HandleFunc("GET /tasks/{id}", a.handleGetTask)
	mux.HandleFunc("GET /tasks/{id}/events", a.handleTaskEvents)
	mux.HandleFunc("POST /tasks/{id}/cancel", a.handleCancelTask)

	mux.HandleFunc("GET /queues", a.handleQueueStatus)
	mux.HandleFunc("GET /queues/{queue}/history", a.handleQueueHistory)
	mux.HandleFunc("PUT /queues/{queue}/config", a.handleUpdateQueue)
	mux.HandleFunc("POST /queues/{queue}/pause", a.handlePauseQueue)
	mux.HandleFunc("POST /queues/{queue}/resume", a.handleResumeQueue)
	mux.HandleFunc("POST /queues/{queue}/clear-completed", a.handleClearCompleted)

	mux.HandleFunc("POST /workflows", a.handleRunWorkflow)
	mux.HandleFunc("GET /workflows", a.handleListWorkflows)
	mux.HandleFunc("GET /workflows/{id}", a.handleGetWorkflow)
	mux.HandleFunc("POST /workflows/{id}/cancel", a.handleCancelWorkflow)

	mux.HandleFunc("POST /emergency-stop", a.handleEmergencyStop)
	mux.HandleFunc("GET /ws", a.hub.handleWS)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	var te *task.Error
	switch {
	case errors.As(err, &te) && te.Kind == task.KindValidation:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": te.Message, "code": te.Code,
		})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, store.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already exists"})
	case errors.Is(err, sched.ErrAdmissionStopped):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "admission stopped"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]any{
		"breakers": a.engine.Breakers().States(),
		"queues":   map[string]any{},
	}
	qmap := snapshot["queues"].(map[string]any)
	for _, q := range task.Queues() {
		counts, err := a.store.CountByState(r.Context(), q)
		if err != nil {
			writeErr(w, err)
			return
		}
		qmap[string(q)] = map[string]any{
			"paused":    a.engine.Paused(q),
			"in_flight": a.engine.InFlight(q),
			"counts":    counts,
		}
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type submitTaskRequest struct {
	ID           string          `json:"id,omitempty"`
	Queue        string          `json:"queue"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	MaxRetries   int             `json:"max_retries,omitempty"`
	TimeoutMS    int64           `json:"timeout_ms,omitempty"`
}

func (a *App) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}
	t := &task.Task{
		ID:           req.ID,
		Queue:        task.Queue(req.Queue),
		Type:         req.Type,
		Payload:      req.Payload,
		Priority:     req.Priority,
		Dependencies: req.Dependencies,
		MaxRetries:   req.MaxRetries,
		Timeout:      time.Duration(req.TimeoutMS) * time.Millisecond,
	}
	if err := a.engine.Submit(r.Context(), t); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": t.ID, "state": string(t.State)})
}

func (a *App) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *App) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	t, err := a.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	events, err := a.store.EventsByCorrelation(r.Context(), t.CorrelationID, 500)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *App) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "user_requested"
	}
	if err := a.engine.Cancel(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (a *App) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any, 3)
	for _, q := range task.Queues() {
		counts, err := a.store.CountByState(r.Context(), q)
		if err != nil {
			writeErr(w, err)
			return
		}
		oldest, ok, err := a.store.OldestNonTerminal(r.Context(), q)
		if err != nil {
			writeErr(w, err)
			return
		}
		status := map[string]any{
			"paused":    a.engine.Paused(q),
			"in_flight": a.engine.InFlight(q),
			"counts":    counts,
		}
		if ok {
			status["oldest_age_seconds"] = time.Since(oldest).Seconds()
		}
		out[string(q)] = status
	}
	writeJSON(w, http.StatusOK, out)
}

func parseQueue(r *http.Request) (task.Queue, bool) {
	q := task.Queue(strings.TrimSpace(r.PathValue("queue")))
	return q, q.Valid()
}

func (a *App) handleQueueHistory(w http.ResponseWriter, r *http.Request) {
	q, ok := parseQueue(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown queue"})
		return
	}
	tasks, err := a.store.History(r.Context(), q, 100)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type queueConfigRequest struct {
	Enabled           *bool  `json:"enabled,omitempty"`
	MaxConcurrent     *int   `json:"max_concurrent,omitempty"`
	MaxRetries        *int   `json:"max_retries,omitempty"`
	DefaultTimeoutMS  *int64 `json:"default_timeout_ms,omitempty"`
	BreakerThreshold  *int   `json:"breaker_threshold,omitempty"`
	BreakerWindowMS   *int64 `json:"breaker_window_ms,omitempty"`
	BreakerCooldownMS *int64 `json:"breaker_cooldown_ms,omitempty"`
}

func durationMS(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}

func (a *App) handleUpdateQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := parseQueue(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown queue"})
		return
	}
	var req queueConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}
	update := sched.QueueUpdate{
		Enabled:          req.Enabled,
		MaxConcurrent:    req.MaxConcurrent,
		MaxRetries:       req.MaxRetries,
		DefaultTimeout:   durationMS(req.DefaultTimeoutMS),
		BreakerThreshold: req.BreakerThreshold,
		BreakerWindow:    durationMS(req.BreakerWindowMS),
		BreakerCooldown:  durationMS(req.BreakerCooldownMS),
	}
	if err := a.engine.UpdateQueue(q, update); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (a *App) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := parseQueue(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown queue"})
		return
	}
	a.engine.Pause(q)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (a *App) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := parseQueue(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown queue"})
		return
	}
	a.engine.Resume(q)
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (a *App) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	q, ok := parseQueue(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown queue"})
		return
	}
	n, err := a.store.ClearCompleted(r.Context(), q)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (a *App) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}
	id, err := a.orch.Run(r.Context(), def)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (a *App) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.ListWorkflows(r.Context(), 100)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *App) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	row, err := a.store.GetWorkflow(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	tasks, err := a.store.LoadByWorkflow(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow": row, "tasks": tasks})
}

func (a *App) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (a *App) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator"
	}
	if err := a.engine.EmergencyStop(r.Context(), body.Reason); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
