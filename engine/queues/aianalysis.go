package queues

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/task"
)

// AIAnalysis queue task types.
const (
	TypeMorningPrep            = "morning_prep"
	TypeEveningReview          = "evening_review"
	TypeGenerateRecommendation = "generate_recommendation"
	TypeEvaluateStrategy       = "evaluate_strategy"
	TypeAnalyzeEarnings        = "analyze_earnings"
)

type analysisHandler struct{}

func (analysisHandler) Queue() task.Queue  { return task.QueueAIAnalysis }
func (analysisHandler) APIs() []string     { return []string{APILLM} }
func (analysisHandler) Dependency() string { return APILLM }

// AnalysisPayload drives the LLM handlers. Context carries upstream task
// results (news, earnings, portfolio snapshots) inlined by the orchestrator.
type AnalysisPayload struct {
	Symbol  string          `json:"symbol,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
	Options LLMOptions      `json:"options,omitempty"`
}

func decodeAnalysis(payload json.RawMessage, symbolRequired bool) (AnalysisPayload, error) {
	var p AnalysisPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return p, task.ValidationErr(task.CodeBadPayload, "analysis payload: %v", err)
		}
	}
	if symbolRequired && p.Symbol == "" {
		return p, task.ValidationErr(task.CodeBadPayload, "symbol is required")
	}
	return p, nil
}

// analyze runs one prompt and wraps the completion with token accounting.
func analyze(ctx context.Context, svc *Services, prompt string, p AnalysisPayload) (json.RawMessage, error) {
	if len(p.Context) > 0 {
		prompt = prompt + "\n\nContext:\n" + string(p.Context)
	}
	res, err := svc.LLM.Analyze(ctx, prompt, p.Options)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(map[string]any{
		"analysis":      res.Text,
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
	})
	if err != nil {
		return nil, task.Errf(task.KindFatal, "encode analysis: %v", err)
	}
	return out, nil
}

// MorningPrep produces the pre-market briefing.
type MorningPrep struct{ analysisHandler }

func (MorningPrep) Type() string { return TypeMorningPrep }

func (MorningPrep) Validate(payload json.RawMessage) error {
	_, err := decodeAnalysis(payload, false)
	return err
}

func (MorningPrep) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	p, err := decodeAnalysis(t.Payload, false)
	if err != nil {
		return nil, err
	}
	return analyze(ctx, svc,
		"Prepare a pre-market briefing: overnight news, earnings due today, open positions at risk, and a watchlist.",
		p)
}

// EveningReview produces the post-market day summary.
type EveningReview struct{ analysisHandler }

func (EveningReview) Type() string { return TypeEveningReview }

func (EveningReview) Validate(payload json.RawMessage) error {
	_, err := decodeAnalysis(payload, false)
	return err
}

func (EveningReview) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	p, err := decodeAnalysis(t.Payload, false)
	if err != nil {
		return nil, err
	}
	return analyze(ctx, svc,
		"Review today's trading session: P&L drivers, positions to revisit, and notable market moves.",
		p)
}

// GenerateRecommendation produces a buy/hold/sell call for one symbol and
// publishes RecommendationProduced.
type GenerateRecommendation struct{ analysisHandler }

func (GenerateRecommendation) Type() string { return TypeGenerateRecommendation }

func (GenerateRecommendation) Validate(payload json.RawMessage) error {
	_, err := decodeAnalysis(payload, true)
	return err
}

func (GenerateRecommendation) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	p, err := decodeAnalysis(t.Payload, true)
	if err != nil {
		return nil, err
	}
	return runOnce(ctx, svc, t.ID, func() (json.RawMessage, error) {
		out, err := analyze(ctx, svc,
			fmt.Sprintf("Produce a trading recommendation for %s: action (buy/hold/sell), conviction, entry, stop, and rationale.", p.Symbol),
			p)
		if err != nil {
			return nil, err
		}
		svc.Bus.PublishType(bus.RecommendationProduced, "ai_analysis", t.CorrelationID, map[string]any{
			"task_id": t.ID,
			"symbol":  p.Symbol,
		})
		return out, nil
	})
}

// EvaluateStrategy scores a strategy definition against recent performance.
type EvaluateStrategy struct{ analysisHandler }

func (EvaluateStrategy) Type() string { return TypeEvaluateStrategy }

func (EvaluateStrategy) Validate(payload json.RawMessage) error {
	_, err := decodeAnalysis(payload, false)
	return err
}

func (EvaluateStrategy) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	p, err := decodeAnalysis(t.Payload, false)
	if err != nil {
		return nil, err
	}
	return analyze(ctx, svc,
		"Evaluate the given trading strategy against the supplied performance data: strengths, weaknesses, and parameter changes to test.",
		p)
}

// AnalyzeEarnings digests an earnings release for one symbol.
type AnalyzeEarnings struct{ analysisHandler }

func (AnalyzeEarnings) Type() string { return TypeAnalyzeEarnings }

func (AnalyzeEarnings) Validate(payload json.RawMessage) error {
	_, err := decodeAnalysis(payload, true)
	return err
}

func (AnalyzeEarnings) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	p, err := decodeAnalysis(t.Payload, true)
	if err != nil {
		return nil, err
	}
	return analyze(ctx, svc,
		fmt.Sprintf("Analyze the latest earnings for %s: surprises versus estimates, guidance changes, and likely price impact.", p.Symbol),
		p)
}
