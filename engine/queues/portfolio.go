package queues

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/task"
)

// Portfolio queue task types.
const (
	TypeSyncBalances       = "sync_balances"
	TypeUpdatePositions    = "update_positions"
	TypeComputePnL         = "compute_pnl"
	TypeValidateRiskLimits = "validate_risk_limits"
)

type portfolioHandler struct{}

func (portfolioHandler) Queue() task.Queue  { return task.QueuePortfolioSync }
func (portfolioHandler) APIs() []string     { return []string{APIBroker} }
func (portfolioHandler) Dependency() string { return APIBroker }

// emptyPayload accepts a missing or empty-object payload and nothing else.
func emptyPayload(payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return task.ValidationErr(task.CodeBadPayload, "payload must be a JSON object: %v", err)
	}
	return nil
}

// SyncBalances pulls account balances from the broker and publishes the
// refreshed snapshot.
type SyncBalances struct{ portfolioHandler }

func (SyncBalances) Type() string { return TypeSyncBalances }

func (SyncBalances) Validate(payload json.RawMessage) error { return emptyPayload(payload) }

func (SyncBalances) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	return runOnce(ctx, svc, t.ID, func() (json.RawMessage, error) {
		balances, err := svc.Broker.GetBalances(ctx)
		if err != nil {
			return nil, err
		}
		result, err := json.Marshal(map[string]any{"balances": balances})
		if err != nil {
			return nil, task.Errf(task.KindFatal, "encode balances: %v", err)
		}
		svc.Bus.PublishType(bus.PortfolioUpdated, "portfolio_sync", t.CorrelationID, map[string]any{
			"task_id": t.ID,
			"kind":    "balances",
			"count":   len(balances),
		})
		return result, nil
	})
}

// UpdatePositions refreshes open positions from the broker.
type UpdatePositions struct{ portfolioHandler }

func (UpdatePositions) Type() string { return TypeUpdatePositions }

func (UpdatePositions) Validate(payload json.RawMessage) error { return emptyPayload(payload) }

func (UpdatePositions) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	return runOnce(ctx, svc, t.ID, func() (json.RawMessage, error) {
		positions, err := svc.Broker.GetPositions(ctx)
		if err != nil {
			return nil, err
		}
		result, err := json.Marshal(map[string]any{"positions": positions})
		if err != nil {
			return nil, task.Errf(task.KindFatal, "encode positions: %v", err)
		}
		svc.Bus.PublishType(bus.PortfolioUpdated, "portfolio_sync", t.CorrelationID, map[string]any{
			"task_id": t.ID,
			"kind":    "positions",
			"count":   len(positions),
		})
		return result, nil
	})
}

// ComputePnL aggregates realized and unrealized P&L over current positions.
type ComputePnL struct{ portfolioHandler }

func (ComputePnL) Type() string { return TypeComputePnL }

func (ComputePnL) Validate(payload json.RawMessage) error { return emptyPayload(payload) }

func (ComputePnL) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	positions, err := svc.Broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	var total, unrealized float64
	perSymbol := make(map[string]float64, len(positions))
	for _, p := range positions {
		pnl := (p.LastPrice - p.AvgPrice) * p.Quantity
		perSymbol[p.Symbol] = pnl
		unrealized += pnl
		total += p.PnL
	}
	result, err := json.Marshal(map[string]any{
		"total_pnl":      total,
		"unrealized_pnl": unrealized,
		"per_symbol":     perSymbol,
	})
	if err != nil {
		return nil, task.Errf(task.KindFatal, "encode pnl: %v", err)
	}
	return result, nil
}

// RiskLimitsPayload bounds exposure checks. Zero values fall back to the
// defaults below.
type RiskLimitsPayload struct {
	MaxPositionValue float64 `json:"max_position_value,omitempty"`
	MaxTotalExposure float64 `json:"max_total_exposure,omitempty"`
	MaxLossPercent   float64 `json:"max_loss_percent,omitempty"`
}

const (
	defaultMaxPositionValue = 500_000
	defaultMaxTotalExposure = 2_000_000
	defaultMaxLossPercent   = 5.0
)

// ValidateRiskLimits checks current exposure against configured limits and
// raises a critical alert on breach.
type ValidateRiskLimits struct{ portfolioHandler }

func (ValidateRiskLimits) Type() string { return TypeValidateRiskLimits }

func (ValidateRiskLimits) Validate(payload json.RawMessage) error {
	if len(payload) == 0 {
		return nil
	}
	var p RiskLimitsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return task.ValidationErr(task.CodeBadPayload, "risk limits payload: %v", err)
	}
	if p.MaxPositionValue < 0 || p.MaxTotalExposure < 0 || p.MaxLossPercent < 0 {
		return task.ValidationErr(task.CodeBadPayload, "risk limits must be non-negative")
	}
	return nil
}

func (ValidateRiskLimits) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	var p RiskLimitsPayload
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return nil, task.ValidationErr(task.CodeBadPayload, "risk limits payload: %v", err)
		}
	}
	if p.MaxPositionValue <= 0 {
		p.MaxPositionValue = defaultMaxPositionValue
	}
	if p.MaxTotalExposure <= 0 {
		p.MaxTotalExposure = defaultMaxTotalExposure
	}
	if p.MaxLossPercent <= 0 {
		p.MaxLossPercent = defaultMaxLossPercent
	}

	positions, err := svc.Broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	var breaches []string
	var exposure, loss float64
	for _, pos := range positions {
		value := math.Abs(pos.LastPrice * pos.Quantity)
		exposure += value
		if pos.PnL < 0 {
			loss += -pos.PnL
		}
		if value > p.MaxPositionValue {
			breaches = append(breaches, "position_value:"+pos.Symbol)
		}
	}
	if exposure > p.MaxTotalExposure {
		breaches = append(breaches, "total_exposure")
	}
	if exposure > 0 && loss/exposure*100 > p.MaxLossPercent {
		breaches = append(breaches, "loss_percent")
	}

	if len(breaches) > 0 {
		svc.Bus.PublishType(bus.AlertRaised, "portfolio_sync", t.CorrelationID, bus.AlertPayload{
			Severity: bus.SeverityCritical,
			Name:     "risk_limit_breach",
			Detail:   "risk limits breached: " + strings.Join(breaches, ","),
			Queue:    string(t.Queue),
		})
	}
	result, err := json.Marshal(map[string]any{
		"exposure": exposure,
		"breaches": breaches,
		"ok":       len(breaches) == 0,
	})
	if err != nil {
		return nil, task.Errf(task.KindFatal, "encode risk result: %v", err)
	}
	return result, nil
}
