package queues

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/idempotency"
	"github.com/itskum47/TradeForge/engine/task"
)

// External API names as known to the rate budget.
const (
	APIBroker     = "broker"
	APIMarketData = "market_data"
	APILLM        = "llm"
)

// Balance is one account balance line from the broker.
type Balance struct {
	Account   string  `json:"account"`
	Currency  string  `json:"currency"`
	Cash      float64 `json:"cash"`
	Margin    float64 `json:"margin"`
	Available float64 `json:"available"`
}

// Position is one open position.
type Position struct {
	Symbol    string  `json:"symbol"`
	Quantity  float64 `json:"quantity"`
	AvgPrice  float64 `json:"avg_price"`
	LastPrice float64 `json:"last_price"`
	PnL       float64 `json:"pnl"`
}

// Holding is one long-term holding line.
type Holding struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgPrice float64 `json:"avg_price"`
}

// Order is a broker order request.
type Order struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // "buy" or "sell"
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price,omitempty"` // 0 means market
}

// BrokerClient is the trading upstream. Every mutating call takes a
// client-supplied idempotency key; clients return *task.Error so the engine
// can classify outcomes.
type BrokerClient interface {
	PlaceOrder(ctx context.Context, idempotencyKey string, order Order) (orderID string, err error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetHoldings(ctx context.Context) ([]Holding, error)
}

// LLMResult is one model completion plus its token accounting, which feeds
// back into the llm rate budget.
type LLMResult struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// LLMOptions tunes one Analyze call.
type LLMOptions struct {
	Model     string  `json:"model,omitempty"`
	MaxTokens int     `json:"max_tokens,omitempty"`
	Temp      float64 `json:"temp,omitempty"`
}

// LLMClient is the analysis upstream.
type LLMClient interface {
	Analyze(ctx context.Context, prompt string, opts LLMOptions) (*LLMResult, error)
}

// MarketDataClient fetches news, earnings, fundamentals, and option chains.
// Topic selects the dataset; filters narrow it.
type MarketDataClient interface {
	Fetch(ctx context.Context, topic string, filters map[string]string) (json.RawMessage, error)
}

// Services is the read-only bundle handed to every handler invocation.
// Handlers never construct clients themselves.
type Services struct {
	Broker      BrokerClient
	LLM         LLMClient
	MarketData  MarketDataClient
	Idempotency idempotency.Store
	Bus         *bus.Bus
	Log         zerolog.Logger

	// IdempotencyTTL bounds how long claims and recorded results live.
	IdempotencyTTL time.Duration
}

func (s *Services) idemTTL() time.Duration {
	if s.IdempotencyTTL > 0 {
		return s.IdempotencyTTL
	}
	return 24 * time.Hour
}

// runOnce executes fn at most once per key within the idempotency TTL. A
// repeat invocation (a retry after a success whose transition was lost, or a
// concurrent duplicate) returns the recorded result instead of re-executing.
func runOnce(ctx context.Context, svc *Services, key string, fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	if svc.Idempotency == nil {
		return fn()
	}
	claimed, err := svc.Idempotency.Claim(ctx, key, svc.idemTTL())
	if err != nil {
		return nil, task.Errf(task.KindTransient, "idempotency claim %s: %v", key, err)
	}
	if !claimed {
		if result, err := svc.Idempotency.Lookup(ctx, key); err == nil {
			return result, nil
		}
		// Claimed but no result: the earlier attempt died mid-flight. Run
		// again; the external call itself is keyed on the same task id.
		result, err := fn()
		if err == nil {
			_ = svc.Idempotency.Record(ctx, key, result, svc.idemTTL())
		}
		return result, err
	}
	result, err := fn()
	if err != nil {
		_ = svc.Idempotency.Release(ctx, key)
		return nil, err
	}
	_ = svc.Idempotency.Record(ctx, key, result, svc.idemTTL())
	return result, nil
}
