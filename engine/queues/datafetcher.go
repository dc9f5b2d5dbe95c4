package queues

import (
	"context"
	"encoding/json"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/task"
)

// DataFetcher queue task types.
const (
	TypeFetchNews         = "fetch_news"
	TypeFetchEarnings     = "fetch_earnings"
	TypeFetchFundamentals = "fetch_fundamentals"
	TypeFetchOptionChain  = "fetch_option_chain"
)

// FetchPayload selects what to pull. Symbol is required for everything except
// broad news sweeps.
type FetchPayload struct {
	Symbol  string            `json:"symbol,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

func decodeFetch(payload json.RawMessage, symbolRequired bool) (FetchPayload, error) {
	var p FetchPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return p, task.ValidationErr(task.CodeBadPayload, "fetch payload: %v", err)
		}
	}
	if symbolRequired && p.Symbol == "" {
		return p, task.ValidationErr(task.CodeBadPayload, "symbol is required")
	}
	return p, nil
}

func (p FetchPayload) filters() map[string]string {
	f := make(map[string]string, len(p.Filters)+1)
	for k, v := range p.Filters {
		f[k] = v
	}
	if p.Symbol != "" {
		f["symbol"] = p.Symbol
	}
	return f
}

type fetchHandler struct{}

func (fetchHandler) Queue() task.Queue  { return task.QueueDataFetcher }
func (fetchHandler) APIs() []string     { return []string{APIMarketData} }
func (fetchHandler) Dependency() string { return APIMarketData }

// fetch pulls one topic and re-publishes it as a domain event so downstream
// analysis can trigger off fresh data.
func fetch(ctx context.Context, t *task.Task, svc *Services, topic string, event bus.EventType, symbolRequired bool) (json.RawMessage, error) {
	p, err := decodeFetch(t.Payload, symbolRequired)
	if err != nil {
		return nil, err
	}
	data, err := svc.MarketData.Fetch(ctx, topic, p.filters())
	if err != nil {
		return nil, err
	}
	if event != "" {
		svc.Bus.PublishType(event, "data_fetcher", t.CorrelationID, map[string]any{
			"task_id": t.ID,
			"symbol":  p.Symbol,
			"topic":   topic,
		})
	}
	return data, nil
}

// FetchNews pulls recent market or symbol news.
type FetchNews struct{ fetchHandler }

func (FetchNews) Type() string { return TypeFetchNews }

func (FetchNews) Validate(payload json.RawMessage) error {
	_, err := decodeFetch(payload, false)
	return err
}

func (FetchNews) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	return fetch(ctx, t, svc, "news", bus.NewsIngested, false)
}

// FetchEarnings pulls an earnings calendar or a symbol's latest results.
type FetchEarnings struct{ fetchHandler }

func (FetchEarnings) Type() string { return TypeFetchEarnings }

func (FetchEarnings) Validate(payload json.RawMessage) error {
	_, err := decodeFetch(payload, false)
	return err
}

func (FetchEarnings) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	return fetch(ctx, t, svc, "earnings", bus.EarningsIngested, false)
}

// FetchFundamentals pulls a symbol's fundamentals snapshot.
type FetchFundamentals struct{ fetchHandler }

func (FetchFundamentals) Type() string { return TypeFetchFundamentals }

func (FetchFundamentals) Validate(payload json.RawMessage) error {
	_, err := decodeFetch(payload, true)
	return err
}

func (FetchFundamentals) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	return fetch(ctx, t, svc, "fundamentals", "", true)
}

// FetchOptionChain pulls the option chain for a symbol.
type FetchOptionChain struct{ fetchHandler }

func (FetchOptionChain) Type() string { return TypeFetchOptionChain }

func (FetchOptionChain) Validate(payload json.RawMessage) error {
	_, err := decodeFetch(payload, true)
	return err
}

func (FetchOptionChain) Handle(ctx context.Context, t *task.Task, svc *Services) (json.RawMessage, error) {
	return fetch(ctx, t, svc, "option_chain", "", true)
}
