package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/TradeForge/engine/config"
	"github.com/itskum47/TradeForge/engine/queues"
	"github.com/itskum47/TradeForge/engine/task"
)

// httpCall performs one JSON request against an upstream and maps the HTTP
// outcome onto the task error taxonomy: 429 carries retry-after, auth errors
// are fatal, 5xx is transient, other 4xx is a contract breach.
func httpCall(ctx context.Context, client *http.Client, apiKey, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return task.Errf(task.KindFatal, "encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return task.Errf(task.KindFatal, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return task.Errf(task.KindTransient, "%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 30 * time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return task.RateLimitedErr(retryAfter, "%s rate limited", url)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return task.Errf(task.KindFatal, "%s: unauthorized", url)
	case resp.StatusCode >= 500:
		return task.Errf(task.KindTransient, "%s: upstream %d", url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return task.Errf(task.KindFatal, "%s: upstream rejected request (%d)", url, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return task.Errf(task.KindTransient, "%s: decode response: %v", url, err)
	}
	return nil
}

func newHTTPClient(cfg config.ClientConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// --- broker ---

type httpBroker struct {
	cfg    config.ClientConfig
	client *http.Client
}

func newBrokerClient(cfg config.Config, log zerolog.Logger) queues.BrokerClient {
	if cfg.Clients.Broker.BaseURL == "" {
		log.Warn().Msg("no broker endpoint configured, using simulator")
		return simBroker{}
	}
	return &httpBroker{cfg: cfg.Clients.Broker, client: newHTTPClient(cfg.Clients.Broker)}
}

func (b *httpBroker) PlaceOrder(ctx context.Context, idempotencyKey string, order queues.Order) (string, error) {
	var resp struct {
		OrderID string `json:"order_id"`
	}
	req := struct {
		queues.Order
		IdempotencyKey string `json:"idempotency_key"`
	}{order, idempotencyKey}
	if err := httpCall(ctx, b.client, b.cfg.APIKey, http.MethodPost, b.cfg.BaseURL+"/orders", req, &resp); err != nil {
		return "", err
	}
	return resp.OrderID, nil
}

func (b *httpBroker) GetBalances(ctx context.Context) ([]queues.Balance, error) {
	var out []queues.Balance
	err := httpCall(ctx, b.client, b.cfg.APIKey, http.MethodGet, b.cfg.BaseURL+"/balances", nil, &out)
	return out, err
}

func (b *httpBroker) GetPositions(ctx context.Context) ([]queues.Position, error) {
	var out []queues.Position
	err := httpCall(ctx, b.client, b.cfg.APIKey, http.MethodGet, b.cfg.BaseURL+"/positions", nil, &out)
	return out, err
}

func (b *httpBroker) GetHoldings(ctx context.Context) ([]queues.Holding, error) {
	var out []queues.Holding
	err := httpCall(ctx, b.client, b.cfg.APIKey, http.MethodGet, b.cfg.BaseURL+"/holdings", nil, &out)
	return out, err
}

// simBroker serves a fixed dev portfolio.
type simBroker struct{}

func (simBroker) PlaceOrder(_ context.Context, idempotencyKey string, _ queues.Order) (string, error) {
	return "sim-" + idempotencyKey, nil
}

func (simBroker) GetBalances(context.Context) ([]queues.Balance, error) {
	return []queues.Balance{
		{Account: "sim", Currency: "INR", Cash: 250000, Margin: 0, Available: 250000},
	}, nil
}

func (simBroker) GetPositions(context.Context) ([]queues.Position, error) {
	return []queues.Position{
		{Symbol: "RELIANCE", Quantity: 10, AvgPrice: 2900, LastPrice: 2950, PnL: 500},
		{Symbol: "INFY", Quantity: 25, AvgPrice: 1500, LastPrice: 1480, PnL: -500},
	}, nil
}

func (simBroker) GetHoldings(context.Context) ([]queues.Holding, error) {
	return []queues.Holding{
		{Symbol: "HDFCBANK", Quantity: 40, AvgPrice: 1600},
	}, nil
}

// --- LLM ---

type httpLLM struct {
	cfg    config.ClientConfig
	client *http.Client
}

func newLLMClient(cfg config.Config, log zerolog.Logger) queues.LLMClient {
	if cfg.Clients.LLM.BaseURL == "" {
		log.Warn().Msg("no llm endpoint configured, using simulator")
		return simLLM{}
	}
	return &httpLLM{cfg: cfg.Clients.LLM, client: newHTTPClient(cfg.Clients.LLM)}
}

func (l *httpLLM) Analyze(ctx context.Context, prompt string, opts queues.LLMOptions) (*queues.LLMResult, error) {
	var out queues.LLMResult
	req := struct {
		Prompt string `json:"prompt"`
		queues.LLMOptions
	}{prompt, opts}
	if err := httpCall(ctx, l.client, l.cfg.APIKey, http.MethodPost, l.cfg.BaseURL+"/analyze", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type simLLM struct{}

func (simLLM) Analyze(_ context.Context, prompt string, _ queues.LLMOptions) (*queues.LLMResult, error) {
	return &queues.LLMResult{
		Text:         fmt.Sprintf("[simulated analysis for prompt of %d chars]", len(prompt)),
		InputTokens:  len(prompt) / 4,
		OutputTokens: 64,
	}, nil
}

// --- market data ---

type httpMarketData struct {
	cfg    config.ClientConfig
	client *http.Client
}

func newMarketDataClient(cfg config.Config, log zerolog.Logger) queues.MarketDataClient {
	if cfg.Clients.MarketData.BaseURL == "" {
		log.Warn().Msg("no market data endpoint configured, using simulator")
		return simMarketData{}
	}
	return &httpMarketData{cfg: cfg.Clients.MarketData, client: newHTTPClient(cfg.Clients.MarketData)}
}

func (m *httpMarketData) Fetch(ctx context.Context, topic string, filters map[string]string) (json.RawMessage, error) {
	q := url.Values{}
	for k, v := range filters {
		q.Set(k, v)
	}
	endpoint := m.cfg.BaseURL + "/" + topic
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var out json.RawMessage
	if err := httpCall(ctx, m.client, m.cfg.APIKey, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type simMarketData struct{}

func (simMarketData) Fetch(_ context.Context, topic string, filters map[string]string) (json.RawMessage, error) {
	doc := map[string]any{
		"topic":   topic,
		"filters": filters,
		"items":   []string{},
		"as_of":   time.Now().UTC().Format(time.RFC3339),
	}
	return json.Marshal(doc)
}
