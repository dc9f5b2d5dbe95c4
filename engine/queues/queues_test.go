package queues

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/TradeForge/engine/bus"
	"github.com/itskum47/TradeForge/engine/idempotency"
	"github.com/itskum47/TradeForge/engine/task"
)

type fakeBroker struct {
	mu            sync.Mutex
	balances      []Balance
	positions     []Position
	holdings      []Holding
	err           error
	balanceCalls  int
	positionCalls int
}

func (f *fakeBroker) PlaceOrder(context.Context, string, Order) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeBroker) GetBalances(context.Context) ([]Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	return f.balances, f.err
}

func (f *fakeBroker) GetPositions(context.Context) ([]Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positionCalls++
	return f.positions, f.err
}

func (f *fakeBroker) GetHoldings(context.Context) ([]Holding, error) {
	return f.holdings, f.err
}

type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (f *fakeLLM) Analyze(_ context.Context, prompt string, _ LLMOptions) (*LLMResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.prompts = append(f.prompts, prompt)
	return &LLMResult{Text: "ok", InputTokens: 12, OutputTokens: 34}, nil
}

type fakeMarketData struct {
	mu      sync.Mutex
	topic   string
	filters map[string]string
	err     error
}

func (f *fakeMarketData) Fetch(_ context.Context, topic string, filters map[string]string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.topic = topic
	f.filters = filters
	return json.RawMessage(`{"items":[]}`), nil
}

// eventRecorder collects bus deliveries for assertions; the bus delivers
// asynchronously, so readers poll via require.Eventually.
type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) record(ev bus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) snapshot() []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Event(nil), r.events...)
}

type handlerEnv struct {
	broker *fakeBroker
	llm    *fakeLLM
	market *fakeMarketData
	bus    *bus.Bus
	rec    *eventRecorder
	svc    *Services
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	env := &handlerEnv{
		broker: &fakeBroker{},
		llm:    &fakeLLM{},
		market: &fakeMarketData{},
		bus:    bus.New(zerolog.Nop()),
		rec:    &eventRecorder{},
	}
	t.Cleanup(env.bus.Close)
	env.bus.Subscribe("test", nil, env.rec.record)
	env.svc = &Services{
		Broker:      env.broker,
		LLM:         env.llm,
		MarketData:  env.market,
		Idempotency: idempotency.NewLocalStore(),
		Bus:         env.bus,
		Log:         zerolog.Nop(),
	}
	return env
}

func (e *handlerEnv) waitFor(t *testing.T, typ bus.EventType) bus.Event {
	t.Helper()
	var found bus.Event
	require.Eventually(t, func() bool {
		for _, ev := range e.rec.snapshot() {
			if ev.Type == typ {
				found = ev
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "no %s event delivered", typ)
	return found
}

func newQueueTask(id string, q task.Queue, typ string, payload json.RawMessage) *task.Task {
	return &task.Task{ID: id, Queue: q, Type: typ, Payload: payload, CorrelationID: "corr-" + id}
}

func TestRunOnceExecutesOncePerKey(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	calls := 0
	fn := func() (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"n":1}`), nil
	}

	first, err := runOnce(ctx, env.svc, "task-1", fn)
	require.NoError(t, err)
	second, err := runOnce(ctx, env.svc, "task-1", fn)
	require.NoError(t, err)

	require.Equal(t, 1, calls, "the second invocation replays the recorded result")
	require.Equal(t, first, second)
}

func TestRunOnceRetriesAfterFailure(t *testing.T) {
	env := newHandlerEnv(t)
	ctx := context.Background()

	calls := 0
	_, err := runOnce(ctx, env.svc, "task-1", func() (json.RawMessage, error) {
		calls++
		return nil, task.Errf(task.KindTransient, "upstream down")
	})
	require.Error(t, err)

	// The failed attempt released its claim, so the retry runs again.
	out, err := runOnce(ctx, env.svc, "task-1", func() (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"n":2}`), nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.JSONEq(t, `{"n":2}`, string(out))
}

func TestSyncBalancesPublishesSnapshot(t *testing.T) {
	env := newHandlerEnv(t)
	env.broker.balances = []Balance{
		{Account: "primary", Currency: "INR", Cash: 250_000, Available: 180_000},
	}

	tk := newQueueTask("t1", task.QueuePortfolioSync, TypeSyncBalances, nil)
	out, err := (SyncBalances{}).Handle(context.Background(), tk, env.svc)
	require.NoError(t, err)

	var result struct {
		Balances []Balance `json:"balances"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.Len(t, result.Balances, 1)
	require.Equal(t, "primary", result.Balances[0].Account)

	ev := env.waitFor(t, bus.PortfolioUpdated)
	require.Equal(t, "corr-t1", ev.CorrelationID)
	var p struct {
		Kind  string `json:"kind"`
		Count int    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	require.Equal(t, "balances", p.Kind)
	require.Equal(t, 1, p.Count)
}

func TestSyncBalancesIdempotentAcrossRetries(t *testing.T) {
	env := newHandlerEnv(t)
	env.broker.balances = []Balance{{Account: "primary"}}
	tk := newQueueTask("t1", task.QueuePortfolioSync, TypeSyncBalances, nil)

	first, err := (SyncBalances{}).Handle(context.Background(), tk, env.svc)
	require.NoError(t, err)
	second, err := (SyncBalances{}).Handle(context.Background(), tk, env.svc)
	require.NoError(t, err)

	require.Equal(t, 1, env.broker.balanceCalls, "a replayed task must not hit the broker again")
	require.Equal(t, first, second)
}

func TestComputePnLAggregates(t *testing.T) {
	env := newHandlerEnv(t)
	env.broker.positions = []Position{
		{Symbol: "INFY", Quantity: 10, AvgPrice: 100, LastPrice: 110, PnL: 50},
		{Symbol: "TCS", Quantity: -5, AvgPrice: 200, LastPrice: 190, PnL: 30},
	}

	tk := newQueueTask("t1", task.QueuePortfolioSync, TypeComputePnL, nil)
	out, err := (ComputePnL{}).Handle(context.Background(), tk, env.svc)
	require.NoError(t, err)

	var result struct {
		Total      float64            `json:"total_pnl"`
		Unrealized float64            `json:"unrealized_pnl"`
		PerSymbol  map[string]float64 `json:"per_symbol"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.InDelta(t, 80, result.Total, 1e-9)
	// (110-100)*10 + (190-200)*-5
	require.InDelta(t, 150, result.Unrealized, 1e-9)
	require.InDelta(t, 100, result.PerSymbol["INFY"], 1e-9)
	require.InDelta(t, 50, result.PerSymbol["TCS"], 1e-9)
}

func TestValidateRiskLimitsBreaches(t *testing.T) {
	env := newHandlerEnv(t)
	env.broker.positions = []Position{
		{Symbol: "INFY", Quantity: 100, LastPrice: 1500, PnL: -40_000}, // 150k position
		{Symbol: "TCS", Quantity: 50, LastPrice: 3000, PnL: 10_000},    // 150k position
	}

	payload := json.RawMessage(`{"max_position_value":120000,"max_total_exposure":250000,"max_loss_percent":10}`)
	tk := newQueueTask("t1", task.QueuePortfolioSync, TypeValidateRiskLimits, payload)
	out, err := (ValidateRiskLimits{}).Handle(context.Background(), tk, env.svc)
	require.NoError(t, err)

	var result struct {
		Exposure float64  `json:"exposure"`
		Breaches []string `json:"breaches"`
		OK       bool     `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.False(t, result.OK)
	require.InDelta(t, 300_000, result.Exposure, 1e-9)
	// Both positions exceed the per-position limit, total exposure exceeds the
	// cap, and 40k loss on 300k exposure is over 10%.
	require.ElementsMatch(t, []string{
		"position_value:INFY", "position_value:TCS", "total_exposure", "loss_percent",
	}, result.Breaches)

	ev := env.waitFor(t, bus.AlertRaised)
	var alert bus.AlertPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &alert))
	require.Equal(t, bus.SeverityCritical, alert.Severity)
	require.Equal(t, "risk_limit_breach", alert.Name)
}

func TestValidateRiskLimitsCleanPass(t *testing.T) {
	env := newHandlerEnv(t)
	env.broker.positions = []Position{
		{Symbol: "INFY", Quantity: 10, LastPrice: 1500, PnL: 2000},
	}

	tk := newQueueTask("t1", task.QueuePortfolioSync, TypeValidateRiskLimits, nil)
	out, err := (ValidateRiskLimits{}).Handle(context.Background(), tk, env.svc)
	require.NoError(t, err)

	var result struct {
		Breaches []string `json:"breaches"`
		OK       bool     `json:"ok"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.True(t, result.OK)
	require.Empty(t, result.Breaches)

	env.bus.Close()
	for _, ev := range env.rec.snapshot() {
		require.NotEqual(t, bus.AlertRaised, ev.Type, "a clean pass must not alert")
	}
}

func TestFetchSymbolRequirement(t *testing.T) {
	withSymbol := json.RawMessage(`{"symbol":"INFY"}`)

	cases := []struct {
		name     string
		h        Handler
		required bool
	}{
		{"news", FetchNews{}, false},
		{"earnings", FetchEarnings{}, false},
		{"fundamentals", FetchFundamentals{}, true},
		{"option chain", FetchOptionChain{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.h.Validate(withSymbol))
			err := tc.h.Validate(nil)
			if !tc.required {
				require.NoError(t, err)
				return
			}
			var terr *task.Error
			require.ErrorAs(t, err, &terr)
			require.Equal(t, task.KindValidation, terr.Kind)
			require.Equal(t, task.CodeBadPayload, terr.Code)
		})
	}
}

func TestFetchMergesSymbolIntoFilters(t *testing.T) {
	env := newHandlerEnv(t)

	payload := json.RawMessage(`{"symbol":"INFY","filters":{"since":"24h"}}`)
	tk := newQueueTask("t1", task.QueueDataFetcher, TypeFetchNews, payload)
	out, err := (FetchNews{}).Handle(context.Background(), tk, env.svc)
	require.NoError(t, err)
	require.JSONEq(t, `{"items":[]}`, string(out))

	require.Equal(t, "news", env.market.topic)
	require.Equal(t, map[string]string{"symbol": "INFY", "since": "24h"}, env.market.filters)

	ev := env.waitFor(t, bus.NewsIngested)
	var p struct {
		Symbol string `json:"symbol"`
		Topic  string `json:"topic"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	require.Equal(t, "INFY", p.Symbol)
	require.Equal(t, "news", p.Topic)
}

func TestFetchFundamentalsEmitsNoEvent(t *testing.T) {
	env := newHandlerEnv(t)

	tk := newQueueTask("t1", task.QueueDataFetcher, TypeFetchFundamentals, json.RawMessage(`{"symbol":"INFY"}`))
	_, err := (FetchFundamentals{}).Handle(context.Background(), tk, env.svc)
	require.NoError(t, err)
	require.Equal(t, "fundamentals", env.market.topic)

	env.bus.Close()
	require.Empty(t, env.rec.snapshot(), "fundamentals are pull-only")
}

func TestAnalysisWrapsCompletion(t *testing.T) {
	env := newHandlerEnv(t)

	payload := json.RawMessage(`{"context":{"positions":3}}`)
	tk := newQueueTask("t1", task.QueueAIAnalysis, TypeMorningPrep, payload)
	out, err := (MorningPrep{}).Handle(context.Background(), tk, env.svc)
	require.NoError(t, err)

	var result struct {
		Analysis     string `json:"analysis"`
		InputTokens  int    `json:"input_tokens"`
		OutputTokens int    `json:"output_tokens"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.Equal(t, "ok", result.Analysis)
	require.Equal(t, 12, result.InputTokens)
	require.Equal(t, 34, result.OutputTokens)

	require.Len(t, env.llm.prompts, 1)
	require.Contains(t, env.llm.prompts[0], "Context:", "task context is inlined into the prompt")
}

func TestGenerateRecommendationRequiresSymbol(t *testing.T) {
	env := newHandlerEnv(t)

	require.Error(t, (GenerateRecommendation{}).Validate(nil))

	tk := newQueueTask("t1", task.QueueAIAnalysis, TypeGenerateRecommendation, json.RawMessage(`{"symbol":"INFY"}`))
	_, err := (GenerateRecommendation{}).Handle(context.Background(), tk, env.svc)
	require.NoError(t, err)

	ev := env.waitFor(t, bus.RecommendationProduced)
	var p struct {
		Symbol string `json:"symbol"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	require.Equal(t, "INFY", p.Symbol)
}

func TestRegisterAllWiresEveryHandler(t *testing.T) {
	r := NewRegistry()
	RegisterAll(r)

	require.Len(t, r.Types(task.QueuePortfolioSync), 4)
	require.Len(t, r.Types(task.QueueDataFetcher), 4)
	require.Len(t, r.Types(task.QueueAIAnalysis), 5)

	h, ok := r.Lookup(task.QueuePortfolioSync, TypeSyncBalances)
	require.True(t, ok)
	require.Equal(t, APIBroker, h.Dependency())

	h, ok = r.Lookup(task.QueueAIAnalysis, TypeMorningPrep)
	require.True(t, ok)
	require.Equal(t, []string{APILLM}, h.APIs())

	_, ok = r.Lookup(task.QueueDataFetcher, "fetch_gossip")
	require.False(t, ok)

	require.Panics(t, func() { r.Register(&SyncBalances{}) })
}
