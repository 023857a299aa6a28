package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradeopt/broker-client/pkg/api"
)

// fakeInvoker counts invocations per operation and serves canned
// responses.
type fakeInvoker struct {
	mu        sync.Mutex
	calls     map[api.Operation]int
	responses map[api.Operation][]byte
	errs      map[api.Operation]error

	// block, when set, delays each invocation until released.
	block chan struct{}
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		calls:     make(map[api.Operation]int),
		responses: make(map[api.Operation][]byte),
		errs:      make(map[api.Operation]error),
	}
}

func (f *fakeInvoker) Invoke(ctx context.Context, op api.Operation, params api.Params) ([]byte, error) {
	f.mu.Lock()
	f.calls[op]++
	block := f.block
	resp, err := f.responses[op], f.errs[op]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}
	return []byte(`{}`), nil
}

func (f *fakeInvoker) callCount(op api.Operation) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeInvoker) setResponse(op api.Operation, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[op] = []byte(body)
}

func (f *fakeInvoker) setError(op api.Operation, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

func testConfig() Config {
	cfg := DefaultConfig()
	// Unbucketed quote keys make cache behavior deterministic in tests.
	cfg.QuoteBucket = 0
	cfg.RateLimitCapacity = 1000
	cfg.RateLimitRefillPerSec = 1000
	return cfg
}

func newTestBroker(t *testing.T, invoker api.Invoker, cfg Config) *Broker {
	t.Helper()
	b, err := New(invoker, cfg)
	if err != nil {
		t.Fatalf("Failed to create broker: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func quotesBody(symbol string, bid, ask float64) string {
	return fmt.Sprintf(`{"quotes":{%q:{"bp":%v,"bs":100,"ap":%v,"as":200,"t":"2026-08-29T14:30:00Z"}}}`,
		symbol, bid, ask)
}

func TestGetQuote_ServedFromCacheWithinTTL(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.setResponse(api.OpGetQuotes, quotesBody("AAPL", 189.95, 190.05))
	b := newTestBroker(t, invoker, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		quote, err := b.GetQuote(ctx, "AAPL")
		if err != nil {
			t.Fatalf("GetQuote %d failed: %v", i, err)
		}
		if quote.BidPrice != 189.95 || quote.AskPrice != 190.05 {
			t.Errorf("Unexpected quote: %+v", quote)
		}
		if quote.Symbol != "AAPL" {
			t.Errorf("Expected symbol AAPL, got %q", quote.Symbol)
		}
	}

	if got := invoker.callCount(api.OpGetQuotes); got != 1 {
		t.Errorf("Expected 1 underlying call within TTL, got %d", got)
	}
}

func TestGetQuote_RefetchedAfterTTLExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.CacheTTLQuotes = 30 * time.Millisecond

	invoker := newFakeInvoker()
	invoker.setResponse(api.OpGetQuotes, quotesBody("AAPL", 189.95, 190.05))
	b := newTestBroker(t, invoker, cfg)
	ctx := context.Background()

	if _, err := b.GetQuote(ctx, "AAPL"); err != nil {
		t.Fatalf("First GetQuote failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	if _, err := b.GetQuote(ctx, "AAPL"); err != nil {
		t.Fatalf("Second GetQuote failed: %v", err)
	}

	if got := invoker.callCount(api.OpGetQuotes); got != 2 {
		t.Errorf("Expected a refetch after TTL expiry, got %d calls", got)
	}
}

func TestGetQuote_UnknownSymbol(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.setResponse(api.OpGetQuotes, `{"quotes":{}}`)
	b := newTestBroker(t, invoker, testConfig())

	_, err := b.GetQuote(context.Background(), "NOSUCH")

	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Errorf("Expected a 404 APIError for an absent symbol, got %v", err)
	}
}

func TestGetQuote_ErrorsNeverCached(t *testing.T) {
	invoker := newFakeInvoker()
	upstreamErr := &api.APIError{Op: api.OpGetQuotes, StatusCode: 500, Message: "boom"}
	invoker.setError(api.OpGetQuotes, upstreamErr)
	b := newTestBroker(t, invoker, testConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := b.GetQuote(ctx, "AAPL"); !errors.Is(err, upstreamErr) {
			t.Fatalf("Expected the upstream error verbatim, got %v", err)
		}
	}
	if got := invoker.callCount(api.OpGetQuotes); got != 2 {
		t.Errorf("Errors must not be cached, expected 2 calls, got %d", got)
	}

	// Recovery is immediate once the upstream heals.
	invoker.setError(api.OpGetQuotes, nil)
	invoker.setResponse(api.OpGetQuotes, quotesBody("AAPL", 189.95, 190.05))
	if _, err := b.GetQuote(ctx, "AAPL"); err != nil {
		t.Fatalf("Expected recovery after upstream heals, got %v", err)
	}
}

func TestGetQuotes_IndexAlignedPartialFailure(t *testing.T) {
	invoker := api.InvokerFunc(func(ctx context.Context, op api.Operation, params api.Params) ([]byte, error) {
		symbol := params.Query.Get("symbols")
		if symbol == "BAD" {
			return nil, &api.APIError{Op: op, StatusCode: 404, Message: "unknown symbol"}
		}
		return []byte(quotesBody(symbol, 99.95, 100.05)), nil
	})
	b := newTestBroker(t, invoker, testConfig())

	symbols := []string{"AAPL", "BAD", "MSFT"}
	results := b.GetQuotes(context.Background(), symbols)

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Quote.Symbol != "AAPL" {
		t.Errorf("Index 0: expected AAPL quote, got (%+v, %v)", results[0].Quote, results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("Index 1: expected the BAD symbol to fail")
	}
	if results[2].Err != nil || results[2].Quote.Symbol != "MSFT" {
		t.Errorf("Index 2: expected MSFT quote despite sibling failure, got (%+v, %v)", results[2].Quote, results[2].Err)
	}
}

func TestGetBars_CachedPerRange(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.setResponse(api.OpGetBars, `{"symbol":"AAPL","bars":[{"t":"2026-08-28T05:00:00Z","o":100,"h":102,"l":99,"c":101,"v":10000}]}`)
	b := newTestBroker(t, invoker, testConfig())
	ctx := context.Background()

	r := BarRange{Timeframe: "1D", Limit: 5}
	for i := 0; i < 3; i++ {
		series, err := b.GetBars(ctx, "AAPL", r)
		if err != nil {
			t.Fatalf("GetBars failed: %v", err)
		}
		if len(series.Bars) != 1 || series.Symbol != "AAPL" {
			t.Errorf("Unexpected series: %+v", series)
		}
	}
	if got := invoker.callCount(api.OpGetBars); got != 1 {
		t.Errorf("Expected 1 underlying call for repeated identical range, got %d", got)
	}

	// A different range is a different key.
	if _, err := b.GetBars(ctx, "AAPL", BarRange{Timeframe: "1H", Limit: 5}); err != nil {
		t.Fatalf("GetBars failed: %v", err)
	}
	if got := invoker.callCount(api.OpGetBars); got != 2 {
		t.Errorf("Expected a fresh call for a different range, got %d", got)
	}
}

func TestGetAccount_Cached(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.setResponse(api.OpGetAccount, `{"id":"acct-1","status":"ACTIVE","currency":"USD","cash":"10000.50","buying_power":"20000.00","equity":"15000.00","portfolio_value":"15000.00"}`)
	b := newTestBroker(t, invoker, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		account, err := b.GetAccount(ctx)
		if err != nil {
			t.Fatalf("GetAccount failed: %v", err)
		}
		// Monetary fields arrive as JSON strings.
		if account.Cash != 10000.50 {
			t.Errorf("Expected cash 10000.50, got %v", account.Cash)
		}
	}
	if got := invoker.callCount(api.OpGetAccount); got != 1 {
		t.Errorf("Expected 1 underlying call, got %d", got)
	}
}

func TestPlaceOrder_ConcurrentDuplicatesCoalesce(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.setResponse(api.OpPlaceOrder, `{"id":"order-1","client_order_id":"intent-1","symbol":"AAPL","status":"new","side":"buy","qty":"10"}`)
	invoker.block = make(chan struct{})
	b := newTestBroker(t, invoker, testConfig())

	order := OrderRequest{
		Symbol:         "AAPL",
		Qty:            10,
		Side:           SideBuy,
		IdempotencyKey: "intent-1",
	}

	const callers = 5
	var wg sync.WaitGroup
	var failures atomic.Int32
	ids := make([]string, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := b.PlaceOrder(context.Background(), order)
			if err != nil {
				failures.Add(1)
				return
			}
			ids[i] = result.ID
		}(i)
	}

	// Let the callers pile onto the in-flight submission.
	time.Sleep(50 * time.Millisecond)
	close(invoker.block)
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d callers failed", failures.Load())
	}
	if got := invoker.callCount(api.OpPlaceOrder); got != 1 {
		t.Errorf("Expected 1 submission for concurrent duplicates, got %d", got)
	}
	for i, id := range ids {
		if id != "order-1" {
			t.Errorf("Caller %d got order ID %q", i, id)
		}
	}
}

func TestPlaceOrder_DistinctIntentsNotCoalesced(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.setResponse(api.OpPlaceOrder, `{"id":"order-1","status":"new"}`)
	b := newTestBroker(t, invoker, testConfig())
	ctx := context.Background()

	// Identical payloads with distinct idempotency keys are distinct
	// intents.
	for _, key := range []string{"intent-1", "intent-2"} {
		order := OrderRequest{Symbol: "AAPL", Qty: 10, Side: SideBuy, IdempotencyKey: key}
		if _, err := b.PlaceOrder(ctx, order); err != nil {
			t.Fatalf("PlaceOrder(%s) failed: %v", key, err)
		}
	}

	if got := invoker.callCount(api.OpPlaceOrder); got != 2 {
		t.Errorf("Expected 2 submissions for distinct intents, got %d", got)
	}
}

func TestPlaceOrder_SequentialSameKeyResubmits(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.setResponse(api.OpPlaceOrder, `{"id":"order-1","status":"new"}`)
	b := newTestBroker(t, invoker, testConfig())
	ctx := context.Background()

	order := OrderRequest{Symbol: "AAPL", Qty: 10, Side: SideBuy, IdempotencyKey: "intent-1"}

	// Sequential retries reach the API, which dedupes on the client
	// order ID. Only concurrent submissions coalesce locally.
	for i := 0; i < 2; i++ {
		if _, err := b.PlaceOrder(ctx, order); err != nil {
			t.Fatalf("PlaceOrder %d failed: %v", i, err)
		}
	}
	if got := invoker.callCount(api.OpPlaceOrder); got != 2 {
		t.Errorf("Expected sequential submissions to pass through, got %d", got)
	}
}

func TestPlaceOrder_Validation(t *testing.T) {
	invoker := newFakeInvoker()
	b := newTestBroker(t, invoker, testConfig())
	ctx := context.Background()

	tests := []struct {
		name  string
		order OrderRequest
	}{
		{"missing_symbol", OrderRequest{Qty: 1, Side: SideBuy, IdempotencyKey: "k"}},
		{"zero_qty", OrderRequest{Symbol: "AAPL", Side: SideBuy, IdempotencyKey: "k"}},
		{"bad_side", OrderRequest{Symbol: "AAPL", Qty: 1, Side: "hold", IdempotencyKey: "k"}},
		{"missing_idempotency_key", OrderRequest{Symbol: "AAPL", Qty: 1, Side: SideBuy}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.PlaceOrder(ctx, tt.order); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
	if got := invoker.callCount(api.OpPlaceOrder); got != 0 {
		t.Errorf("Invalid orders must not reach the API, got %d calls", got)
	}
}

func TestGetOrder_NeverCached(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.setResponse(api.OpGetOrder, `{"id":"order-1","status":"filled"}`)
	b := newTestBroker(t, invoker, testConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := b.GetOrder(ctx, "order-1")
		if err != nil {
			t.Fatalf("GetOrder failed: %v", err)
		}
		if result.Status != "filled" {
			t.Errorf("Unexpected status %q", result.Status)
		}
	}
	if got := invoker.callCount(api.OpGetOrder); got != 3 {
		t.Errorf("Order state must never be cached, expected 3 calls, got %d", got)
	}
}

func TestCancelOrder(t *testing.T) {
	invoker := newFakeInvoker()
	b := newTestBroker(t, invoker, testConfig())

	if err := b.CancelOrder(context.Background(), "order-1"); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if got := invoker.callCount(api.OpCancelOrder); got != 1 {
		t.Errorf("Expected 1 cancel call, got %d", got)
	}

	if err := b.CancelOrder(context.Background(), ""); err == nil {
		t.Error("Expected error for empty order ID")
	}
}

func TestSnapshot(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.setResponse(api.OpGetAccount, `{"id":"acct-1","cash":"10000.00","buying_power":"20000.00","equity":"1.00","portfolio_value":"1.00"}`)
	invoker.setResponse(api.OpGetPositions, `[{"symbol":"AAPL","side":"long","qty":"10","qty_available":"10","market_value":"1900.00","avg_entry_price":"180.00","current_price":"190.00"}]`)
	invoker.setResponse(api.OpGetQuotes, quotesBody("AAPL", 189.95, 190.05))
	b := newTestBroker(t, invoker, testConfig())

	snapshot, err := b.Snapshot(context.Background(), []string{"AAPL"})
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if snapshot.Account.ID != "acct-1" {
		t.Errorf("Unexpected account: %+v", snapshot.Account)
	}
	if len(snapshot.Positions) != 1 || snapshot.Positions[0].Symbol != "AAPL" {
		t.Errorf("Unexpected positions: %+v", snapshot.Positions)
	}
	if len(snapshot.Quotes) != 1 || snapshot.Quotes[0].Err != nil {
		t.Errorf("Unexpected quotes: %+v", snapshot.Quotes)
	}
	if snapshot.RetrievedAt.IsZero() {
		t.Error("Expected RetrievedAt to be set")
	}
}

func TestSnapshot_AccountFailureFailsSnapshot(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.setError(api.OpGetAccount, &api.APIError{Op: api.OpGetAccount, StatusCode: 500, Message: "boom"})
	invoker.setResponse(api.OpGetQuotes, quotesBody("AAPL", 189.95, 190.05))
	b := newTestBroker(t, invoker, testConfig())

	if _, err := b.Snapshot(context.Background(), []string{"AAPL"}); err == nil {
		t.Error("Expected snapshot to fail when the account fetch fails")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, testConfig()); err == nil {
		t.Error("Expected error for nil invoker")
	}

	cfg := testConfig()
	cfg.CacheMaxEntries = 0
	if _, err := New(newFakeInvoker(), cfg); err == nil || !strings.Contains(err.Error(), "cache_max_entries") {
		t.Errorf("Expected config validation error, got %v", err)
	}
}

func TestNewIdempotencyKey_Unique(t *testing.T) {
	a, b := NewIdempotencyKey(), NewIdempotencyKey()
	if a == "" || a == b {
		t.Errorf("Expected unique non-empty keys, got %q and %q", a, b)
	}
}
