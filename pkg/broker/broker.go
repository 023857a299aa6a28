// Package broker exposes the optimized brokerage operations. Every
// logical request is routed through request coalescing, TTL caching,
// and client-side rate limiting before reaching the direct API client:
//
//	reads:     coalesce → cache → rate limit → client
//	mutations: coalesce (idempotency key) → rate limit → client
//
// Orders are never cached. No call reaches the client without passing
// the rate limiter, cache fills included.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tradeopt/broker-client/pkg/api"
	"github.com/tradeopt/broker-client/pkg/batch"
	"github.com/tradeopt/broker-client/pkg/cache"
	"github.com/tradeopt/broker-client/pkg/coalesce"
	"github.com/tradeopt/broker-client/pkg/ratelimit"
)

// Data kind labels for cache policy and metrics.
const (
	kindQuotes   = "quotes"
	kindBars     = "bars"
	kindAccount  = "account"
	kindPosition = "positions"
)

// Broker is the facade visible to application code. It owns the cache
// store (unless one was supplied), the coalescing group, and the rate
// limiter; all methods are safe for concurrent use.
type Broker struct {
	invoker api.Invoker
	store   cache.Store
	group   *coalesce.Group
	limiter *ratelimit.Limiter
	config  Config
	logger  zerolog.Logger

	ownsStore bool
}

// New creates a Broker over the given direct client with a private
// in-memory cache store.
func New(invoker api.Invoker, cfg Config) (*Broker, error) {
	store := cache.NewMemoryStore(cfg.CacheMaxEntries, time.Minute)
	b, err := NewWithStore(invoker, store, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	b.ownsStore = true
	return b, nil
}

// NewWithStore creates a Broker using the supplied cache store (e.g. a
// Redis-backed store shared between processes). The caller keeps
// ownership of the store.
func NewWithStore(invoker api.Invoker, store cache.Store, cfg Config) (*Broker, error) {
	if invoker == nil {
		return nil, fmt.Errorf("invoker is required")
	}
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	limiter, err := ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitRefillPerSec)
	if err != nil {
		return nil, err
	}

	return &Broker{
		invoker: invoker,
		store:   store,
		group:   coalesce.New(),
		limiter: limiter,
		config:  cfg,
		logger:  log.With().Str("component", "broker").Logger(),
	}, nil
}

// Close releases resources owned by the Broker.
func (b *Broker) Close() error {
	if b.ownsStore {
		return b.store.Close()
	}
	return nil
}

// invoke gates one underlying call through the rate limiter.
func (b *Broker) invoke(ctx context.Context, op api.Operation, params api.Params) ([]byte, error) {
	if err := b.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	return b.invoker.Invoke(ctx, op, params)
}

// cachedRead runs the full read path for key: coalesce concurrent
// identical reads, serve from cache within ttl, rate-limit the fill.
func (b *Broker) cachedRead(ctx context.Context, key cache.Key, ttl time.Duration, kind string, op api.Operation, params api.Params) ([]byte, error) {
	data, shared, err := b.group.Do(ctx, key.String(), func(fctx context.Context) ([]byte, error) {
		return cache.GetOrLoad(fctx, b.store, key, ttl, kind, func(lctx context.Context) ([]byte, error) {
			return b.invoke(lctx, op, params)
		})
	})
	if shared {
		b.logger.Debug().Str("key", key.String()).Msg("Read coalesced with concurrent caller")
	}
	return data, err
}

// GetQuote returns the latest quote for one symbol.
func (b *Broker) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	if symbol == "" {
		return Quote{}, fmt.Errorf("symbol is required")
	}

	key := cache.NewKey(string(api.OpGetQuotes), map[string]string{"symbols": symbol}).
		WithBucket(time.Now(), b.config.QuoteBucket)

	params := api.Params{Query: url.Values{"symbols": {symbol}}}
	data, err := b.cachedRead(ctx, key, b.config.CacheTTLQuotes, kindQuotes, api.OpGetQuotes, params)
	if err != nil {
		return Quote{}, err
	}

	var resp struct {
		Quotes map[string]Quote `json:"quotes"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return Quote{}, fmt.Errorf("decode quotes: %w", err)
	}

	quote, ok := resp.Quotes[symbol]
	if !ok {
		return Quote{}, &api.APIError{
			Op:         api.OpGetQuotes,
			StatusCode: 404,
			Message:    fmt.Sprintf("no quote for symbol %q", symbol),
		}
	}
	quote.Symbol = symbol
	return quote, nil
}

// GetQuotes returns the latest quotes for the given symbols, one result
// per symbol in input order. A failed symbol yields an error entry at
// its index without affecting the others.
func (b *Broker) GetQuotes(ctx context.Context, symbols []string) []QuoteResult {
	results := batch.Run(ctx, b.config.BatchMaxConcurrency, len(symbols),
		func(ctx context.Context, i int) (Quote, error) {
			return b.GetQuote(ctx, symbols[i])
		})

	quotes := make([]QuoteResult, len(results))
	for i, r := range results {
		quotes[i] = QuoteResult{Quote: r.Value, Err: r.Err}
	}
	return quotes
}

// GetBars returns historical bars for a symbol.
func (b *Broker) GetBars(ctx context.Context, symbol string, r BarRange) (BarSeries, error) {
	if symbol == "" {
		return BarSeries{}, fmt.Errorf("symbol is required")
	}
	if r.Timeframe == "" {
		r.Timeframe = "1D"
	}

	keyParams := map[string]string{
		"symbol":    symbol,
		"timeframe": r.Timeframe,
	}
	query := url.Values{"timeframe": {r.Timeframe}}
	if !r.Start.IsZero() {
		start := r.Start.UTC().Format(time.RFC3339)
		keyParams["start"] = start
		query.Set("start", start)
	}
	if !r.End.IsZero() {
		end := r.End.UTC().Format(time.RFC3339)
		keyParams["end"] = end
		query.Set("end", end)
	}
	if r.Limit > 0 {
		limit := strconv.Itoa(r.Limit)
		keyParams["limit"] = limit
		query.Set("limit", limit)
	}

	key := cache.NewKey(string(api.OpGetBars), keyParams)
	params := api.Params{PathArg: symbol, Query: query}

	data, err := b.cachedRead(ctx, key, b.config.CacheTTLBars, kindBars, api.OpGetBars, params)
	if err != nil {
		return BarSeries{}, err
	}

	var series BarSeries
	if err := json.Unmarshal(data, &series); err != nil {
		return BarSeries{}, fmt.Errorf("decode bars: %w", err)
	}
	if series.Symbol == "" {
		series.Symbol = symbol
	}
	return series, nil
}

// GetAccount returns the trading account summary.
func (b *Broker) GetAccount(ctx context.Context) (Account, error) {
	key := cache.NewKey(string(api.OpGetAccount), nil)

	data, err := b.cachedRead(ctx, key, b.config.CacheTTLAccount, kindAccount, api.OpGetAccount, api.Params{})
	if err != nil {
		return Account{}, err
	}

	var account Account
	if err := json.Unmarshal(data, &account); err != nil {
		return Account{}, fmt.Errorf("decode account: %w", err)
	}
	return account, nil
}

// GetPositions returns all open positions.
func (b *Broker) GetPositions(ctx context.Context) ([]Position, error) {
	key := cache.NewKey(string(api.OpGetPositions), nil)

	data, err := b.cachedRead(ctx, key, b.config.CacheTTLAccount, kindPosition, api.OpGetPositions, api.Params{})
	if err != nil {
		return nil, err
	}

	var positions []Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return positions, nil
}

// PlaceOrder submits an order. The coalescing key derives from the
// idempotency key alone, so concurrent retries of the same order intent
// collapse into one submission while distinct intents — even with an
// identical payload — each reach the API. Never cached.
func (b *Broker) PlaceOrder(ctx context.Context, order OrderRequest) (OrderResult, error) {
	if err := order.Validate(); err != nil {
		return OrderResult{}, err
	}

	body, err := json.Marshal(order)
	if err != nil {
		return OrderResult{}, fmt.Errorf("encode order: %w", err)
	}

	coalesceKey := "place_order:" + order.IdempotencyKey
	data, shared, err := b.group.Do(ctx, coalesceKey, func(fctx context.Context) ([]byte, error) {
		return b.invoke(fctx, api.OpPlaceOrder, api.Params{Body: body})
	})
	if shared {
		b.logger.Info().
			Str("idempotency_key", order.IdempotencyKey).
			Msg("Duplicate order submission coalesced")
	}
	if err != nil {
		return OrderResult{}, err
	}

	var result OrderResult
	if err := json.Unmarshal(data, &result); err != nil {
		return OrderResult{}, fmt.Errorf("decode order result: %w", err)
	}

	b.logger.Info().
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("qty", order.Qty).
		Str("order_id", result.ID).
		Msg("Order placed")

	return result, nil
}

// CancelOrder cancels an open order by ID. Never cached.
func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	if orderID == "" {
		return fmt.Errorf("order ID is required")
	}

	_, _, err := b.group.Do(ctx, "cancel_order:"+orderID, func(fctx context.Context) ([]byte, error) {
		return b.invoke(fctx, api.OpCancelOrder, api.Params{PathArg: orderID})
	})
	if err != nil {
		return err
	}

	b.logger.Info().Str("order_id", orderID).Msg("Order cancelled")
	return nil
}

// GetOrder returns the current state of an order. Order state is never
// cached, but concurrent identical lookups still coalesce and the call
// is rate limited.
func (b *Broker) GetOrder(ctx context.Context, orderID string) (OrderResult, error) {
	if orderID == "" {
		return OrderResult{}, fmt.Errorf("order ID is required")
	}

	data, _, err := b.group.Do(ctx, "get_order:"+orderID, func(fctx context.Context) ([]byte, error) {
		return b.invoke(fctx, api.OpGetOrder, api.Params{PathArg: orderID})
	})
	if err != nil {
		return OrderResult{}, err
	}

	var result OrderResult
	if err := json.Unmarshal(data, &result); err != nil {
		return OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return result, nil
}

// Snapshot fetches the account, positions, and quotes for the given
// symbols in parallel. Account or position failure fails the snapshot;
// per-symbol quote failures are carried in the result entries.
func (b *Broker) Snapshot(ctx context.Context, symbols []string) (*Snapshot, error) {
	snapshot := &Snapshot{}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		account, err := b.GetAccount(groupCtx)
		if err != nil {
			return err
		}
		snapshot.Account = account
		return nil
	})

	group.Go(func() error {
		positions, err := b.GetPositions(groupCtx)
		if err != nil {
			return err
		}
		snapshot.Positions = positions
		return nil
	})

	group.Go(func() error {
		snapshot.Quotes = b.GetQuotes(groupCtx, symbols)
		return nil
	})

	if err := group.Wait(); err != nil {
		return nil, err
	}

	snapshot.RetrievedAt = time.Now().UTC()
	return snapshot, nil
}
