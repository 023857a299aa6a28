// Command broker-proxy runs an HTTP front over the optimized brokerage
// client: caching, coalescing, and rate limiting applied to every
// request before it reaches the upstream API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tradeopt/broker-client/pkg/api"
	"github.com/tradeopt/broker-client/pkg/broker"
	"github.com/tradeopt/broker-client/pkg/cache"
	"github.com/tradeopt/broker-client/pkg/config"
	"github.com/tradeopt/broker-client/pkg/logging"
	"github.com/tradeopt/broker-client/pkg/ratelimit"
)

func main() {
	configPath := os.Getenv("BROKER_CONFIG")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})

	client, err := api.New(api.Config{
		BaseURL:   cfg.API.BaseURL,
		DataURL:   cfg.API.DataURL,
		APIKeyID:  cfg.API.KeyID,
		APISecret: cfg.API.SecretKey,
		Timeout:   cfg.API.Timeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create brokerage client")
	}

	var b *broker.Broker
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		store := cache.NewRedisStore(redisClient)
		defer store.Close()

		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using shared Redis cache store")
		b, err = broker.NewWithStore(client, store, cfg.Optimizer.BrokerConfig())
	} else {
		b, err = broker.New(client, cfg.Optimizer.BrokerConfig())
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create broker")
	}
	defer b.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/quote", quoteHandler(b))
	mux.HandleFunc("GET /v1/quotes", quotesHandler(b))
	mux.HandleFunc("GET /v1/bars", barsHandler(b))
	mux.HandleFunc("GET /v1/account", accountHandler(b))
	mux.HandleFunc("GET /v1/positions", positionsHandler(b))
	mux.HandleFunc("GET /v1/snapshot", snapshotHandler(b))
	mux.HandleFunc("POST /v1/orders", placeOrderHandler(b))
	mux.HandleFunc("GET /v1/orders/{id}", getOrderHandler(b))
	mux.HandleFunc("DELETE /v1/orders/{id}", cancelOrderHandler(b))

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Starting broker proxy server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown incomplete")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

// writeError maps broker errors onto HTTP statuses. Upstream API
// rejections keep their original status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway

	var apiErr *api.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.StatusCode
	case errors.Is(err, ratelimit.ErrAcquireTimeout):
		status = http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = 499 // client closed request
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func quoteHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol query parameter is required"})
			return
		}

		quote, err := b.GetQuote(r.Context(), symbol)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "quote": quote})
	}
}

func quotesHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("symbols")
		if raw == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbols query parameter is required"})
			return
		}
		symbols := strings.Split(raw, ",")

		results := b.GetQuotes(r.Context(), symbols)

		type entry struct {
			Symbol string        `json:"symbol"`
			Quote  *broker.Quote `json:"quote,omitempty"`
			Error  string        `json:"error,omitempty"`
		}
		entries := make([]entry, len(results))
		for i, res := range results {
			entries[i].Symbol = symbols[i]
			if res.Err != nil {
				entries[i].Error = res.Err.Error()
				continue
			}
			quote := res.Quote
			entries[i].Quote = &quote
		}
		writeJSON(w, http.StatusOK, map[string]any{"quotes": entries})
	}
}

func barsHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		symbol := q.Get("symbol")
		if symbol == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "symbol query parameter is required"})
			return
		}

		var barRange broker.BarRange
		barRange.Timeframe = q.Get("timeframe")
		if s := q.Get("start"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "start must be RFC 3339"})
				return
			}
			barRange.Start = t
		}
		if s := q.Get("end"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "end must be RFC 3339"})
				return
			}
			barRange.End = t
		}
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
				return
			}
			barRange.Limit = n
		}

		series, err := b.GetBars(r.Context(), symbol, barRange)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, series)
	}
}

func accountHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account, err := b.GetAccount(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, account)
	}
}

func positionsHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		positions, err := b.GetPositions(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, positions)
	}
}

func snapshotHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var symbols []string
		if raw := r.URL.Query().Get("symbols"); raw != "" {
			symbols = strings.Split(raw, ",")
		}

		snapshot, err := b.Snapshot(r.Context(), symbols)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	}
}

func placeOrderHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var order broker.OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order payload: " + err.Error()})
			return
		}
		if err := order.Validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		result, err := b.PlaceOrder(r.Context(), order)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

func getOrderHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := b.GetOrder(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func cancelOrderHandler(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := b.CancelOrder(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
