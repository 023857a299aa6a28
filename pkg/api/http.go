package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for direct API calls.
var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_api_requests_total",
		Help: "Total brokerage API requests by operation and status",
	}, []string{"operation", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_api_request_duration_seconds",
		Help:    "Brokerage API request duration in seconds by operation",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})
)

// Credential format enforced by the paper trading API.
var (
	keyIDPattern  = regexp.MustCompile(`^(PK|AK)[A-Z0-9]{10,}$`)
	secretPattern = regexp.MustCompile(`^[A-Za-z0-9]{40,}$`)
)

// Config holds the HTTP client configuration.
type Config struct {
	// BaseURL is the trading API host (account, positions, orders).
	BaseURL string

	// DataURL is the market data API host (quotes, bars).
	DataURL string

	// APIKeyID and APISecret authenticate every request.
	APIKeyID  string
	APISecret string

	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
}

// DefaultConfig returns a configuration pointing at the paper trading
// environment with the given credentials.
func DefaultConfig(keyID, secret string) Config {
	return Config{
		BaseURL:   "https://paper-api.alpaca.markets",
		DataURL:   "https://data.alpaca.markets",
		APIKeyID:  keyID,
		APISecret: secret,
		Timeout:   30 * time.Second,
	}
}

// Client is the direct HTTP brokerage client implementing Invoker.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new direct brokerage client.
func New(cfg Config) (*Client, error) {
	if !keyIDPattern.MatchString(cfg.APIKeyID) || !secretPattern.MatchString(cfg.APISecret) {
		return nil, ErrInvalidKeyFormat
	}
	if cfg.BaseURL == "" || cfg.DataURL == "" {
		return nil, fmt.Errorf("base and data URLs are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: log.With().Str("component", "api-client").Logger(),
	}, nil
}

// route maps an operation to its HTTP method and URL.
func (c *Client) route(op Operation, params Params) (method, rawURL string, err error) {
	switch op {
	case OpGetAccount:
		return http.MethodGet, c.config.BaseURL + "/v2/account", nil
	case OpGetPositions:
		return http.MethodGet, c.config.BaseURL + "/v2/positions", nil
	case OpGetQuotes:
		return http.MethodGet, c.config.DataURL + "/v2/stocks/quotes/latest", nil
	case OpGetBars:
		if params.PathArg == "" {
			return "", "", fmt.Errorf("%s requires a symbol", op)
		}
		return http.MethodGet, c.config.DataURL + "/v2/stocks/" + params.PathArg + "/bars", nil
	case OpPlaceOrder:
		return http.MethodPost, c.config.BaseURL + "/v2/orders", nil
	case OpCancelOrder:
		if params.PathArg == "" {
			return "", "", fmt.Errorf("%s requires an order ID", op)
		}
		return http.MethodDelete, c.config.BaseURL + "/v2/orders/" + params.PathArg, nil
	case OpGetOrder:
		if params.PathArg == "" {
			return "", "", fmt.Errorf("%s requires an order ID", op)
		}
		return http.MethodGet, c.config.BaseURL + "/v2/orders/" + params.PathArg, nil
	default:
		return "", "", fmt.Errorf("unknown operation %q", op)
	}
}

// Invoke implements Invoker with a single HTTP round trip.
func (c *Client) Invoke(ctx context.Context, op Operation, params Params) ([]byte, error) {
	method, rawURL, err := c.route(op, params)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	defer func() {
		apiRequestDuration.WithLabelValues(string(op)).Observe(time.Since(startTime).Seconds())
	}()

	var body io.Reader
	if len(params.Body) > 0 {
		body = bytes.NewReader(params.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if len(params.Query) > 0 {
		req.URL.RawQuery = params.Query.Encode()
	}

	req.Header.Set("APCA-API-KEY-ID", c.config.APIKeyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.config.APISecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("operation", string(op)).
		Str("method", method).
		Msg("Executing brokerage request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Distinguish caller cancellation from genuine transport failure.
		if ctx.Err() != nil {
			apiRequestsTotal.WithLabelValues(string(op), "cancelled").Inc()
			return nil, ctx.Err()
		}
		apiRequestsTotal.WithLabelValues(string(op), "network_error").Inc()
		c.logger.Error().Err(err).Str("operation", string(op)).Msg("HTTP request failed")
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		apiRequestsTotal.WithLabelValues(string(op), "network_error").Inc()
		return nil, &TransportError{Op: op, Err: err}
	}

	apiRequestsTotal.WithLabelValues(string(op), fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn().
				Str("operation", string(op)).
				Msg("Remote rate limit exceeded")
		}
		c.logger.Warn().
			Str("operation", string(op)).
			Int("status", resp.StatusCode).
			Msg("Brokerage request rejected")
		return nil, &APIError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    string(data),
		}
	}

	return data, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
