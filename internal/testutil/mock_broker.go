// Package testutil provides testing utilities for the broker client.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockResponse defines the behavior for a mock brokerage endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockBroker is a configurable mock brokerage API server for testing.
// It serves both trading and market data paths from one listener.
type MockBroker struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

// NewMockBroker creates a new mock brokerage server.
func NewMockBroker() *MockBroker {
	mock := &MockBroker{
		handlers:   make(map[string]func(w http.ResponseWriter, r *http.Request)),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		mock.mu.Unlock()

		// Check for custom handler
		mock.mu.RLock()
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.RUnlock()

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockBroker) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockBroker) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockBroker) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockBroker) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockBroker) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}

		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}

		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockBroker) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to one path.
func (m *MockBroker) GetPathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PathCounts[path]
}

// defaultHandler serves minimal well-formed responses for the standard
// brokerage paths so tests only override what they care about.
func (m *MockBroker) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/v2/account":
		w.Write([]byte(AccountBody))
	case r.URL.Path == "/v2/positions":
		w.Write([]byte(`[]`))
	case r.URL.Path == "/v2/stocks/quotes/latest":
		symbol := r.URL.Query().Get("symbols")
		w.Write([]byte(QuotesBody(symbol, 100.0)))
	case r.URL.Path == "/v2/orders" && r.Method == http.MethodPost:
		w.Write([]byte(OrderBody("order-1", "new")))
	case len(r.URL.Path) > len("/v2/orders/") && r.URL.Path[:len("/v2/orders/")] == "/v2/orders/":
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Write([]byte(OrderBody(r.URL.Path[len("/v2/orders/"):], "filled")))
	default:
		w.Write([]byte(`{}`))
	}
}

// AccountBody is a minimal valid account payload.
const AccountBody = `{
	"id": "acct-1",
	"account_number": "PA1234567",
	"status": "ACTIVE",
	"currency": "USD",
	"cash": "10000.00",
	"portfolio_value": "15000.00",
	"buying_power": "20000.00",
	"equity": "15000.00",
	"pattern_day_trader": false
}`

// QuotesBody builds a latest-quotes payload for one symbol around the
// given mid price.
func QuotesBody(symbol string, mid float64) string {
	return fmt.Sprintf(`{"quotes":{%q:{"bp":%.2f,"bs":100,"ap":%.2f,"as":200,"t":%q}}}`,
		symbol, mid-0.05, mid+0.05, time.Now().UTC().Format(time.RFC3339Nano))
}

// OrderBody builds an order payload with the given ID and status.
func OrderBody(id, status string) string {
	return fmt.Sprintf(`{"id":%q,"client_order_id":"cid-%s","symbol":"AAPL","qty":"10","side":"buy","type":"market","time_in_force":"day","status":%q}`,
		id, id, status)
}

// BarsBody builds a bars payload with n daily bars for a symbol.
func BarsBody(symbol string, n int) string {
	body := fmt.Sprintf(`{"symbol":%q,"bars":[`, symbol)
	base := time.Date(2026, 1, 5, 5, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"t":%q,"o":%d,"h":%d,"l":%d,"c":%d,"v":%d}`,
			base.AddDate(0, 0, i).Format(time.RFC3339), 100+i, 102+i, 99+i, 101+i, 10000+i*100)
	}
	return body + `]}`
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"message": "too many requests"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"message": "internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewRejectedOrderResponse creates a 403 order rejection response.
func NewRejectedOrderResponse(reason string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusForbidden,
		Body:       fmt.Sprintf(`{"message": %q}`, reason),
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}
