package broker

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Side is the order side.
type Side string

const (
	// SideBuy buys the given quantity.
	SideBuy Side = "buy"

	// SideSell sells the given quantity.
	SideSell Side = "sell"
)

// Quote is the latest top-of-book quote for a symbol.
type Quote struct {
	Symbol    string    `json:"-"`
	BidPrice  float64   `json:"bp"`
	BidSize   float64   `json:"bs"`
	AskPrice  float64   `json:"ap"`
	AskSize   float64   `json:"as"`
	Timestamp time.Time `json:"t"`
}

// QuoteResult is the per-symbol outcome of a bulk quote lookup.
type QuoteResult struct {
	Quote Quote
	Err   error
}

// Bar is a single OHLCV bar.
type Bar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

// BarSeries is a sequence of bars for one symbol.
type BarSeries struct {
	Symbol string `json:"symbol"`
	Bars   []Bar  `json:"bars"`
}

// BarRange selects the bars to fetch.
type BarRange struct {
	// Timeframe is the bar width (e.g. "1Min", "1H", "1D").
	Timeframe string

	// Start and End bound the series (zero values are omitted).
	Start time.Time
	End   time.Time

	// Limit caps the number of bars (0 uses the API default).
	Limit int
}

// Account is the trading account summary. The API encodes monetary
// amounts as JSON strings.
type Account struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	Currency       string  `json:"currency"`
	Cash           float64 `json:"cash,string"`
	BuyingPower    float64 `json:"buying_power,string"`
	Equity         float64 `json:"equity,string"`
	PortfolioValue float64 `json:"portfolio_value,string"`
}

// Position is one open position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty,string"`
	QtyAvailable  float64 `json:"qty_available,string"`
	MarketValue   float64 `json:"market_value,string"`
	AvgEntryPrice float64 `json:"avg_entry_price,string"`
	CurrentPrice  float64 `json:"current_price,string"`
}

// OrderRequest describes an order to submit. IdempotencyKey is
// caller-assigned and REQUIRED: it deduplicates retries of the same
// order intent, both in this layer (concurrent retries coalesce into
// one submission) and at the API (client order IDs are unique).
type OrderRequest struct {
	Symbol         string  `json:"symbol"`
	Qty            float64 `json:"qty,string"`
	Side           Side    `json:"side"`
	Type           string  `json:"type"`
	TimeInForce    string  `json:"time_in_force"`
	IdempotencyKey string  `json:"client_order_id"`
}

// Validate checks the request and fills defaults (market order, day
// time-in-force).
func (o *OrderRequest) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("order symbol is required")
	}
	if o.Qty <= 0 {
		return fmt.Errorf("order qty must be positive (got %v)", o.Qty)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("order side must be %q or %q (got %q)", SideBuy, SideSell, o.Side)
	}
	if o.IdempotencyKey == "" {
		return fmt.Errorf("order idempotency key is required")
	}
	if o.Type == "" {
		o.Type = "market"
	}
	if o.TimeInForce == "" {
		o.TimeInForce = "day"
	}
	return nil
}

// OrderResult is the API's view of a submitted order.
type OrderResult struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Status         string    `json:"status"`
	Side           string    `json:"side"`
	Qty            float64   `json:"qty,string"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Snapshot aggregates account, positions, and quotes fetched in
// parallel.
type Snapshot struct {
	Account     Account
	Positions   []Position
	Quotes      []QuoteResult
	RetrievedAt time.Time
}

// NewIdempotencyKey returns a fresh caller-assignable idempotency key.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
