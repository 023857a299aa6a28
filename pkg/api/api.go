// Package api provides the thin, direct brokerage REST client.
// It performs exactly one HTTP round trip per Invoke call: no retries,
// no caching, no rate limiting. All of that lives in the optimization
// layers built on top of this package.
package api

import (
	"context"
	"net/url"
)

// Operation identifies a logical brokerage API operation.
type Operation string

const (
	// OpGetAccount fetches the trading account summary.
	OpGetAccount Operation = "get_account"

	// OpGetPositions fetches all open positions.
	OpGetPositions Operation = "get_positions"

	// OpGetQuotes fetches the latest quotes for one or more symbols.
	OpGetQuotes Operation = "get_quotes"

	// OpGetBars fetches historical bars for a symbol.
	OpGetBars Operation = "get_bars"

	// OpPlaceOrder submits a new order.
	OpPlaceOrder Operation = "place_order"

	// OpCancelOrder cancels an open order by ID.
	OpCancelOrder Operation = "cancel_order"

	// OpGetOrder fetches the current state of an order by ID.
	OpGetOrder Operation = "get_order"
)

// Params carries the inputs for a single Invoke call.
// Query is appended to the request URL, Body is sent as JSON for
// mutating operations, and PathArg fills the path segment of
// operations addressing a single resource (symbol or order ID).
type Params struct {
	Query   url.Values
	Body    []byte
	PathArg string
}

// Invoker is the collaborator contract consumed by the optimization
// layers: one logical operation in, raw response bytes or an error out.
// Implementations must be safe for concurrent use.
type Invoker interface {
	Invoke(ctx context.Context, op Operation, params Params) ([]byte, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, op Operation, params Params) ([]byte, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, op Operation, params Params) ([]byte, error) {
	return f(ctx, op, params)
}
