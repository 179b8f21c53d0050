// Package exchange defines the trading-venue abstraction the engine executes
// against. Implementations wrap a concrete venue SDK; the executor and the
// trailing-stop monitor only see this interface.
package exchange

import "context"

type Exchange interface {
	Name() string

	// Ticker returns the last traded price for symbol. Public data; no
	// credentials required.
	Ticker(ctx context.Context, symbol string) (float64, error)

	// CreateOrder submits an order and returns the venue order id plus the
	// executed (or requested limit) price.
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// Balance lists the account's non-zero holdings, used when flattening a
	// symbol against live exchange state.
	Balance(ctx context.Context) ([]AccountPosition, error)
}

// Order types.
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

type OrderRequest struct {
	Symbol string
	Type   string // market or limit
	Side   string // buy or sell
	Amount float64
	Price  float64 // required for limit orders, ignored for market

	// ClientOrderID is generated once per execution (not per retry attempt)
	// so venues that honor client ids deduplicate resubmissions.
	ClientOrderID string
}

type OrderResult struct {
	OrderID       string
	ExecutedPrice float64
}

// AccountPosition is one non-zero holding reported by the venue. Amount is
// signed: positive long, negative short.
type AccountPosition struct {
	Symbol string
	Amount float64
}
