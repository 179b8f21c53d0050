// Package binance adapts the Binance spot API to the engine's exchange
// abstraction via adshao/go-binance.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"signaltrader/internal/gateway/exchange"

	binanceapi "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

const rateLimitCode = -1003

type Client struct {
	api *binanceapi.Client
}

func New(apiKey, apiSecret string) (exchange.Exchange, error) {
	return &Client{api: binanceapi.NewClient(apiKey, apiSecret)}, nil
}

func (c *Client) Name() string { return "binance" }

// marketSymbol maps "BTC/USDT" style pairs onto Binance's concatenated form.
func marketSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
}

func (c *Client) Ticker(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(marketSymbol(symbol)).Do(ctx)
	if err != nil {
		return 0, classify("ticker", err)
	}
	if len(prices) == 0 {
		return 0, exchange.NewError(exchange.KindVenue, "ticker",
			fmt.Errorf("no price returned for %s", symbol))
	}
	last, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, exchange.NewError(exchange.KindVenue, "ticker",
			fmt.Errorf("malformed price %q: %w", prices[0].Price, err))
	}
	return last, nil
}

func (c *Client) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	side := binanceapi.SideTypeBuy
	if strings.EqualFold(req.Side, "sell") {
		side = binanceapi.SideTypeSell
	}
	svc := c.api.NewCreateOrderService().
		Symbol(marketSymbol(req.Symbol)).
		Side(side).
		Quantity(formatAmount(req.Amount))
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	switch req.Type {
	case exchange.OrderTypeLimit:
		svc = svc.Type(binanceapi.OrderTypeLimit).
			TimeInForce(binanceapi.TimeInForceTypeGTC).
			Price(formatAmount(req.Price))
	default:
		svc = svc.Type(binanceapi.OrderTypeMarket)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("create_order", err)
	}
	executed := executedPrice(resp)
	if executed == 0 {
		executed = req.Price
	}
	return &exchange.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ExecutedPrice: executed,
	}, nil
}

func executedPrice(resp *binanceapi.CreateOrderResponse) float64 {
	if p, err := strconv.ParseFloat(resp.Price, 64); err == nil && p > 0 {
		return p
	}
	// Market orders report price per fill; use the first fill.
	if len(resp.Fills) > 0 {
		if p, err := strconv.ParseFloat(resp.Fills[0].Price, 64); err == nil {
			return p
		}
	}
	return 0
}

func (c *Client) Balance(ctx context.Context) ([]exchange.AccountPosition, error) {
	account, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify("balance", err)
	}
	var out []exchange.AccountPosition
	for _, bal := range account.Balances {
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		total := free + locked
		if total == 0 {
			continue
		}
		out = append(out, exchange.AccountPosition{Symbol: bal.Asset, Amount: total})
	}
	return out, nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// classify maps SDK failures onto the engine's retry taxonomy.
func classify(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == rateLimitCode:
			return exchange.NewError(exchange.KindRateLimit, op, err)
		case apiErr.Code >= -1199 && apiErr.Code <= -1100:
			// -11xx range: malformed/invalid request parameters.
			return exchange.NewError(exchange.KindBadRequest, op, err)
		default:
			return exchange.NewError(exchange.KindVenue, op, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return exchange.NewError(exchange.KindNetwork, op, err)
	}
	return exchange.NewError(exchange.KindNetwork, op, err)
}
