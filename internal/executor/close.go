package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"signaltrader/internal/gateway/exchange"
	"signaltrader/internal/ledger"
	"signaltrader/internal/logger"
	"signaltrader/internal/pkg/pricing"
	"signaltrader/internal/store"
	"signaltrader/internal/vault"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// CloseResult is the structured outcome of a flatten request.
type CloseResult struct {
	Success      bool   `json:"success"`
	ClosedOrders int    `json:"closed_orders"`
	Message      string `json:"message"`
	Error        string `json:"error,omitempty"`
}

// ClosePosition flattens a symbol against live exchange state: it scans the
// account for non-zero holdings matching the symbol and submits an offsetting
// market order for each. Local ledger state is reconciled afterwards so the
// open-position record does not outlive the exchange position.
func (e *Executor) ClosePosition(ctx context.Context, userID, symbol, exchangeName string) CloseResult {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return e.closeFailed(ctx, userID, symbol, err)
	}

	settings, err := e.store.GetSettings(ctx, userID)
	if err != nil {
		return e.closeFailed(ctx, userID, symbol, err)
	}
	if settings.PaperTradingEnabled {
		return e.closePaper(ctx, userID, symbol, exchangeName)
	}

	apiKey, apiSecret, err := e.vault.Resolve(ctx, userID, exchangeName)
	if err != nil {
		return e.closeFailed(ctx, userID, symbol, err)
	}
	gw, err := e.registry.New(exchangeName, apiKey, apiSecret)
	if err != nil {
		return e.closeFailed(ctx, userID, symbol, err)
	}

	holdings, err := e.balanceWithRetry(ctx, userID, gw)
	if err != nil {
		return e.closeFailed(ctx, userID, symbol, err)
	}

	closed := 0
	var orderIDs []string
	for _, holding := range holdings {
		if !matchesSymbol(holding.Symbol, symbol) || holding.Amount == 0 {
			continue
		}
		side := store.ActionSell
		if holding.Amount < 0 {
			side = store.ActionBuy
		}
		amount := math.Abs(holding.Amount)
		order, err := gw.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:        symbol,
			Type:          exchange.OrderTypeMarket,
			Side:          side,
			Amount:        amount,
			ClientOrderID: uuid.NewString(),
		})
		if err != nil {
			return e.closeFailed(ctx, userID, symbol, err)
		}
		closed++
		orderIDs = append(orderIDs, order.OrderID)
		tr := &store.Trade{
			UserID:   userID,
			Symbol:   symbol,
			Action:   store.ActionClose,
			Price:    order.ExecutedPrice,
			Size:     amount,
			Exchange: exchangeName,
			Result:   fmt.Sprintf("Closed: %s", order.OrderID),
			OrderID:  order.OrderID,
			Fees:     pricing.Fee(order.ExecutedPrice, amount),
		}
		if err := e.reconcileClose(ctx, userID, symbol, order.ExecutedPrice, amount, tr); err != nil {
			logger.Errorf("executor: close reconcile failed for user %s %s: %v", userID, symbol, err)
		}
	}

	data, _ := json.Marshal(map[string]any{"orders": orderIDs})
	e.store.AppendLog(ctx, userID, "info", fmt.Sprintf("Position closed for %s", symbol), string(data))
	return CloseResult{
		Success:      true,
		ClosedOrders: closed,
		Message:      fmt.Sprintf("Successfully closed position for %s", symbol),
	}
}

// CloseTriggered handles a trailing-stop trigger carrying the observed market
// price. Paper positions exit through the normal sell path at that price;
// live positions flatten against exchange state like any other close.
func (e *Executor) CloseTriggered(ctx context.Context, userID, symbol, exchangeName string, price float64) CloseResult {
	settings, err := e.store.GetSettings(ctx, userID)
	if err != nil {
		return e.closeFailed(ctx, userID, symbol, err)
	}
	if !settings.PaperTradingEnabled {
		return e.ClosePosition(ctx, userID, symbol, exchangeName)
	}
	pos, err := e.ledger.GetOpen(ctx, userID, symbol)
	if err != nil {
		return e.closeFailed(ctx, userID, symbol, err)
	}
	if pos == nil {
		return CloseResult{
			Success: false,
			Error:   ledger.ErrNoPosition.Error(),
			Message: fmt.Sprintf("No open position to close for %s", symbol),
		}
	}
	exitPrice := price
	res := e.Execute(ctx, Intent{
		UserID:   userID,
		Symbol:   symbol,
		Side:     store.ActionSell,
		Size:     pos.Size,
		Price:    &exitPrice,
		Exchange: exchangeName,
	})
	if !res.Success {
		return CloseResult{Success: false, Error: res.Error, Message: res.Message}
	}
	return CloseResult{
		Success:      true,
		ClosedOrders: 1,
		Message:      fmt.Sprintf("Successfully closed position for %s (trailing stop)", symbol),
	}
}

// closePaper flattens a paper position through the normal sell path. Paper
// mode has no venue to quote an exit, so the last observed high-water mark
// (falling back to entry) serves as the exit price.
func (e *Executor) closePaper(ctx context.Context, userID, symbol, exchangeName string) CloseResult {
	pos, err := e.ledger.GetOpen(ctx, userID, symbol)
	if err != nil {
		return e.closeFailed(ctx, userID, symbol, err)
	}
	if pos == nil {
		return CloseResult{
			Success: false,
			Error:   ledger.ErrNoPosition.Error(),
			Message: fmt.Sprintf("No open position to close for %s", symbol),
		}
	}
	// Best available paper exit price: the monitor-maintained high-water mark,
	// falling back to entry.
	exit := pos.HighestPrice
	if exit == 0 {
		exit = pos.EntryPrice
	}
	price := exit
	res := e.Execute(ctx, Intent{
		UserID:   userID,
		Symbol:   symbol,
		Side:     store.ActionSell,
		Size:     pos.Size,
		Price:    &price,
		Exchange: exchangeName,
	})
	if !res.Success {
		return CloseResult{Success: false, Error: res.Error, Message: res.Message}
	}
	return CloseResult{
		Success:      true,
		ClosedOrders: 1,
		Message:      fmt.Sprintf("Successfully closed position for %s (PAPER TRADE)", symbol),
	}
}

// reconcileClose mirrors the exchange-side flatten into the local ledger.
func (e *Executor) reconcileClose(ctx context.Context, userID, symbol string, price, size float64, tr *store.Trade) error {
	pos, err := e.ledger.GetOpen(ctx, userID, symbol)
	if err != nil {
		return err
	}
	if pos == nil {
		// Nothing locally; still record the audit trade row.
		return e.store.AppendTrade(ctx, tr)
	}
	_, err = e.ledger.ReduceOrClose(ctx, pos.ID, price, size, tr)
	if errors.Is(err, ledger.ErrNoPosition) {
		return e.store.AppendTrade(ctx, tr)
	}
	return err
}

func (e *Executor) balanceWithRetry(ctx context.Context, userID string, gw exchange.Exchange) ([]exchange.AccountPosition, error) {
	var holdings []exchange.AccountPosition
	op := func() error {
		h, err := gw.Balance(ctx)
		if err != nil {
			logger.Warnf("executor: balance fetch failed for user %s: %v", userID, err)
			if !exchange.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		holdings = h
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(e.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return holdings, nil
}

func (e *Executor) closeFailed(ctx context.Context, userID, symbol string, cause error) CloseResult {
	msg := "Failed to close position: " + cause.Error()
	data, _ := json.Marshal(map[string]any{"error": cause.Error()})
	e.store.AppendLog(ctx, userID, "error", msg, string(data))
	logger.Errorw("close position failed", "user", userID, "symbol", symbol, "err", cause.Error())
	if errors.Is(cause, vault.ErrNotConfigured) || errors.Is(cause, store.ErrUserNotFound) {
		return CloseResult{Success: false, Error: cause.Error(), Message: msg}
	}
	return CloseResult{
		Success: false,
		Error:   cause.Error(),
		Message: fmt.Sprintf("Failed to close position for %s after %d retries", symbol, maxRetries),
	}
}

// matchesSymbol accepts either the full pair ("BTC/USDT") or its base asset
// ("BTC"), since spot balances report per-asset holdings.
func matchesSymbol(holding, symbol string) bool {
	holding = strings.ToUpper(strings.TrimSpace(holding))
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if holding == symbol {
		return true
	}
	if base, _, ok := strings.Cut(symbol, "/"); ok && holding == base {
		return true
	}
	return false
}
