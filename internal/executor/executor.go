// Package executor turns trade intents into exchange orders (or paper
// simulations) while holding the position-lifecycle invariants. Terminal
// business rejections are never retried; transient gateway faults are retried
// with exponential backoff and jitter before one FAILED trade row is written.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"signaltrader/internal/gateway"
	"signaltrader/internal/gateway/exchange"
	"signaltrader/internal/ledger"
	"signaltrader/internal/logger"
	"signaltrader/internal/pkg/pricing"
	"signaltrader/internal/store"
	"signaltrader/internal/vault"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// ErrInvalidPaperPrice rejects a paper-mode intent without a price. Paper
// execution has no venue to discover a price from, so absence is a hard
// validation failure, not a default.
var ErrInvalidPaperPrice = errors.New("price is required for paper trading")

// ErrInvalidSize rejects non-positive sizes before any side effect.
var ErrInvalidSize = errors.New("size must be positive")

const maxRetries = 3

// Intent is one buy/sell request originating from a signal or manual call.
type Intent struct {
	UserID   string
	Symbol   string
	Side     string // "buy" or "sell"
	Size     float64
	Price    *float64 // nil selects a market order in live mode
	Exchange string
}

// Result is the structured outcome returned to the job layer.
type Result struct {
	Success    bool   `json:"success"`
	OrderID    string `json:"order_id,omitempty"`
	TradeID    string `json:"trade_id,omitempty"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
	PaperTrade bool   `json:"is_paper_trade,omitempty"`
}

// Notifier is the best-effort side channel invoked after a successful
// execution. Failures must never fail the order.
type Notifier interface {
	TradeExecuted(ctx context.Context, userID, action, symbol string, price, size float64)
}

type Executor struct {
	store    *store.Store
	ledger   *ledger.Ledger
	vault    *vault.Vault
	registry *gateway.Registry
	notifier Notifier

	// newBackOff is swapped in tests so retries do not sleep.
	newBackOff func() backoff.BackOff
}

func New(st *store.Store, led *ledger.Ledger, vlt *vault.Vault, reg *gateway.Registry, notifier Notifier) *Executor {
	return &Executor{
		store:      st,
		ledger:     led,
		vault:      vlt,
		registry:   reg,
		notifier:   notifier,
		newBackOff: defaultBackOff,
	}
}

// defaultBackOff: base ~60s, exponential with jitter, 3 retries after the
// initial attempt.
func defaultBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 60 * time.Second
	eb.RandomizationFactor = 0.5
	eb.Multiplier = 2
	eb.MaxInterval = 10 * time.Minute
	eb.MaxElapsedTime = 0
	return backoff.WithMaxRetries(eb, maxRetries)
}

// SetBackOffFactory overrides the retry schedule (tests).
func (e *Executor) SetBackOffFactory(f func() backoff.BackOff) {
	if f != nil {
		e.newBackOff = f
	}
}

// Execute validates the intent against the ledger, executes it (live or
// paper), records the trade and updates the position. Preconditions are
// checked in order: user exists, alternation rule, then mode-specific
// requirements. Every terminal rejection logs a warning and produces no
// trade row.
func (e *Executor) Execute(ctx context.Context, in Intent) Result {
	in.Side = strings.ToLower(strings.TrimSpace(in.Side))
	if in.Size <= 0 {
		return e.reject(ctx, in, ErrInvalidSize,
			fmt.Sprintf("REJECTED: %s signal ignored - non-positive size for %s", in.Side, in.Symbol))
	}
	if in.Side != store.ActionBuy && in.Side != store.ActionSell {
		return e.reject(ctx, in, fmt.Errorf("unsupported side %q", in.Side),
			fmt.Sprintf("REJECTED: unsupported side %q for %s", in.Side, in.Symbol))
	}

	if _, err := e.store.GetUser(ctx, in.UserID); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return e.reject(ctx, in, err,
				fmt.Sprintf("REJECTED: user %s not found", in.UserID))
		}
		return e.fail(ctx, in, err, false, false)
	}

	// Settings are read fresh on every execution so toggles (paper mode,
	// trailing) take effect on the next signal.
	settings, err := e.store.GetSettings(ctx, in.UserID)
	if err != nil {
		return e.fail(ctx, in, err, false, false)
	}

	pos, err := e.ledger.GetOpen(ctx, in.UserID, in.Symbol)
	if err != nil {
		return e.fail(ctx, in, err, settings.PaperTradingEnabled, false)
	}
	if in.Side == store.ActionBuy && pos != nil {
		return e.reject(ctx, in, ledger.ErrPositionExists,
			fmt.Sprintf("REJECTED: Buy signal ignored - already have open position for %s", in.Symbol))
	}
	if in.Side == store.ActionSell && pos == nil {
		return e.reject(ctx, in, ledger.ErrNoPosition,
			fmt.Sprintf("REJECTED: Sell signal ignored - no open position for %s", in.Symbol))
	}

	if settings.PaperTradingEnabled {
		return e.executePaper(ctx, in, pos)
	}
	return e.executeLive(ctx, in, pos)
}

// ---------------------------- paper ----------------------------

func (e *Executor) executePaper(ctx context.Context, in Intent, pos *store.Position) Result {
	if in.Price == nil {
		return e.reject(ctx, in, ErrInvalidPaperPrice,
			fmt.Sprintf("REJECTED: paper %s for %s has no price", in.Side, in.Symbol))
	}
	price := *in.Price
	tr := &store.Trade{
		UserID:       in.UserID,
		Symbol:       in.Symbol,
		Action:       in.Side,
		Price:        price,
		Size:         in.Size,
		Exchange:     in.Exchange,
		Result:       fmt.Sprintf("PAPER TRADE - Simulated: %s %v %s", in.Side, in.Size, in.Symbol),
		IsPaperTrade: true,
	}
	if err := e.applyLedger(ctx, in, pos, price, tr); err != nil {
		if rej, ok := e.ledgerReject(ctx, in, err); ok {
			return rej
		}
		return e.fail(ctx, in, err, true, false)
	}
	e.logSuccess(ctx, in, price, tr, true)
	e.notifyAsync(in, price)
	return Result{
		Success:    true,
		OrderID:    "paper_" + tr.ID,
		TradeID:    tr.ID,
		Message:    fmt.Sprintf("Successfully simulated %s order for %s (PAPER TRADE)", in.Side, in.Symbol),
		PaperTrade: true,
	}
}

// ---------------------------- live ----------------------------

func (e *Executor) executeLive(ctx context.Context, in Intent, pos *store.Position) Result {
	apiKey, apiSecret, err := e.vault.Resolve(ctx, in.UserID, in.Exchange)
	if err != nil {
		if errors.Is(err, vault.ErrNotConfigured) {
			return e.reject(ctx, in, err,
				fmt.Sprintf("REJECTED: no API credentials for exchange %s", in.Exchange))
		}
		return e.fail(ctx, in, err, false, false)
	}
	gw, err := e.registry.New(in.Exchange, apiKey, apiSecret)
	if err != nil {
		// Unknown exchange names are terminal.
		return e.reject(ctx, in, err,
			fmt.Sprintf("REJECTED: unknown exchange %q", in.Exchange))
	}

	req := exchange.OrderRequest{
		Symbol: in.Symbol,
		Type:   exchange.OrderTypeMarket,
		Side:   in.Side,
		Amount: in.Size,
		// One client order id per execution, not per attempt, so venues that
		// honor it deduplicate retried submissions.
		ClientOrderID: uuid.NewString(),
	}
	if in.Price != nil {
		req.Type = exchange.OrderTypeLimit
		req.Price = *in.Price
	}

	order, err := e.submitWithRetry(ctx, in, gw, req)
	if err != nil {
		return e.fail(ctx, in, err, false, true)
	}

	executed := order.ExecutedPrice
	if executed == 0 && in.Price != nil {
		executed = *in.Price
	}
	tr := &store.Trade{
		UserID:   in.UserID,
		Symbol:   in.Symbol,
		Action:   in.Side,
		Price:    executed,
		Size:     in.Size,
		Exchange: in.Exchange,
		Result:   fmt.Sprintf("Success: %s", order.OrderID),
		OrderID:  order.OrderID,
		Fees:     pricing.Fee(executed, in.Size),
	}
	if err := e.applyLedger(ctx, in, pos, executed, tr); err != nil {
		if errors.Is(err, ledger.ErrPositionExists) || errors.Is(err, ledger.ErrNoPosition) {
			// Race loser with a filled venue order: the submission happened
			// before the ledger's serialized re-check, so this cannot be a
			// silent rejection. The fill must stay on the audit trail.
			return e.failOrphanedOrder(ctx, in, executed, order, err)
		}
		return e.fail(ctx, in, err, false, false)
	}
	e.logSuccess(ctx, in, executed, tr, false)
	e.notifyAsync(in, executed)
	return Result{
		Success: true,
		OrderID: order.OrderID,
		TradeID: tr.ID,
		Message: fmt.Sprintf("Successfully executed %s order for %s", in.Side, in.Symbol),
	}
}

// submitWithRetry runs the order submission through the backoff schedule.
// No ledger lock is held while waiting between attempts.
func (e *Executor) submitWithRetry(ctx context.Context, in Intent, gw exchange.Exchange, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	var result *exchange.OrderResult
	attempt := 0
	op := func() error {
		attempt++
		res, err := gw.CreateOrder(ctx, req)
		if err != nil {
			logger.Warnw("order attempt failed",
				"user", in.UserID, "symbol", in.Symbol, "side", in.Side,
				"attempt", attempt, "err", err.Error())
			if !exchange.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(e.newBackOff(), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// ---------------------------- shared plumbing ----------------------------

// applyLedger commits the position mutation and the trade row atomically.
func (e *Executor) applyLedger(ctx context.Context, in Intent, pos *store.Position, price float64, tr *store.Trade) error {
	if in.Side == store.ActionBuy {
		_, err := e.ledger.OpenOrGrow(ctx, ledger.OpenParams{
			UserID:   in.UserID,
			Symbol:   in.Symbol,
			Exchange: in.Exchange,
			Side:     store.SideLong,
			Price:    price,
			Size:     in.Size,
		}, tr)
		return err
	}
	_, err := e.ledger.ReduceOrClose(ctx, pos.ID, price, in.Size, tr)
	return err
}

// ledgerReject maps alternation-invariant violations surfacing from the
// ledger's transactional re-check (the concurrent-race path: the precondition
// read saw no position, the serialized write did) onto terminal rejections so
// the loser of a race leaves no trade row. Paper path only: in paper mode the
// ledger mutation IS the execution, so nothing has happened yet. A live race
// loser already has a filled venue order and goes through failOrphanedOrder
// instead.
func (e *Executor) ledgerReject(ctx context.Context, in Intent, err error) (Result, bool) {
	switch {
	case errors.Is(err, ledger.ErrPositionExists):
		return e.reject(ctx, in, ledger.ErrPositionExists,
			fmt.Sprintf("REJECTED: Buy signal ignored - already have open position for %s", in.Symbol)), true
	case errors.Is(err, ledger.ErrNoPosition):
		return e.reject(ctx, in, ledger.ErrNoPosition,
			fmt.Sprintf("REJECTED: Sell signal ignored - no open position for %s", in.Symbol)), true
	}
	return Result{}, false
}

// reject handles terminal business-rule rejections: a warning log entry, no
// trade row, no retry.
func (e *Executor) reject(ctx context.Context, in Intent, cause error, message string) Result {
	data, _ := json.Marshal(map[string]any{
		"side":   in.Side,
		"symbol": in.Symbol,
		"reason": cause.Error(),
	})
	e.store.AppendLog(ctx, in.UserID, "warning", message, string(data))
	logger.Warnw("intent rejected",
		"user", in.UserID, "symbol", in.Symbol, "side", in.Side, "reason", cause.Error())
	return Result{
		Success: false,
		Error:   cause.Error(),
		Message: message,
	}
}

// failOrphanedOrder records a live submission that filled at the venue but
// lost the ledger race. The position record belongs to the winner; the fill
// still gets its one trade row so the venue order id is never lost.
func (e *Executor) failOrphanedOrder(ctx context.Context, in Intent, executed float64, order *exchange.OrderResult, cause error) Result {
	tr := &store.Trade{
		UserID:   in.UserID,
		Symbol:   in.Symbol,
		Action:   in.Side,
		Price:    executed,
		Size:     in.Size,
		Exchange: in.Exchange,
		Result:   fmt.Sprintf("FAILED: position race, unreconciled order %s", order.OrderID),
		OrderID:  order.OrderID,
		Fees:     pricing.Fee(executed, in.Size),
	}
	if err := e.store.AppendTrade(ctx, tr); err != nil {
		logger.Errorf("executor: orphaned-order trade row not recorded for user %s: %v", in.UserID, err)
	}
	data, _ := json.Marshal(map[string]any{
		"order_id": order.OrderID,
		"price":    executed,
		"reason":   cause.Error(),
	})
	e.store.AppendLog(ctx, in.UserID, "error",
		fmt.Sprintf("Order %s filled at venue but lost position race for %s; manual reconciliation needed",
			order.OrderID, in.Symbol), string(data))
	logger.Errorw("live order orphaned by position race",
		"user", in.UserID, "symbol", in.Symbol, "side", in.Side,
		"order_id", order.OrderID, "reason", cause.Error())
	return Result{
		Success: false,
		OrderID: order.OrderID,
		TradeID: tr.ID,
		Error:   cause.Error(),
		Message: fmt.Sprintf("Order filled but position update rejected for %s; order %s needs reconciliation",
			in.Symbol, order.OrderID),
	}
}

// fail handles exhausted retries and unexpected faults: exactly one FAILED
// trade row plus an error log entry. retried marks failures coming out of the
// venue submission loop; other faults never entered it and must not claim
// retries happened.
func (e *Executor) fail(ctx context.Context, in Intent, cause error, paper, retried bool) Result {
	msg := fmt.Sprintf("Failed to execute %s order for %s", in.Side, in.Symbol)
	if retried && exchange.Retryable(cause) {
		msg = fmt.Sprintf("Failed to execute %s order for %s after %d retries", in.Side, in.Symbol, maxRetries)
	}
	price := 0.0
	if in.Price != nil {
		price = *in.Price
	}
	tr := &store.Trade{
		UserID:       in.UserID,
		Symbol:       in.Symbol,
		Action:       in.Side,
		Price:        price,
		Size:         in.Size,
		Exchange:     in.Exchange,
		Result:       "FAILED: " + cause.Error(),
		IsPaperTrade: paper,
	}
	if err := e.store.AppendTrade(ctx, tr); err != nil {
		logger.Errorf("executor: failure trade row not recorded for user %s: %v", in.UserID, err)
	}
	data, _ := json.Marshal(map[string]any{"error": cause.Error()})
	e.store.AppendLog(ctx, in.UserID, "error", "Failed to execute order: "+cause.Error(), string(data))
	logger.Errorw("execution failed",
		"user", in.UserID, "symbol", in.Symbol, "side", in.Side, "err", cause.Error())
	return Result{
		Success: false,
		Error:   "Failed to execute order: " + cause.Error(),
		Message: msg,
	}
}

func (e *Executor) logSuccess(ctx context.Context, in Intent, price float64, tr *store.Trade, paper bool) {
	label := "Order executed"
	if paper {
		label = "PAPER TRADE - Order simulated"
	}
	data, _ := json.Marshal(map[string]any{"trade_id": tr.ID, "order_id": tr.OrderID, "price": price})
	e.store.AppendLog(ctx, in.UserID, "info",
		fmt.Sprintf("%s: %s %v %s at %v", label, in.Side, in.Size, in.Symbol, price), string(data))
	logger.Infow("order executed",
		"user", in.UserID, "symbol", in.Symbol, "side", in.Side,
		"price", price, "size", in.Size, "paper", paper)
}

func (e *Executor) notifyAsync(in Intent, price float64) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		e.notifier.TradeExecuted(ctx, in.UserID, in.Side, in.Symbol, price, in.Size)
	}()
}
