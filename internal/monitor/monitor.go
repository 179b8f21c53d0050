// Package monitor re-prices open trailing-stop positions on a fixed cadence,
// ratchets their high-water marks, and requests asynchronous closes when a
// stop is breached. One position's failure never aborts the scan of others.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signaltrader/internal/gateway"
	"signaltrader/internal/gateway/exchange"
	"signaltrader/internal/ledger"
	"signaltrader/internal/logger"
	"signaltrader/internal/pkg/circuit"
	"signaltrader/internal/pkg/pricing"
	"signaltrader/internal/store"

	"golang.org/x/sync/errgroup"
)

// CloseFunc requests an asynchronous close of the full position. It must not
// block: the monitor fires it and moves on.
type CloseFunc func(userID, symbol, exchangeName string, triggerPrice float64)

// ScanReport summarizes one scan tick.
type ScanReport struct {
	Status         string `json:"status"`
	UsersMonitored int    `json:"users_monitored"`
}

type Monitor struct {
	store    *store.Store
	ledger   *ledger.Ledger
	registry *gateway.Registry
	trigger  CloseFunc

	// Per-position exchange calls get a bounded timeout so one stalled venue
	// cannot stall the remainder of the scan.
	tickTimeout time.Duration
	parallelism int

	mu       sync.Mutex
	tickers  map[string]exchange.Exchange
	breakers map[string]*circuit.Breaker
}

func New(st *store.Store, led *ledger.Ledger, reg *gateway.Registry, trigger CloseFunc) *Monitor {
	return &Monitor{
		store:       st,
		ledger:      led,
		registry:    reg,
		trigger:     trigger,
		tickTimeout: 10 * time.Second,
		parallelism: 8,
		tickers:     make(map[string]exchange.Exchange),
		breakers:    make(map[string]*circuit.Breaker),
	}
}

// SetTickTimeout overrides the per-position exchange-call budget (tests).
func (m *Monitor) SetTickTimeout(d time.Duration) {
	if d > 0 {
		m.tickTimeout = d
	}
}

// Scan walks every user with trailing stops enabled and every open position
// of theirs. Ticks for different positions run in parallel with a bound.
func (m *Monitor) Scan(ctx context.Context) ScanReport {
	settingsRows, err := m.store.UsersWithTrailingStop(ctx)
	if err != nil {
		logger.Errorf("monitor: listing trailing-stop users failed: %v", err)
		return ScanReport{Status: "error"}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for _, settings := range settingsRows {
		positions, err := m.store.OpenPositionsForUser(ctx, settings.UserID)
		if err != nil {
			logger.Errorf("monitor: listing positions for user %s failed: %v", settings.UserID, err)
			continue
		}
		for _, pos := range positions {
			pos := pos
			pct := settings.TrailingStopPercent
			g.Go(func() error {
				m.tickPosition(gctx, pos, pct)
				return nil
			})
		}
	}
	_ = g.Wait()

	logger.Infof("monitor: trailing-stop scan finished users=%d", len(settingsRows))
	return ScanReport{Status: "success", UsersMonitored: len(settingsRows)}
}

// tickPosition applies one trailing-stop evaluation. Errors are logged and
// swallowed: the scan must go on.
func (m *Monitor) tickPosition(ctx context.Context, pos store.Position, trailingPercent float64) {
	if pos.Side != store.SideLong {
		// SHORT trailing (trough ratchet, stop above) is a structural mirror
		// of this path but is not wired yet.
		return
	}
	if trailingPercent <= 0 {
		trailingPercent = 1.0
	}

	current, err := m.currentPrice(ctx, pos.Exchange, pos.Symbol)
	if err != nil {
		logger.Warnw("monitor: ticker fetch failed",
			"user", pos.UserID, "symbol", pos.Symbol, "exchange", pos.Exchange, "err", err.Error())
		return
	}

	highest := pos.HighestPrice
	if highest == 0 || pricing.GT(current, highest) {
		highest = current
	}
	stop := pricing.TrailingStop(highest, trailingPercent)
	if err := m.ledger.UpdateTrailing(ctx, pos.ID, highest, stop); err != nil {
		logger.Errorf("monitor: trailing update failed for position %s: %v", pos.ID, err)
		return
	}

	if pricing.LTE(current, stop) {
		m.fireTrigger(ctx, pos, current, stop)
	}
}

func (m *Monitor) fireTrigger(ctx context.Context, pos store.Position, current, stop float64) {
	logger.Infow("monitor: trailing stop hit",
		"user", pos.UserID, "symbol", pos.Symbol, "price", current, "stop", stop)

	settings, err := m.store.GetSettings(ctx, pos.UserID)
	paper := err == nil && settings.PaperTradingEnabled

	tr := &store.Trade{
		UserID:       pos.UserID,
		Symbol:       pos.Symbol,
		Action:       store.ActionSell,
		Price:        current,
		Size:         pos.Size,
		Exchange:     pos.Exchange,
		Result:       fmt.Sprintf("Trailing stop-loss triggered at %v", current),
		IsPaperTrade: paper,
	}
	if !paper {
		tr.Fees = pricing.Fee(current, pos.Size)
	}
	if err := m.store.AppendTrade(ctx, tr); err != nil {
		logger.Errorf("monitor: trigger trade row failed for position %s: %v", pos.ID, err)
	}
	m.store.AppendLog(ctx, pos.UserID, "info",
		fmt.Sprintf("Trailing stop hit for %s at %v", pos.Symbol, current), "")

	if m.trigger != nil {
		// Fire and forget relative to this tick.
		m.trigger(pos.UserID, pos.Symbol, pos.Exchange, current)
	}
}

// currentPrice fetches the last price through a per-exchange public client,
// guarded by a circuit breaker.
func (m *Monitor) currentPrice(ctx context.Context, exchangeName, symbol string) (float64, error) {
	breaker := m.breakerFor(exchangeName)
	if !breaker.Allow() {
		return 0, fmt.Errorf("circuit open for exchange %s", exchangeName)
	}
	client, err := m.tickerClient(exchangeName)
	if err != nil {
		return 0, err
	}
	tctx, cancel := context.WithTimeout(ctx, m.tickTimeout)
	defer cancel()
	price, err := client.Ticker(tctx, symbol)
	if err != nil {
		breaker.RecordFailure()
		return 0, err
	}
	breaker.RecordSuccess()
	return price, nil
}

func (m *Monitor) tickerClient(exchangeName string) (exchange.Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.tickers[exchangeName]; ok {
		return c, nil
	}
	c, err := m.registry.NewPublic(exchangeName)
	if err != nil {
		return nil, err
	}
	m.tickers[exchangeName] = c
	return c, nil
}

func (m *Monitor) breakerFor(exchangeName string) *circuit.Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[exchangeName]
	if !ok {
		b = circuit.NewBreaker("ticker:"+exchangeName, 5, 30*time.Second)
		m.breakers[exchangeName] = b
	}
	return b
}
