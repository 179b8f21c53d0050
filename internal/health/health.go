// Package health produces periodic aggregate metrics with no influence on
// trading logic.
package health

import (
	"context"
	"time"

	"signaltrader/internal/logger"
	"signaltrader/internal/store"
)

type Report struct {
	Status        string `json:"status"`
	ActiveUsers   int64  `json:"active_users"`
	Trades24h     int64  `json:"trades_24h"`
	OpenPositions int64  `json:"open_positions"`
}

type Reporter struct {
	store *store.Store
}

func NewReporter(st *store.Store) *Reporter {
	return &Reporter{store: st}
}

// Check aggregates the last 24 hours and persists one snapshot row.
func (r *Reporter) Check(ctx context.Context) Report {
	since := time.Now().UTC().Add(-24 * time.Hour)

	activeUsers, err := r.store.CountActiveUsers(ctx, since)
	if err != nil {
		logger.Errorf("health: active user count failed: %v", err)
		return Report{Status: "error"}
	}
	trades, err := r.store.CountTrades(ctx, since)
	if err != nil {
		logger.Errorf("health: trade count failed: %v", err)
		return Report{Status: "error"}
	}
	open, err := r.store.CountOpenPositions(ctx)
	if err != nil {
		logger.Errorf("health: open position count failed: %v", err)
		return Report{Status: "error"}
	}

	snap := &store.HealthSnapshot{
		ActiveUsers:   activeUsers,
		Trades24h:     trades,
		OpenPositions: open,
	}
	if err := r.store.SaveHealthSnapshot(ctx, snap); err != nil {
		logger.Errorf("health: snapshot persist failed: %v", err)
	}

	logger.Infof("health: active_users=%d trades_24h=%d open_positions=%d", activeUsers, trades, open)
	return Report{
		Status:        "success",
		ActiveUsers:   activeUsers,
		Trades24h:     trades,
		OpenPositions: open,
	}
}
