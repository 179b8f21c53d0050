// Package notify delivers best-effort trade notifications. Delivery failures
// are logged and dropped; they never propagate to the execution path.
package notify

import (
	"context"
	"fmt"
	"time"

	"signaltrader/internal/logger"
	"signaltrader/internal/store"
)

// TextNotifier is a minimal text sink. Kept small so components can depend on
// it without importing concrete transports.
type TextNotifier interface {
	SendText(to, subject, body string) error
}

// Dispatcher fans a trade event out to the channels the user enabled. User
// settings are read fresh per event so toggling notifications applies to the
// next trade.
type Dispatcher struct {
	store    *store.Store
	email    TextNotifier
	telegram TextNotifier
}

func NewDispatcher(st *store.Store, email, telegram TextNotifier) *Dispatcher {
	return &Dispatcher{store: st, email: email, telegram: telegram}
}

func (d *Dispatcher) TradeExecuted(ctx context.Context, userID, action, symbol string, price, size float64) {
	settings, err := d.store.GetSettings(ctx, userID)
	if err != nil {
		logger.Warnf("notify: settings fetch failed for user %s: %v", userID, err)
		return
	}
	if !settings.EnableNotifications {
		return
	}

	subject := fmt.Sprintf("SignalTrader: %s %s", action, symbol)
	body := fmt.Sprintf(
		"Trade executed\n\nType: %s\nSymbol: %s\nPrice: $%.2f\nSize: %v\nTotal: $%.2f\n\nTime: %s UTC\n",
		action, symbol, price, size, price*size,
		time.Now().UTC().Format("2006-01-02 15:04:05"))

	if d.email != nil && settings.NotificationEmail != "" {
		if err := d.email.SendText(settings.NotificationEmail, subject, body); err != nil {
			logger.Warnf("notify: email delivery failed for user %s: %v", userID, err)
		}
	}
	if d.telegram != nil {
		if err := d.telegram.SendText("", subject, body); err != nil {
			logger.Warnf("notify: telegram delivery failed for user %s: %v", userID, err)
		}
	}
}
