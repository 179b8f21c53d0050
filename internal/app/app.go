// Package app assembles the engine: storage, ledger, vault, exchange
// registry, executor, worker pool, trailing-stop monitor, health reporter and
// the HTTP surface, then runs them until the context is canceled.
package app

import (
	"context"
	"fmt"
	"time"

	"signaltrader/internal/config"
	"signaltrader/internal/executor"
	"signaltrader/internal/gateway"
	"signaltrader/internal/gateway/binance"
	"signaltrader/internal/health"
	"signaltrader/internal/ledger"
	"signaltrader/internal/logger"
	"signaltrader/internal/monitor"
	"signaltrader/internal/notify"
	"signaltrader/internal/scheduler"
	"signaltrader/internal/store"
	transporthttp "signaltrader/internal/transport/http"
	"signaltrader/internal/vault"
	"signaltrader/internal/worker"

	"golang.org/x/sync/errgroup"
)

type App struct {
	cfg      *config.Config
	store    *store.Store
	pool     *worker.Pool
	monitor  *monitor.Monitor
	reporter *health.Reporter
	server   *transporthttp.Server
}

// NewApp builds the application object from config without starting anything.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	st, err := store.Open(cfg.App.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	vlt, err := vault.New(st, cfg.Vault.MasterKey)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := gateway.NewRegistry()
	registry.Register("binance", binance.New)

	led := ledger.New(st)
	dispatcher := notify.NewDispatcher(st, emailNotifier(cfg), telegramNotifier(cfg))
	exec := executor.New(st, led, vlt, registry, dispatcher)

	pool := worker.NewPool(exec, cfg.Worker.Count, cfg.Worker.QueueDepth)
	mon := monitor.New(st, led, registry, func(userID, symbol, exchangeName string, triggerPrice float64) {
		if _, err := pool.EnqueueClose(userID, symbol, exchangeName, triggerPrice); err != nil {
			logger.Errorf("app: trailing close not queued for user %s %s: %v", userID, symbol, err)
		}
	})
	mon.SetTickTimeout(time.Duration(cfg.Monitor.TickTimeoutSeconds) * time.Second)

	reporter := health.NewReporter(st)
	server := transporthttp.NewServer(st, vlt, pool, reporter)

	return &App{
		cfg:      cfg,
		store:    st,
		pool:     pool,
		monitor:  mon,
		reporter: reporter,
		server:   server,
	}, nil
}

func emailNotifier(cfg *config.Config) notify.TextNotifier {
	smtp := cfg.Notify.SMTP
	if smtp.Host == "" {
		return nil
	}
	return notify.NewEmail(smtp.Host, smtp.Port, smtp.Username, smtp.Password, smtp.From)
}

func telegramNotifier(cfg *config.Config) notify.TextNotifier {
	tg := cfg.Notify.Telegram
	if tg.BotToken == "" || tg.ChatID == "" {
		return nil
	}
	return notify.NewTelegram(tg.BotToken, tg.ChatID)
}

// Run starts the worker pool, the periodic jobs and the HTTP server, then
// blocks until the context is canceled and everything has drained.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.store.Close()

	a.pool.Start(ctx)
	defer a.pool.Stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		scan := scheduler.NewInterval(ctx, "trailing-stop",
			time.Duration(a.cfg.Monitor.IntervalSeconds)*time.Second)
		scan.Start(func() { a.monitor.Scan(ctx) })
		return nil
	})

	group.Go(func() error {
		check := scheduler.NewInterval(ctx, "health",
			time.Duration(a.cfg.Health.IntervalMinutes)*time.Minute)
		check.RunImmediately = true
		check.Start(func() { a.reporter.Check(ctx) })
		return nil
	})

	group.Go(func() error {
		return a.server.Run(a.cfg.App.HTTPAddr)
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
