package executor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"signaltrader/internal/gateway"
	"signaltrader/internal/gateway/exchange"
	"signaltrader/internal/ledger"
	"signaltrader/internal/store"
	"signaltrader/internal/vault"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExchange scripts venue behavior per test. orderErr is returned on every
// CreateOrder call until cleared.
type fakeExchange struct {
	mu         sync.Mutex
	orders     []exchange.OrderRequest
	orderErr   error
	orderID    string
	execPrice  float64
	holdings   []exchange.AccountPosition
	balanceErr error

	// onCreate runs during CreateOrder, before the result is returned, to
	// script venue-time side effects.
	onCreate func()
}

func (f *fakeExchange) Name() string { return "mock" }

func (f *fakeExchange) Ticker(ctx context.Context, symbol string) (float64, error) {
	return f.execPrice, nil
}

func (f *fakeExchange) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	if f.onCreate != nil {
		f.onCreate()
	}
	return &exchange.OrderResult{OrderID: f.orderID, ExecutedPrice: f.execPrice}, nil
}

func (f *fakeExchange) Balance(ctx context.Context) ([]exchange.AccountPosition, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return f.holdings, nil
}

func (f *fakeExchange) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type fixture struct {
	store *store.Store
	exec  *Executor
	vault *vault.Vault
	gw    *fakeExchange
	user  *store.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	vlt, err := vault.New(st, "test-key")
	require.NoError(t, err)

	gw := &fakeExchange{orderID: "ord-1", execPrice: 50000}
	reg := gateway.NewRegistry()
	reg.Register("mock", func(apiKey, apiSecret string) (exchange.Exchange, error) {
		return gw, nil
	})

	exec := New(st, ledger.New(st), vlt, reg, nil)
	// Keep the retry schedule but drop the waits so tests do not sleep.
	exec.SetBackOffFactory(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxRetries)
	})

	user, err := st.CreateUser(context.Background(), "alice")
	require.NoError(t, err)
	return &fixture{store: st, exec: exec, vault: vlt, gw: gw, user: user}
}

func (f *fixture) setPaper(t *testing.T, paper bool) {
	t.Helper()
	settings, err := f.store.GetSettings(context.Background(), f.user.ID)
	require.NoError(t, err)
	settings.PaperTradingEnabled = paper
	require.NoError(t, f.store.SaveSettings(context.Background(), settings))
}

func (f *fixture) storeCreds(t *testing.T) {
	t.Helper()
	require.NoError(t, f.vault.Put(context.Background(), f.user.ID, "mock", "k", "s"))
}

func (f *fixture) trades(t *testing.T) []store.Trade {
	t.Helper()
	var rows []store.Trade
	require.NoError(t, f.store.DB().Order("timestamp").Find(&rows).Error)
	return rows
}

func intent(userID, side string, size float64, price *float64) Intent {
	return Intent{
		UserID:   userID,
		Symbol:   "BTC/USDT",
		Side:     side,
		Size:     size,
		Price:    price,
		Exchange: "mock",
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestPaperRoundTripRealizesPnL(t *testing.T) {
	f := newFixture(t)
	f.setPaper(t, true)
	ctx := context.Background()

	buy := f.exec.Execute(ctx, intent(f.user.ID, "buy", 2, floatPtr(100)))
	require.True(t, buy.Success, buy.Error)
	assert.True(t, buy.PaperTrade)

	sell := f.exec.Execute(ctx, intent(f.user.ID, "sell", 2, floatPtr(110)))
	require.True(t, sell.Success, sell.Error)

	rows := f.trades(t)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].IsPaperTrade)
	assert.Zero(t, rows[0].Fees)
	assert.InDelta(t, 20.0, rows[1].PnL, 1e-9)

	// No exchange interaction happened.
	assert.Zero(t, f.gw.orderCount())

	var pos store.Position
	require.NoError(t, f.store.DB().First(&pos).Error)
	assert.False(t, pos.IsOpen)
	assert.InDelta(t, 20.0, pos.PnL, 1e-9)
}

func TestPaperBuyWithoutPriceRejected(t *testing.T) {
	f := newFixture(t)
	f.setPaper(t, true)

	res := f.exec.Execute(context.Background(), intent(f.user.ID, "buy", 1, nil))
	assert.False(t, res.Success)
	assert.Equal(t, ErrInvalidPaperPrice.Error(), res.Error)
	assert.Empty(t, f.trades(t))
}

func TestDuplicateBuyRejectedWithoutTradeRow(t *testing.T) {
	f := newFixture(t)
	f.setPaper(t, true)
	ctx := context.Background()

	require.True(t, f.exec.Execute(ctx, intent(f.user.ID, "buy", 1, floatPtr(100))).Success)
	res := f.exec.Execute(ctx, intent(f.user.ID, "buy", 1, floatPtr(105)))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "already have open position")

	// Rejections are idempotent: replaying changes nothing.
	again := f.exec.Execute(ctx, intent(f.user.ID, "buy", 1, floatPtr(105)))
	assert.False(t, again.Success)

	rows := f.trades(t)
	assert.Len(t, rows, 1)
}

func TestSellWithoutPositionRejected(t *testing.T) {
	f := newFixture(t)
	f.setPaper(t, true)

	res := f.exec.Execute(context.Background(), intent(f.user.ID, "sell", 1, floatPtr(100)))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no open position")
	assert.Empty(t, f.trades(t))
}

func TestUnknownUserRejected(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Execute(context.Background(), intent("ghost", "buy", 1, floatPtr(100)))
	assert.False(t, res.Success)
	assert.Equal(t, store.ErrUserNotFound.Error(), res.Error)
	assert.Empty(t, f.trades(t))
}

func TestInvalidSizeRejected(t *testing.T) {
	f := newFixture(t)
	res := f.exec.Execute(context.Background(), intent(f.user.ID, "buy", 0, floatPtr(100)))
	assert.False(t, res.Success)
	assert.Empty(t, f.trades(t))
}

func TestLiveBuySubmitsMarketOrderAndChargesFee(t *testing.T) {
	f := newFixture(t)
	f.storeCreds(t)
	ctx := context.Background()

	res := f.exec.Execute(ctx, intent(f.user.ID, "buy", 0.1, nil))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ord-1", res.OrderID)

	require.Equal(t, 1, f.gw.orderCount())
	req := f.gw.orders[0]
	assert.Equal(t, exchange.OrderTypeMarket, req.Type)
	assert.NotEmpty(t, req.ClientOrderID)

	rows := f.trades(t)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].IsPaperTrade)
	assert.InDelta(t, 50000*0.1*0.001, rows[0].Fees, 1e-9)
}

func TestLiveRetriesExhaustedWritesOneFailedRow(t *testing.T) {
	f := newFixture(t)
	f.storeCreds(t)
	f.gw.orderErr = exchange.NewError(exchange.KindNetwork, "create_order", errors.New("dial timeout"))

	res := f.exec.Execute(context.Background(), intent(f.user.ID, "buy", 1, nil))
	assert.False(t, res.Success)

	// Initial attempt plus three retries.
	assert.Equal(t, 4, f.gw.orderCount())
	assert.Contains(t, res.Message, "after 3 retries")
	rows := f.trades(t)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Result, "FAILED:")

	// Same client order id across every retry attempt.
	first := f.gw.orders[0].ClientOrderID
	for _, req := range f.gw.orders {
		assert.Equal(t, first, req.ClientOrderID)
	}
}

func TestLiveBadRequestNotRetried(t *testing.T) {
	f := newFixture(t)
	f.storeCreds(t)
	f.gw.orderErr = exchange.NewError(exchange.KindBadRequest, "create_order", errors.New("invalid symbol"))

	res := f.exec.Execute(context.Background(), intent(f.user.ID, "buy", 1, nil))
	assert.False(t, res.Success)
	assert.Equal(t, 1, f.gw.orderCount())
	require.Len(t, f.trades(t), 1)
}

func TestLiveRaceLoserRecordsOrphanedOrder(t *testing.T) {
	f := newFixture(t)
	f.storeCreds(t)
	ctx := context.Background()

	// A rival position appears while the venue order is in flight: the
	// precondition read saw nothing, the ledger's serialized re-check will.
	led := ledger.New(f.store)
	f.gw.onCreate = func() {
		_, err := led.OpenOrGrow(ctx, ledger.OpenParams{
			UserID: f.user.ID, Symbol: "BTC/USDT", Exchange: "mock",
			Side: store.SideLong, Price: 100, Size: 1,
		}, nil)
		require.NoError(t, err)
	}

	res := f.exec.Execute(ctx, intent(f.user.ID, "buy", 1, nil))
	assert.False(t, res.Success)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.Contains(t, res.Error, ledger.ErrPositionExists.Error())
	assert.NotContains(t, res.Message, "retries")

	// The fill happened at the venue, so exactly one audit row carries it.
	rows := f.trades(t)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0].Result, "FAILED: position race")
	assert.Contains(t, rows[0].Result, "ord-1")
	assert.Equal(t, "ord-1", rows[0].OrderID)
	assert.NotZero(t, rows[0].Fees)

	// The rival's position is untouched by the loser.
	pos, err := led.GetOpen(ctx, f.user.ID, "BTC/USDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 1.0, pos.Size)
}

func TestLiveMissingCredentialsRejected(t *testing.T) {
	f := newFixture(t)

	res := f.exec.Execute(context.Background(), intent(f.user.ID, "buy", 1, nil))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no API credentials")
	assert.Empty(t, f.trades(t))
	assert.Zero(t, f.gw.orderCount())
}

func TestLiveUnknownExchangeRejected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.vault.Put(context.Background(), f.user.ID, "kraken", "k", "s"))

	in := intent(f.user.ID, "buy", 1, nil)
	in.Exchange = "kraken"
	res := f.exec.Execute(context.Background(), in)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, gateway.ErrUnknownExchange.Error())
	assert.Contains(t, res.Message, "unknown exchange")
	assert.Empty(t, f.trades(t))
}

func TestClosePositionLiveFlattensHoldings(t *testing.T) {
	f := newFixture(t)
	f.storeCreds(t)
	ctx := context.Background()

	// Open through the normal path first.
	require.True(t, f.exec.Execute(ctx, intent(f.user.ID, "buy", 0.5, nil)).Success)
	f.gw.holdings = []exchange.AccountPosition{
		{Symbol: "BTC", Amount: 0.5},
		{Symbol: "ETH", Amount: 3},
	}

	res := f.exec.ClosePosition(ctx, f.user.ID, "BTC/USDT", "mock")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.ClosedOrders)

	// Second order is the offsetting sell for the BTC holding only.
	require.Equal(t, 2, f.gw.orderCount())
	offset := f.gw.orders[1]
	assert.Equal(t, "sell", offset.Side)
	assert.Equal(t, 0.5, offset.Amount)
	assert.Equal(t, exchange.OrderTypeMarket, offset.Type)

	open, err := ledger.New(f.store).GetOpen(ctx, f.user.ID, "BTC/USDT")
	require.NoError(t, err)
	assert.Nil(t, open)

	rows := f.trades(t)
	require.Len(t, rows, 2)
	assert.Equal(t, store.ActionClose, rows[1].Action)
	assert.NotZero(t, rows[1].Fees)
}

func TestClosePositionPaperUsesSellPath(t *testing.T) {
	f := newFixture(t)
	f.setPaper(t, true)
	ctx := context.Background()

	require.True(t, f.exec.Execute(ctx, intent(f.user.ID, "buy", 2, floatPtr(100))).Success)
	res := f.exec.ClosePosition(ctx, f.user.ID, "BTC/USDT", "mock")
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.ClosedOrders)
	assert.Zero(t, f.gw.orderCount())
}

func TestCloseTriggeredPaperExitsAtTriggerPrice(t *testing.T) {
	f := newFixture(t)
	f.setPaper(t, true)
	ctx := context.Background()

	require.True(t, f.exec.Execute(ctx, intent(f.user.ID, "buy", 2, floatPtr(100))).Success)
	res := f.exec.CloseTriggered(ctx, f.user.ID, "BTC/USDT", "mock", 113)
	require.True(t, res.Success, res.Error)

	rows := f.trades(t)
	require.Len(t, rows, 2)
	assert.Equal(t, 113.0, rows[1].Price)
	assert.InDelta(t, 26.0, rows[1].PnL, 1e-9)

	var pos store.Position
	require.NoError(t, f.store.DB().First(&pos).Error)
	assert.False(t, pos.IsOpen)
	assert.Equal(t, 113.0, pos.ExitPrice)
}

func TestCloseMissingUserFails(t *testing.T) {
	f := newFixture(t)
	res := f.exec.ClosePosition(context.Background(), "ghost", "BTC/USDT", "mock")
	assert.False(t, res.Success)
	assert.Equal(t, store.ErrUserNotFound.Error(), res.Error)
}
