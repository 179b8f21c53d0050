package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestUserLookup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	u, err := st.CreateUser(ctx, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, u.WebhookToken)

	got, err := st.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	byToken, err := st.GetUserByWebhookToken(ctx, u.WebhookToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, byToken.ID)

	_, err = st.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = st.GetUserByWebhookToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetSettingsCreatesDefaults(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u, err := st.CreateUser(ctx, "alice")
	require.NoError(t, err)

	settings, err := st.GetSettings(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "market", settings.TradingMode)
	assert.Equal(t, 100.0, settings.DefaultPositionSize)
	assert.Equal(t, 1.0, settings.TrailingStopPercent)
	assert.False(t, settings.AutoTradingEnabled)

	// Second read returns the same row, not a second default row.
	again, err := st.GetSettings(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, settings.ID, again.ID)
}

func TestSettingsUpdateVisibleOnNextRead(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	u, err := st.CreateUser(ctx, "alice")
	require.NoError(t, err)

	settings, err := st.GetSettings(ctx, u.ID)
	require.NoError(t, err)
	settings.PaperTradingEnabled = true
	settings.TrailingStopEnabled = true
	require.NoError(t, st.SaveSettings(ctx, settings))

	fresh, err := st.GetSettings(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, fresh.PaperTradingEnabled)

	rows, err := st.UsersWithTrailingStop(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, u.ID, rows[0].UserID)
}

func TestHealthAggregates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendTrade(ctx, &Trade{
		UserID: "u1", Action: ActionBuy, Symbol: "BTC/USDT", Price: 100, Size: 1,
		Exchange: "binance", Result: "Success: 1",
	}))
	old := &Trade{
		UserID: "u2", Action: ActionBuy, Symbol: "ETH/USDT", Price: 10, Size: 1,
		Exchange: "binance", Result: "Success: 2",
		Timestamp: time.Now().UTC().Add(-48 * time.Hour),
	}
	require.NoError(t, st.AppendTrade(ctx, old))

	since := time.Now().UTC().Add(-24 * time.Hour)
	users, err := st.CountActiveUsers(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), users)

	trades, err := st.CountTrades(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), trades)

	require.NoError(t, st.SavePosition(ctx, &Position{
		ID: "p1", UserID: "u1", Symbol: "BTC/USDT", Exchange: "binance",
		Side: SideLong, EntryPrice: 100, Size: 1, IsOpen: true,
	}))
	open, err := st.CountOpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), open)
}

func TestInMemorySchemaSharedAcrossPool(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Pin the first pooled connection inside an open transaction, then query
	// through the store so the pool hands out its second connection. Both must
	// see the migrated schema.
	tx := st.DB().Begin()
	require.NoError(t, tx.Error)
	defer tx.Rollback()

	n, err := st.CountOpenPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestInMemoryStoresAreIsolated(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)
	ctx := context.Background()

	_, err := a.CreateUser(ctx, "alice")
	require.NoError(t, err)

	var n int64
	require.NoError(t, b.DB().Model(&User{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)
}

func TestAppendWebhookEventFillsDefaults(t *testing.T) {
	st := newTestStore(t)
	ev := &WebhookEvent{UserID: "u1", Action: "buy", Symbol: "BTC/USDT"}
	require.NoError(t, st.AppendWebhookEvent(context.Background(), ev))
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}
