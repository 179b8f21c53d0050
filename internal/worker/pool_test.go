package worker

import (
	"context"
	"testing"
	"time"

	"signaltrader/internal/executor"
	"signaltrader/internal/gateway"
	"signaltrader/internal/ledger"
	"signaltrader/internal/store"
	"signaltrader/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, workers, depth int) (*Pool, *store.Store, *store.User) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	vlt, err := vault.New(st, "test-key")
	require.NoError(t, err)

	user, err := st.CreateUser(context.Background(), "alice")
	require.NoError(t, err)
	settings, err := st.GetSettings(context.Background(), user.ID)
	require.NoError(t, err)
	settings.PaperTradingEnabled = true
	require.NoError(t, st.SaveSettings(context.Background(), settings))

	exec := executor.New(st, ledger.New(st), vlt, gateway.NewRegistry(), nil)
	return NewPool(exec, workers, depth), st, user
}

func waitDone(t *testing.T, p *Pool, jobID string) JobState {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		state, ok := p.Status(jobID)
		require.True(t, ok, "job state vanished")
		if state.Status == StatusDone {
			return state
		}
		select {
		case <-deadline:
			t.Fatalf("job %s still %s", jobID, state.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEnqueueReturnsImmediatelyAndRuns(t *testing.T) {
	p, st, user := newTestPool(t, 2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	price := 100.0
	jobID, err := p.EnqueueExecute(executor.Intent{
		UserID:   user.ID,
		Symbol:   "BTC/USDT",
		Side:     "buy",
		Size:     1,
		Price:    &price,
		Exchange: "binance",
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	state := waitDone(t, p, jobID)
	assert.Equal(t, KindExecuteOrder, state.Kind)
	res, ok := state.Result.(executor.Result)
	require.True(t, ok)
	assert.True(t, res.Success, res.Error)
	assert.False(t, state.FinishedAt.IsZero())

	var n int64
	require.NoError(t, st.DB().Model(&store.Trade{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestCloseJobWithTriggerPrice(t *testing.T) {
	p, st, user := newTestPool(t, 2, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	price := 100.0
	buyID, err := p.EnqueueExecute(executor.Intent{
		UserID: user.ID, Symbol: "BTC/USDT", Side: "buy",
		Size: 2, Price: &price, Exchange: "binance",
	})
	require.NoError(t, err)
	waitDone(t, p, buyID)

	closeID, err := p.EnqueueClose(user.ID, "BTC/USDT", "binance", 113)
	require.NoError(t, err)
	state := waitDone(t, p, closeID)

	res, ok := state.Result.(executor.CloseResult)
	require.True(t, ok)
	assert.True(t, res.Success, res.Error)

	var pos store.Position
	require.NoError(t, st.DB().First(&pos).Error)
	assert.False(t, pos.IsOpen)
	assert.Equal(t, 113.0, pos.ExitPrice)
}

func TestQueueFull(t *testing.T) {
	p, _, user := newTestPool(t, 1, 1)
	// Pool not started: the single buffer slot fills and the next enqueue
	// must fail fast instead of blocking the producer.
	price := 100.0
	in := executor.Intent{
		UserID: user.ID, Symbol: "BTC/USDT", Side: "buy",
		Size: 1, Price: &price, Exchange: "binance",
	}
	_, err := p.EnqueueExecute(in)
	require.NoError(t, err)

	id, err := p.EnqueueExecute(in)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Empty(t, id)
	_, ok := p.Status(id)
	assert.False(t, ok)
}

func TestStatusUnknownJob(t *testing.T) {
	p, _, _ := newTestPool(t, 1, 1)
	_, ok := p.Status("missing")
	assert.False(t, ok)
}
