package gateway

import (
	"testing"

	"signaltrader/internal/gateway/exchange"

	"github.com/stretchr/testify/assert"
)

type nilExchange struct{ exchange.Exchange }

func TestRegistryUnknownExchange(t *testing.T) {
	r := NewRegistry()
	_, err := r.New("kraken", "k", "s")
	assert.ErrorIs(t, err, ErrUnknownExchange)
	_, err = r.NewPublic("kraken")
	assert.ErrorIs(t, err, ErrUnknownExchange)
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Register("Binance", func(apiKey, apiSecret string) (exchange.Exchange, error) {
		return nilExchange{}, nil
	})
	gw, err := r.New(" BINANCE ", "k", "s")
	assert.NoError(t, err)
	assert.NotNil(t, gw)
	assert.Equal(t, []string{"binance"}, r.Names())
}
