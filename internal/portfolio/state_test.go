package portfolio

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-gate/internal/intent"
)

var now = time.Date(2025, 6, 20, 15, 0, 0, 0, time.UTC)

func callIntent(t *testing.T, side string, qty any) intent.OrderIntent {
	t.Helper()
	in, err := intent.FromTrade(&intent.Trade{
		Symbol: "SPY", Side: side, Quantity: qty, LimitPrice: 1.25,
		Expiry: "2025-06-20", Strike: 550, Right: "C", StrategyID: "long_call",
	}, "SIM", intent.DefaultDefaults(), now)
	require.NoError(t, err)
	return in
}

func TestApplyFillOpensAddsAndCloses(t *testing.T) {
	m := NewManager("", 100000)
	require.NoError(t, m.Load(now))

	buy := callIntent(t, "BUY", 2)
	realized, err := m.ApplyFill(Fill{ID: "f1", Intent: buy, Quantity: 2, Price: 1.00, At: now})
	require.NoError(t, err)
	assert.Zero(t, realized)

	realized, err = m.ApplyFill(Fill{ID: "f2", Intent: buy, Quantity: 2, Price: 1.50, At: now})
	require.NoError(t, err)
	assert.Zero(t, realized)

	pos, ok := m.GetPosition(ContractKey(buy))
	require.True(t, ok)
	assert.Equal(t, 4.0, pos.Quantity)
	assert.InDelta(t, 1.25, pos.AvgEntryPrice, 1e-12)
	assert.Equal(t, 100.0, pos.Multiplier)

	sell := callIntent(t, "SELL", 3)
	realized, err = m.ApplyFill(Fill{ID: "f3", Intent: sell, Quantity: 3, Price: 2.00, At: now})
	require.NoError(t, err)
	assert.InDelta(t, 225.0, realized, 1e-9) // 3 * 0.75 * 100

	realized, err = m.ApplyFill(Fill{ID: "f4", Intent: sell, Quantity: 1, Price: 1.00, At: now})
	require.NoError(t, err)
	assert.InDelta(t, -25.0, realized, 1e-9)

	assert.Empty(t, m.OpenPositions())
	assert.InDelta(t, 200.0, m.RealizedPnL(), 1e-9)
	assert.InDelta(t, 100200.0, m.GetNAV(), 1e-9)
	assert.Equal(t, 4, m.GetDailyStats().TradesToday)
}

func TestShortPositionAndReversal(t *testing.T) {
	m := NewManager("", 100000)
	sell := callIntent(t, "SELL", 1)
	_, err := m.ApplyFill(Fill{Intent: sell, Quantity: 1, Price: 2.0, At: now})
	require.NoError(t, err)

	buy := callIntent(t, "BUY", 3)
	realized, err := m.ApplyFill(Fill{Intent: buy, Quantity: 3, Price: 1.5, At: now})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, realized, 1e-9)

	pos, ok := m.GetPosition(ContractKey(buy))
	require.True(t, ok)
	assert.Equal(t, 2.0, pos.Quantity)
	assert.Equal(t, 1.5, pos.AvgEntryPrice)
	assert.Equal(t, "BUY", pos.Contract.Side)
}

func TestMarkAndClosingIntent(t *testing.T) {
	m := NewManager("", 100000)
	buy := callIntent(t, "BUY", 2)
	_, err := m.ApplyFill(Fill{Intent: buy, Quantity: 2, Price: 1.0, At: now})
	require.NoError(t, err)

	key := ContractKey(buy)
	require.NoError(t, m.Mark(key, 1.4, now))
	assert.InDelta(t, 80.0, m.UnrealizedPnL(), 1e-9)

	positions := m.OpenPositions()
	require.Len(t, positions, 1)
	closing, err := ClosingIntent(positions[0], 12345)
	require.NoError(t, err)
	assert.Equal(t, "SELL", closing.Side)
	assert.Equal(t, "2", closing.Quantity.String())
	assert.Equal(t, "MARKET", closing.OrderType)
	assert.Nil(t, closing.LimitPrice)
	assert.Equal(t, int64(12345), closing.TimestampBucket)
	assert.Equal(t, key, ContractKey(closing))
	assert.NotEqual(t, buy.Hash(), closing.Hash())
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "portfolio.json")
	m := NewManager(path, 50000)
	require.NoError(t, m.Load(now))
	_, err := m.ApplyFill(Fill{Intent: callIntent(t, "BUY", 1), Quantity: 1, Price: 2.0, At: now})
	require.NoError(t, err)

	reloaded := NewManager(path, 0)
	require.NoError(t, reloaded.Load(now.Add(24*time.Hour)))
	positions := reloaded.OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, 1.0, positions[0].Quantity)
	assert.Zero(t, positions[0].TradeCountToday, "daily counters reset on a new day")
	assert.Equal(t, 50000.0, reloaded.GetNAV())
}

func TestApplyFillRejectsBadInput(t *testing.T) {
	m := NewManager("", 1000)
	_, err := m.ApplyFill(Fill{ID: "bad", Intent: callIntent(t, "BUY", 1), Quantity: 0, Price: 1, At: now})
	assert.Error(t, err)
}
