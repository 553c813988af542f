package portfolio

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/options-gate/internal/intent"
)

// Position is the net holding in one contract.
type Position struct {
	Key              string             `json:"key"`                // Contract key (symbol, expiry, strike, right, product)
	Contract         intent.OrderIntent `json:"contract"`           // Opening order, used as the template for closing orders
	Quantity         float64            `json:"quantity"`           // Signed: positive long, negative short
	AvgEntryPrice    float64            `json:"avg_entry_price"`    // Average entry price per unit
	Multiplier       float64            `json:"multiplier"`         // Contract multiplier
	MarkPrice        float64            `json:"mark_price"`         // Last marked price
	UnrealizedPnL    float64            `json:"unrealized_pnl"`     // Against the last mark
	RealizedPnLToday float64            `json:"realized_pnl_today"` // Realized today
	LastTradeAt      string             `json:"last_trade_at"`      // Timestamp of last fill
	TradeCountToday  int                `json:"trade_count_today"`  // Fills today
}

// DailyStats tracks daily portfolio statistics
type DailyStats struct {
	Date               string  `json:"date"`                 // YYYY-MM-DD
	TotalExposureUSD   float64 `json:"total_exposure_usd"`   // Gross notional at entry or mark
	ExposurePctCapital float64 `json:"exposure_pct_capital"` // Exposure as % of capital
	TradesToday        int     `json:"trades_today"`         // Fills today
	PnLToday           float64 `json:"pnl_today"`            // Realized today
}

// State is the persisted book.
type State struct {
	Version     int64               `json:"version"`      // Monotonic version for atomic updates
	UpdatedAt   string              `json:"updated_at"`   // Last update timestamp
	Positions   map[string]Position `json:"positions"`    // Open positions by contract key
	DailyStats  DailyStats          `json:"daily_stats"`  // Current day statistics
	CapitalBase float64             `json:"capital_base"` // Capital for exposure and NAV
	RealizedPnL float64             `json:"realized_pnl"` // Session realized PnL
}

// Fill is one execution applied to the book.
type Fill struct {
	ID       string
	Intent   intent.OrderIntent
	Quantity float64 // unsigned
	Price    float64
	At       time.Time
}

// Manager holds the position book. An empty file path keeps it in memory.
type Manager struct {
	filePath string
	state    State
	mu       sync.RWMutex
}

func NewManager(filePath string, capitalBase float64) *Manager {
	return &Manager{
		filePath: filePath,
		state: State{
			Positions:   make(map[string]Position),
			CapitalBase: capitalBase,
		},
	}
}

// Load reads the book from disk, creating it if the file does not exist.
func (m *Manager) Load(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	today := now.UTC().Format("2006-01-02")
	if m.filePath == "" {
		m.state.DailyStats.Date = today
		return nil
	}
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.state.DailyStats.Date = today
			return m.saveUnsafe(now)
		}
		return fmt.Errorf("failed to read portfolio state: %w", err)
	}
	if err := json.Unmarshal(data, &m.state); err != nil {
		return fmt.Errorf("failed to unmarshal portfolio state: %w", err)
	}
	if m.state.Positions == nil {
		m.state.Positions = make(map[string]Position)
	}
	if m.state.DailyStats.Date != today {
		m.resetDailyStats(today)
	}
	return nil
}

// saveUnsafe writes through a temp file and rename. Callers hold mu.
func (m *Manager) saveUnsafe(now time.Time) error {
	m.state.Version++
	m.state.UpdatedAt = now.UTC().Format(time.RFC3339)
	if m.filePath == "" {
		return nil
	}

	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal portfolio state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create portfolio dir: %w", err)
	}
	tempPath := m.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp portfolio state: %w", err)
	}
	if err := os.Rename(tempPath, m.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename portfolio state: %w", err)
	}
	return nil
}

// ContractKey identifies the instrument an intent trades, independent of
// side, size, price and strategy.
func ContractKey(in intent.OrderIntent) string {
	strike := ""
	if in.Strike != nil {
		strike = in.Strike.String()
	}
	return strings.Join([]string{in.Symbol, in.Expiry, strike, in.Right, in.Product}, "|")
}

// ApplyFill books a fill and returns the PnL it realized.
func (m *Manager) ApplyFill(f Fill) (float64, error) {
	if f.Quantity <= 0 || f.Price <= 0 || math.IsNaN(f.Price) {
		return 0, fmt.Errorf("invalid fill %s: qty=%v price=%v", f.ID, f.Quantity, f.Price)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	today := f.At.UTC().Format("2006-01-02")
	if m.state.DailyStats.Date != today {
		m.resetDailyStats(today)
	}

	qty := f.Quantity
	if f.Intent.Side == "SELL" {
		qty = -qty
	}
	key := ContractKey(f.Intent)
	pos, ok := m.state.Positions[key]
	if !ok {
		pos = Position{Key: key, Contract: f.Intent, Multiplier: f.Intent.ContractMultiplier()}
	}

	realized := 0.0
	switch {
	case pos.Quantity == 0 || sameSign(pos.Quantity, qty):
		total := pos.AvgEntryPrice*math.Abs(pos.Quantity) + f.Price*math.Abs(qty)
		pos.Quantity += qty
		pos.AvgEntryPrice = total / math.Abs(pos.Quantity)
		if !ok || pos.Contract.Symbol == "" {
			pos.Contract = f.Intent
		}
	default:
		closed := math.Min(math.Abs(qty), math.Abs(pos.Quantity))
		dir := 1.0
		if pos.Quantity < 0 {
			dir = -1
		}
		realized = closed * (f.Price - pos.AvgEntryPrice) * dir * pos.Multiplier
		pos.Quantity += qty
		if math.Abs(pos.Quantity) < 1e-9 {
			pos.Quantity = 0
		} else if !sameSign(pos.Quantity, dir) {
			// Reversed through flat: the remainder opens at the fill price.
			pos.AvgEntryPrice = f.Price
			pos.Contract = f.Intent
		}
	}

	pos.MarkPrice = f.Price
	pos.UnrealizedPnL = pos.Quantity * (pos.MarkPrice - pos.AvgEntryPrice) * pos.Multiplier
	pos.RealizedPnLToday += realized
	pos.LastTradeAt = f.At.UTC().Format(time.RFC3339)
	pos.TradeCountToday++

	m.state.RealizedPnL += realized
	m.state.DailyStats.PnLToday += realized
	m.state.DailyStats.TradesToday++
	if pos.Quantity == 0 {
		delete(m.state.Positions, key)
	} else {
		m.state.Positions[key] = pos
	}
	m.recalculateExposureUnsafe()

	return realized, m.saveUnsafe(f.At)
}

// Mark revalues an open position at price.
func (m *Manager) Mark(key string, price float64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.state.Positions[key]
	if !ok {
		return nil
	}
	pos.MarkPrice = price
	pos.UnrealizedPnL = pos.Quantity * (price - pos.AvgEntryPrice) * pos.Multiplier
	m.state.Positions[key] = pos
	m.recalculateExposureUnsafe()
	return m.saveUnsafe(now)
}

func (m *Manager) GetPosition(key string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.state.Positions[key]
	return pos, ok
}

// OpenPositions returns every non-flat position ordered by key.
func (m *Manager) OpenPositions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Position, 0, len(m.state.Positions))
	for _, pos := range m.state.Positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Manager) GetDailyStats() DailyStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.DailyStats
}

// RealizedPnL returns the session's realized PnL.
func (m *Manager) RealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.RealizedPnL
}

// UnrealizedPnL sums the open positions' unrealized PnL.
func (m *Manager) UnrealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, pos := range m.state.Positions {
		total += pos.UnrealizedPnL
	}
	return total
}

// GetNAV is capital plus realized and unrealized PnL.
func (m *Manager) GetNAV() float64 {
	m.mu.RLock()
	capital := m.state.CapitalBase
	m.mu.RUnlock()
	return capital + m.RealizedPnL() + m.UnrealizedPnL()
}

// ClosingIntent returns the order that flattens pos at bucket.
func ClosingIntent(pos Position, bucket int64) (intent.OrderIntent, error) {
	in := pos.Contract
	in.Side = "BUY"
	if pos.Quantity > 0 {
		in.Side = "SELL"
	}
	in.Quantity = decimalAbs(pos.Quantity)
	in.OrderType = "MARKET"
	in.LimitPrice = nil
	in.TimestampBucket = bucket
	return intent.New(in)
}

func (m *Manager) resetDailyStats(date string) {
	for key, pos := range m.state.Positions {
		pos.TradeCountToday = 0
		pos.RealizedPnLToday = 0
		m.state.Positions[key] = pos
	}
	m.state.DailyStats = DailyStats{
		Date:               date,
		TotalExposureUSD:   m.state.DailyStats.TotalExposureUSD,
		ExposurePctCapital: m.state.DailyStats.ExposurePctCapital,
	}
}

func (m *Manager) recalculateExposureUnsafe() {
	total := 0.0
	for _, pos := range m.state.Positions {
		total += math.Abs(pos.Quantity * pos.MarkPrice * pos.Multiplier)
	}
	m.state.DailyStats.TotalExposureUSD = total
	if m.state.CapitalBase > 0 {
		m.state.DailyStats.ExposurePctCapital = total / m.state.CapitalBase * 100
	}
}

func sameSign(a, b float64) bool { return (a > 0) == (b > 0) }

func decimalAbs(q float64) decimal.Decimal {
	return decimal.NewFromFloat(math.Abs(q)).Round(intent.CanonicalPrecision)
}
