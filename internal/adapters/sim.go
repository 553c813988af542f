package adapters

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RandomWalkConfig parameterizes a simulated option quote stream.
type RandomWalkConfig struct {
	Symbol     string        `yaml:"symbol"`
	BasePrice  float64       `yaml:"base_price"`
	Volatility float64       `yaml:"volatility"` // per-step relative volatility, e.g. 0.002
	SpreadPct  float64       `yaml:"spread_pct"` // quoted spread as a fraction of mid
	TouchSize  float64       `yaml:"touch_size"` // resting contracts at each touch
	Step       time.Duration `yaml:"step"`
	Seed       int64         `yaml:"seed"`
	Start      time.Time     `yaml:"-"`
}

// RandomWalkQuotes generates a seeded random-walk quote stream. Quote
// timestamps advance by Step per call, so a run is reproducible from its seed.
type RandomWalkQuotes struct {
	mu     sync.Mutex
	cfg    RandomWalkConfig
	random *rand.Rand
	price  float64
	ts     time.Time
}

func NewRandomWalkQuotes(cfg RandomWalkConfig) *RandomWalkQuotes {
	if cfg.Step <= 0 {
		cfg.Step = 500 * time.Millisecond
	}
	if cfg.SpreadPct <= 0 {
		cfg.SpreadPct = 0.02
	}
	if cfg.TouchSize <= 0 {
		cfg.TouchSize = 10
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now().UTC()
	}
	return &RandomWalkQuotes{
		cfg:    cfg,
		random: rand.New(rand.NewSource(cfg.Seed)),
		price:  cfg.BasePrice,
		ts:     cfg.Start,
	}
}

// Snapshot advances the walk one step and returns the new quote.
func (s *RandomWalkQuotes) Snapshot() *Quote {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.price *= 1 + s.random.NormFloat64()*s.cfg.Volatility
	if s.price < 0.05 {
		s.price = 0.05
	}
	half := s.price * s.cfg.SpreadPct / 2
	tick := getTickSize(s.price)
	bid := roundToTick(s.price-half, tick)
	ask := roundToTick(s.price+half, tick)
	if ask <= bid {
		ask = bid + tick
	}
	// Touch sizes vary 50%-150% around the configured size.
	bidSize := math.Round(s.cfg.TouchSize * (0.5 + s.random.Float64()))
	askSize := math.Round(s.cfg.TouchSize * (0.5 + s.random.Float64()))

	q := &Quote{
		Symbol:    s.cfg.Symbol,
		Bid:       bid,
		Ask:       ask,
		Timestamp: s.ts,
		Depth: &Depth{
			Bids: []Level{{Price: bid, Size: bidSize}},
			Asks: []Level{{Price: ask, Size: askSize}},
		},
		Source: "sim",
	}
	s.ts = s.ts.Add(s.cfg.Step)
	return q
}

// getTickSize returns the listed-option tick for a premium level.
func getTickSize(price float64) float64 {
	if price >= 3.00 {
		return 0.05
	}
	return 0.01
}

func roundToTick(price, tickSize float64) float64 {
	return math.Round(price/tickSize) * tickSize
}
