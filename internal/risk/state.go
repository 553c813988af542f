package risk

import (
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-gate/internal/observ"
)

// Mode is the trading mode derived from the risk state.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeSoftHalt Mode = "SOFT_HALT"
	ModeHardHalt Mode = "HARD_HALT"
	ModeRecovery Mode = "RECOVERY_MODE"
)

// Denial reasons returned by Approve.
const (
	ReasonHardHalt           = "risk_hard_halt"
	ReasonQuarantined        = "strategy_quarantined"
	ReasonRecoveryOnly       = "recovery_defined_risk_only"
	ReasonSoftHaltAggressive = "soft_halt_aggressive_strategy"
)

// StateConfig holds the thresholds of the risk state machine. Drawdown and
// CVaR limits are negative fractions of equity.
type StateConfig struct {
	StartingCapital float64 `yaml:"starting_capital" json:"starting_capital"`

	SoftDrawdown float64 `yaml:"soft_drawdown" json:"soft_drawdown"` // daily, e.g. -0.02
	HardDrawdown float64 `yaml:"hard_drawdown" json:"hard_drawdown"` // all-time, e.g. -0.05

	CVaRLimit      float64 `yaml:"cvar_limit" json:"cvar_limit"`             // fraction of capital, e.g. -0.03
	CVaRAlpha      float64 `yaml:"cvar_alpha" json:"cvar_alpha"`             // worst tail fraction
	CVaRWindow     int     `yaml:"cvar_window" json:"cvar_window"`           // trailing trade PnLs kept
	CVaRMinSamples int     `yaml:"cvar_min_samples" json:"cvar_min_samples"` // below this CVaR is not evaluated

	VolShockThreshold float64 `yaml:"vol_shock_threshold" json:"vol_shock_threshold"`

	FillEWMAAlpha       float64 `yaml:"fill_ewma_alpha" json:"fill_ewma_alpha"`
	FillRatioFloor      float64 `yaml:"fill_ratio_floor" json:"fill_ratio_floor"`
	FillMinObservations int     `yaml:"fill_min_observations" json:"fill_min_observations"`

	// MaxRegimeFlipsPerHour of zero disables the regime trigger.
	MaxRegimeFlipsPerHour int `yaml:"max_regime_flips_per_hour" json:"max_regime_flips_per_hour"`

	HeatDecay       float64 `yaml:"heat_decay" json:"heat_decay"`
	HeatProfitDecay float64 `yaml:"heat_profit_decay" json:"heat_profit_decay"`
	HeatLimit       float64 `yaml:"heat_limit" json:"heat_limit"`

	// Patterns are matched case-insensitively as substrings; a trailing '*'
	// makes the pattern a prefix match.
	AggressiveStrategies  []string `yaml:"aggressive_strategies" json:"aggressive_strategies"`
	DefinedRiskStrategies []string `yaml:"defined_risk_strategies" json:"defined_risk_strategies"`
}

func DefaultStateConfig() StateConfig {
	return StateConfig{
		StartingCapital:       100000,
		SoftDrawdown:          -0.02,
		HardDrawdown:          -0.05,
		CVaRLimit:             -0.03,
		CVaRAlpha:             0.05,
		CVaRWindow:            250,
		CVaRMinSamples:        20,
		VolShockThreshold:     3.0,
		FillEWMAAlpha:         0.2,
		FillRatioFloor:        0.3,
		FillMinObservations:   10,
		HeatDecay:             0.9,
		HeatProfitDecay:       0.5,
		HeatLimit:             0.02,
		AggressiveStrategies:  []string{"scalp", "zero_hero", "quick*"},
		DefinedRiskStrategies: []string{"spread", "iron_condor", "condor", "butterfly", "collar"},
	}
}

// withDefaults back-fills zero values.
func (c StateConfig) withDefaults() StateConfig {
	d := DefaultStateConfig()
	if c.StartingCapital <= 0 {
		c.StartingCapital = d.StartingCapital
	}
	if c.SoftDrawdown == 0 {
		c.SoftDrawdown = d.SoftDrawdown
	}
	if c.HardDrawdown == 0 {
		c.HardDrawdown = d.HardDrawdown
	}
	if c.CVaRLimit == 0 {
		c.CVaRLimit = d.CVaRLimit
	}
	if c.CVaRAlpha <= 0 || c.CVaRAlpha > 1 {
		c.CVaRAlpha = d.CVaRAlpha
	}
	if c.CVaRWindow <= 0 {
		c.CVaRWindow = d.CVaRWindow
	}
	if c.CVaRMinSamples <= 0 {
		c.CVaRMinSamples = d.CVaRMinSamples
	}
	if c.VolShockThreshold <= 0 {
		c.VolShockThreshold = d.VolShockThreshold
	}
	if c.FillEWMAAlpha <= 0 || c.FillEWMAAlpha > 1 {
		c.FillEWMAAlpha = d.FillEWMAAlpha
	}
	if c.FillRatioFloor <= 0 {
		c.FillRatioFloor = d.FillRatioFloor
	}
	if c.FillMinObservations <= 0 {
		c.FillMinObservations = d.FillMinObservations
	}
	if c.HeatDecay <= 0 || c.HeatDecay > 1 {
		c.HeatDecay = d.HeatDecay
	}
	if c.HeatProfitDecay < 0 {
		c.HeatProfitDecay = d.HeatProfitDecay
	}
	if c.HeatLimit <= 0 {
		c.HeatLimit = d.HeatLimit
	}
	if c.AggressiveStrategies == nil {
		c.AggressiveStrategies = d.AggressiveStrategies
	}
	if c.DefinedRiskStrategies == nil {
		c.DefinedRiskStrategies = d.DefinedRiskStrategies
	}
	return c
}

// Strategist is anything that names the strategy it belongs to.
type Strategist interface {
	Strategy() string
}

// Decision is the result of Approve.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Mode    Mode   `json:"mode"`
}

// State tracks the running risk aggregates of one trading session and
// derives the trading mode. It is owned by a single goroutine; callers
// serialize access. Every mutation takes the decision time and re-derives
// the mode.
type State struct {
	cfg StateConfig
	log *zap.Logger

	capital    float64
	realized   float64
	unrealized float64
	equity     float64

	dailyHWM   float64
	allTimeHWM float64
	dailyDD    float64
	allTimeDD  float64

	volShock   float64
	flips      []time.Time
	fillEWMA   float64
	fillObs    int
	heat       map[string]float64
	quarantine map[string]bool
	pnls       []float64

	day         string
	hardLatched bool
	recoveryDay string
	mode        Mode
	modeSince   time.Time
}

// NewState opens a session at now with the configured starting capital.
func NewState(cfg StateConfig, now time.Time, log *zap.Logger) *State {
	cfg = cfg.withDefaults()
	s := &State{
		cfg:        cfg,
		log:        observ.OrNop(log),
		capital:    cfg.StartingCapital,
		equity:     cfg.StartingCapital,
		dailyHWM:   cfg.StartingCapital,
		allTimeHWM: cfg.StartingCapital,
		fillEWMA:   1,
		heat:       map[string]float64{},
		quarantine: map[string]bool{},
		day:        tradingDay(now),
		mode:       ModeNormal,
		modeSince:  now,
	}
	observ.SetRiskMode(string(s.mode))
	observ.SetRiskEquity(s.equity)
	return s
}

// UpdatePortfolio sets the session's realized and unrealized PnL totals.
func (s *State) UpdatePortfolio(realized, unrealized float64, now time.Time) Mode {
	s.rollover(now)
	s.realized = realized
	s.unrealized = unrealized
	s.revalue()
	return s.recompute(now)
}

// MarkUnrealized replaces only the unrealized PnL.
func (s *State) MarkUnrealized(unrealized float64, now time.Time) Mode {
	return s.UpdatePortfolio(s.realized, unrealized, now)
}

// RecordTradePnL books a closed trade: realized PnL, the CVaR sample window
// and the strategy's heat.
func (s *State) RecordTradePnL(strategy string, pnl float64, now time.Time) Mode {
	s.rollover(now)
	s.realized += pnl
	s.revalue()

	s.pnls = append(s.pnls, pnl)
	if over := len(s.pnls) - s.cfg.CVaRWindow; over > 0 {
		s.pnls = append(s.pnls[:0], s.pnls[over:]...)
	}

	key := strategyKey(strategy)
	loss := math.Max(-pnl, 0)
	profit := math.Max(pnl, 0)
	h := s.heat[key]*s.cfg.HeatDecay + loss/s.capital - s.cfg.HeatProfitDecay*profit/s.capital
	if h < 0 {
		h = 0
	}
	s.heat[key] = h
	if h >= s.cfg.HeatLimit && !s.quarantine[key] {
		s.quarantine[key] = true
		observ.Log(s.log, "strategy_quarantined", map[string]any{
			"strategy": key,
			"heat":     h,
			"limit":    s.cfg.HeatLimit,
		})
	}
	return s.recompute(now)
}

// ObserveMarket records the volatility-shock index and whether the regime
// flipped since the last observation.
func (s *State) ObserveMarket(volShock float64, regimeFlip bool, now time.Time) Mode {
	s.rollover(now)
	s.volShock = volShock
	if regimeFlip {
		s.flips = append(s.flips, now)
	}
	return s.recompute(now)
}

// ObserveFill folds one order outcome into the fill-ratio EWMA.
func (s *State) ObserveFill(filled bool, now time.Time) Mode {
	s.rollover(now)
	x := 0.0
	if filled {
		x = 1
	}
	a := s.cfg.FillEWMAAlpha
	if s.fillObs == 0 {
		s.fillEWMA = x
	} else {
		s.fillEWMA = a*x + (1-a)*s.fillEWMA
	}
	s.fillObs++
	return s.recompute(now)
}

// Unquarantine clears a strategy's quarantine and heat.
func (s *State) Unquarantine(strategy string, now time.Time) {
	key := strategyKey(strategy)
	delete(s.quarantine, key)
	delete(s.heat, key)
	observ.Log(s.log, "strategy_unquarantined", map[string]any{"strategy": key})
	s.recompute(now)
}

// Tick re-derives the mode at now without changing any aggregate. It is how
// a new trading day is noticed when nothing else happens.
func (s *State) Tick(now time.Time) Mode {
	s.rollover(now)
	return s.recompute(now)
}

// Approve decides whether a new trade for the candidate's strategy may be
// opened in the current mode.
func (s *State) Approve(tc Strategist) Decision {
	strategy := ""
	if tc != nil {
		strategy = strategyKey(tc.Strategy())
	}
	d := Decision{Mode: s.mode}
	switch {
	case s.mode == ModeHardHalt:
		d.Reason = ReasonHardHalt
	case s.quarantine[strategy]:
		d.Reason = ReasonQuarantined
	case s.mode == ModeRecovery && !matchesAny(strategy, s.cfg.DefinedRiskStrategies):
		d.Reason = ReasonRecoveryOnly
	case s.mode == ModeSoftHalt && matchesAny(strategy, s.cfg.AggressiveStrategies):
		d.Reason = ReasonSoftHaltAggressive
	default:
		d.Allowed = true
	}
	return d
}

func (s *State) Mode() Mode { return s.mode }

// Quarantined reports whether strategy is currently quarantined.
func (s *State) Quarantined(strategy string) bool { return s.quarantine[strategyKey(strategy)] }

// Heat returns the strategy's current heat.
func (s *State) Heat(strategy string) float64 { return s.heat[strategyKey(strategy)] }

// Snapshot is a read-only copy of the aggregates.
type Snapshot struct {
	Mode             Mode               `json:"mode"`
	ModeSince        time.Time          `json:"mode_since"`
	Day              string             `json:"day"`
	Equity           float64            `json:"equity"`
	Realized         float64            `json:"realized_pnl"`
	Unrealized       float64            `json:"unrealized_pnl"`
	DailyHWM         float64            `json:"daily_hwm"`
	AllTimeHWM       float64            `json:"all_time_hwm"`
	DailyDrawdown    float64            `json:"daily_drawdown"`
	AllTimeDrawdown  float64            `json:"all_time_drawdown"`
	CVaR             float64            `json:"cvar"`
	CVaRSamples      int                `json:"cvar_samples"`
	VolShock         float64            `json:"vol_shock"`
	RegimeFlipsPerHr int                `json:"regime_flips_per_hour"`
	FillRatioEWMA    float64            `json:"fill_ratio_ewma"`
	FillObservations int                `json:"fill_observations"`
	Heat             map[string]float64 `json:"heat"`
	Quarantined      []string           `json:"quarantined"`
}

func (s *State) Snapshot() Snapshot {
	heat := make(map[string]float64, len(s.heat))
	for k, v := range s.heat {
		heat[k] = v
	}
	var q []string
	for k := range s.quarantine {
		q = append(q, k)
	}
	sort.Strings(q)
	cvar, _ := s.cvar()
	return Snapshot{
		Mode:             s.mode,
		ModeSince:        s.modeSince,
		Day:              s.day,
		Equity:           s.equity,
		Realized:         s.realized,
		Unrealized:       s.unrealized,
		DailyHWM:         s.dailyHWM,
		AllTimeHWM:       s.allTimeHWM,
		DailyDrawdown:    s.dailyDD,
		AllTimeDrawdown:  s.allTimeDD,
		CVaR:             cvar,
		CVaRSamples:      len(s.pnls),
		VolShock:         s.volShock,
		RegimeFlipsPerHr: len(s.flips),
		FillRatioEWMA:    s.fillEWMA,
		FillObservations: s.fillObs,
		Heat:             heat,
		Quarantined:      q,
	}
}

// rollover starts a new trading day when now falls on a later UTC date. A
// day that ended in HARD_HALT is followed by a recovery day anchored at the
// current equity.
func (s *State) rollover(now time.Time) {
	day := tradingDay(now)
	if day <= s.day {
		return
	}
	prev := s.day
	s.day = day
	s.dailyHWM = s.equity
	if s.hardLatched {
		s.hardLatched = false
		s.recoveryDay = day
		s.allTimeHWM = s.equity
		s.pnls = s.pnls[:0]
		observ.Log(s.log, "risk_recovery_day", map[string]any{
			"previous_day": prev,
			"day":          day,
			"equity":       s.equity,
		})
	}
	s.revalue()
}

func (s *State) revalue() {
	s.equity = s.capital + s.realized + s.unrealized
	if s.equity > s.dailyHWM {
		s.dailyHWM = s.equity
	}
	if s.equity > s.allTimeHWM {
		s.allTimeHWM = s.equity
	}
	s.dailyDD = drawdown(s.equity, s.dailyHWM)
	s.allTimeDD = drawdown(s.equity, s.allTimeHWM)
	observ.SetRiskEquity(s.equity)
}

func (s *State) recompute(now time.Time) Mode {
	s.pruneFlips(now)
	next, trigger := s.evaluate()
	if next == ModeHardHalt {
		s.hardLatched = true
	}
	if next != s.mode {
		observ.Log(s.log, "risk_mode_changed", map[string]any{
			"from":              string(s.mode),
			"to":                string(next),
			"trigger":           trigger,
			"equity":            s.equity,
			"daily_drawdown":    s.dailyDD,
			"all_time_drawdown": s.allTimeDD,
		})
		s.mode = next
		s.modeSince = now
		observ.SetRiskMode(string(next))
	}
	return s.mode
}

// evaluate applies the triggers in priority order.
func (s *State) evaluate() (Mode, string) {
	if s.hardLatched {
		return ModeHardHalt, "latched"
	}
	if s.allTimeDD <= s.cfg.HardDrawdown {
		return ModeHardHalt, "all_time_drawdown"
	}
	if cvar, ok := s.cvar(); ok && cvar <= s.cfg.CVaRLimit {
		return ModeHardHalt, "cvar"
	}

	if s.dailyDD <= s.cfg.SoftDrawdown {
		return ModeSoftHalt, "daily_drawdown"
	}
	if s.fillObs >= s.cfg.FillMinObservations && s.fillEWMA < s.cfg.FillRatioFloor {
		return ModeSoftHalt, "fill_ratio"
	}
	if s.volShock >= s.cfg.VolShockThreshold {
		return ModeSoftHalt, "vol_shock"
	}
	if s.cfg.MaxRegimeFlipsPerHour > 0 && len(s.flips) >= s.cfg.MaxRegimeFlipsPerHour {
		return ModeSoftHalt, "regime_flips"
	}

	if s.recoveryDay != "" && s.recoveryDay == s.day {
		return ModeRecovery, "recovery_day"
	}
	return ModeNormal, ""
}

// cvar is the mean of the worst alpha tail of the trailing trade PnLs as a
// fraction of starting capital. ok is false until enough samples exist.
func (s *State) cvar() (float64, bool) {
	n := len(s.pnls)
	if n == 0 || n < s.cfg.CVaRMinSamples {
		return 0, false
	}
	sorted := append([]float64(nil), s.pnls...)
	sort.Float64s(sorted)
	k := int(math.Ceil(float64(n)*s.cfg.CVaRAlpha - 1e-9))
	if k < 1 {
		k = 1
	}
	sum := 0.0
	for _, v := range sorted[:k] {
		sum += v
	}
	return sum / float64(k) / s.capital, true
}

func (s *State) pruneFlips(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(s.flips) && !s.flips[i].After(cutoff) {
		i++
	}
	s.flips = s.flips[i:]
}

func drawdown(equity, hwm float64) float64 {
	if hwm <= 0 {
		return 0
	}
	return math.Min(equity/hwm-1, 0)
}

func tradingDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

var strategySeparators = strings.NewReplacer("-", "_", " ", "_")

// strategyKey folds case and separators so zero-hero, Zero Hero and
// zero_hero name the same strategy.
func strategyKey(s string) string {
	return strategySeparators.Replace(strings.ToLower(strings.TrimSpace(s)))
}

func matchesAny(strategy string, patterns []string) bool {
	for _, p := range patterns {
		p = strategyKey(p)
		if p == "" {
			continue
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(strategy, prefix) {
				return true
			}
			continue
		}
		if strings.Contains(strategy, p) {
			return true
		}
	}
	return false
}
