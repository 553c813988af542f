package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/options-gate/internal/adapters"
	"github.com/Rajchodisetti/options-gate/internal/intent"
	"github.com/Rajchodisetti/options-gate/internal/observ"
)

// Abort reasons reported by the fill simulator and the live stub.
const (
	AbortNoQuote            = "no_quote"
	AbortBadInitialQuote    = "bad_initial_quote"
	AbortStaleQuote         = "stale_quote"
	AbortSpreadTooWide      = "spread_too_wide"
	AbortSpreadWidened      = "spread_widened"
	AbortMaxChaseExceeded   = "max_chase_exceeded"
	AbortTimeout            = "timeout"
	AbortCanceled           = "canceled"
	AbortLivePlacementOff   = "live_placement_disabled"
	AbortLiveNotImplemented = "live_not_implemented"
)

// Params tune one simulated limit order.
type Params struct {
	LimitPrice        float64       `yaml:"limit_price" json:"limit_price"`                 // 0 uses the intent's limit, then the decision touch
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`                         // total time the order may rest
	PollInterval      time.Duration `yaml:"poll_interval" json:"poll_interval"`             // time between snapshots
	MaxChasePct       float64       `yaml:"max_chase_pct" json:"max_chase_pct"`             // chase bound as a fraction of decision mid; 0 disables chasing
	SpreadWidenPct    float64       `yaml:"spread_widen_pct" json:"spread_widen_pct"`       // abort when spread grows past decision spread * (1+x); 0 disables
	MaxSpreadPct      float64       `yaml:"max_spread_pct" json:"max_spread_pct"`           // abort when spread/mid exceeds this; 0 disables
	MaxQuoteAge       time.Duration `yaml:"max_quote_age" json:"max_quote_age"`             // stale decision quote aborts, stale polls are skipped; 0 disables
	FillProb          float64       `yaml:"fill_prob" json:"fill_prob"`                     // chance a marketable poll fills; 0 means 1
	MaxReplaces       int           `yaml:"max_replaces" json:"max_replaces"`               // PAPER: limit replacements allowed
	ReplaceEveryPolls int           `yaml:"replace_every_polls" json:"replace_every_polls"` // PAPER: polls between replacements
	ReplaceStepFrac   float64       `yaml:"replace_step_frac" json:"replace_step_frac"`     // PAPER: fraction of the gap to the touch covered per replace
	Seed              int64         `yaml:"seed" json:"seed"`                               // seeds the fill draw
}

func DefaultParams() Params {
	return Params{
		Timeout:           30 * time.Second,
		PollInterval:      500 * time.Millisecond,
		MaxChasePct:       0.02,
		SpreadWidenPct:    0.5,
		MaxSpreadPct:      0.25,
		MaxQuoteAge:       5 * time.Second,
		FillProb:          1,
		ReplaceEveryPolls: 4,
		ReplaceStepFrac:   0.5,
		Seed:              1,
	}
}

// DefaultPaperParams adds bounded limit replacement.
func DefaultPaperParams() Params {
	p := DefaultParams()
	p.MaxReplaces = 3
	return p
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = d.PollInterval
	}
	if p.FillProb <= 0 || p.FillProb > 1 {
		p.FillProb = 1
	}
	if p.ReplaceEveryPolls <= 0 {
		p.ReplaceEveryPolls = d.ReplaceEveryPolls
	}
	if p.ReplaceStepFrac <= 0 || p.ReplaceStepFrac > 1 {
		p.ReplaceStepFrac = d.ReplaceStepFrac
	}
	return p
}

// FillRequest is one order to work against a snapshot source.
type FillRequest struct {
	Intent   intent.OrderIntent
	Snapshot adapters.SnapshotFunc
	Params   Params
}

// FillReport describes one execution attempt, filled or not.
type FillReport struct {
	ID          string    `json:"id"`
	Hash        string    `json:"hash"`
	Mode        string    `json:"mode"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	Filled      bool      `json:"filled"`
	FillPrice   float64   `json:"fill_price,omitempty"`
	LimitPrice  float64   `json:"limit_price"`
	FinalLimit  float64   `json:"final_limit"`
	Replaces    int       `json:"replaces"`
	Polls       int       `json:"polls"`
	AbortReason string    `json:"reason_if_aborted,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FilledAt    time.Time `json:"filled_at,omitempty"`

	DecisionBid    float64 `json:"decision_bid"`
	DecisionAsk    float64 `json:"decision_ask"`
	DecisionMid    float64 `json:"decision_mid"`
	DecisionSpread float64 `json:"decision_spread"`

	SlippagePct             float64 `json:"slippage_pct"`
	SlippageBps             float64 `json:"slippage_bps"`
	TimeToFillMs            int64   `json:"time_to_fill_ms"`
	QueuePosition           float64 `json:"queue_position"`
	MarketImpactBps         float64 `json:"market_impact_bps"`
	AdverseSelectionBps     float64 `json:"adverse_selection_bps"`
	ImplementationShortfall float64 `json:"implementation_shortfall"`
	OpportunityCost         float64 `json:"opportunity_cost"`
	QualityScore            float64 `json:"quality_score"`
}

// Outcome buckets the report for metrics and attempt logs.
func (r FillReport) Outcome() string {
	if r.Filled {
		return "filled"
	}
	return r.AbortReason
}

// Engine works orders against quote snapshots. Every method needs a ticket
// from the Gate.
type Engine struct {
	log   *zap.Logger
	clock func() time.Time
	newID func() string
}

type EngineOption func(*Engine)

func WithEngineClock(fn func() time.Time) EngineOption { return func(e *Engine) { e.clock = fn } }
func WithFillIDs(fn func() string) EngineOption        { return func(e *Engine) { e.newID = fn } }

func NewEngine(log *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{log: observ.OrNop(log), clock: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SimulateLimitFill polls the snapshot source until the limit order fills,
// an abort condition hits or the timeout elapses. The ticket is spent even
// when the attempt does not fill.
func (e *Engine) SimulateLimitFill(ctx context.Context, t *Ticket, req FillRequest) (FillReport, error) {
	hash := req.Intent.Hash()
	if err := t.redeem(hash); err != nil {
		return FillReport{}, err
	}
	p := req.Params.withDefaults()
	start := e.clock()
	rep := FillReport{
		ID:        e.newID(),
		Hash:      hash,
		Mode:      t.Mode(),
		Symbol:    req.Intent.Symbol,
		Side:      req.Intent.Side,
		Quantity:  req.Intent.Quantity.InexactFloat64(),
		StartedAt: start.UTC(),
	}
	snapshot := req.Snapshot
	if snapshot == nil {
		snapshot = func() *adapters.Quote { return nil }
	}

	dec := snapshot()
	if dec == nil {
		return e.abort(rep, AbortNoQuote, nil), nil
	}
	if err := adapters.ValidateQuote(dec); err != nil {
		return e.abort(rep, AbortBadInitialQuote, err), nil
	}
	if p.MaxQuoteAge > 0 && dec.IsStale(start, p.MaxQuoteAge) {
		return e.abort(rep, AbortStaleQuote, fmt.Errorf("quote at %s older than %s", dec.Timestamp.UTC().Format(time.RFC3339), p.MaxQuoteAge)), nil
	}
	rep.DecisionBid, rep.DecisionAsk = dec.Bid, dec.Ask
	rep.DecisionMid, rep.DecisionSpread = dec.Mid(), dec.Spread()

	buy := req.Intent.Side != "SELL"
	limit := p.LimitPrice
	if limit <= 0 && req.Intent.LimitPrice != nil {
		limit = req.Intent.LimitPrice.InexactFloat64()
	}
	if limit <= 0 {
		limit = touch(dec, buy)
	}
	rep.LimitPrice, rep.FinalLimit = limit, limit
	rep.QueuePosition = queuePosition(dec, buy, rep.Quantity)

	if p.MaxSpreadPct > 0 && dec.SpreadPct() > p.MaxSpreadPct {
		return e.abort(rep, AbortSpreadTooWide, nil), nil
	}

	bound := rep.DecisionMid * (1 + p.MaxChasePct)
	if !buy {
		bound = rep.DecisionMid * (1 - p.MaxChasePct)
	}
	rng := rand.New(rand.NewSource(p.Seed))

	runCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	limiter := rate.NewLimiter(rate.Every(p.PollInterval), 1)
	limiter.Allow() // the decision snapshot used the first token

	last := dec
	for {
		if err := limiter.Wait(runCtx); err != nil {
			reason := AbortTimeout
			if errors.Is(ctx.Err(), context.Canceled) {
				reason = AbortCanceled
			}
			rep.OpportunityCost = opportunityCost(rep, last, req.Intent.ContractMultiplier(), buy)
			return e.abort(rep, reason, nil), nil
		}
		rep.Polls++

		q := snapshot()
		if adapters.ValidateQuote(q) != nil {
			continue
		}
		if p.MaxQuoteAge > 0 && q.IsStale(e.clock(), p.MaxQuoteAge) {
			continue
		}
		last = q

		if p.MaxSpreadPct > 0 && q.SpreadPct() > p.MaxSpreadPct {
			return e.abort(rep, AbortSpreadTooWide, nil), nil
		}
		if p.SpreadWidenPct > 0 && rep.DecisionSpread > 0 && q.Spread() > rep.DecisionSpread*(1+p.SpreadWidenPct) {
			return e.abort(rep, AbortSpreadWidened, nil), nil
		}

		px := touch(q, buy)
		if p.MaxChasePct > 0 && worse(px, bound, buy) {
			return e.abort(rep, AbortMaxChaseExceeded, nil), nil
		}
		if p.MaxChasePct > 0 && p.MaxReplaces == 0 && worse(px, limit, buy) {
			limit = px
		}

		if !worse(px, limit, buy) && (p.FillProb >= 1 || rng.Float64() < p.FillProb) {
			fillPx := math.Min(limit, px)
			if !buy {
				fillPx = math.Max(limit, px)
			}
			rep.FinalLimit = limit
			e.fill(&rep, req.Intent, dec, q, fillPx, buy, p, start, snapshot)
			return rep, nil
		}

		if p.MaxReplaces > 0 && rep.Replaces < p.MaxReplaces && rep.Polls%p.ReplaceEveryPolls == 0 && worse(px, limit, buy) {
			next := limit + p.ReplaceStepFrac*(px-limit)
			if p.MaxChasePct > 0 && worse(next, bound, buy) {
				next = bound
			}
			limit = next
			rep.Replaces++
			rep.FinalLimit = limit
			e.log.Debug("limit replaced",
				zap.String("hash", hash),
				zap.Int("replace", rep.Replaces),
				zap.Float64("limit", limit))
		}
	}
}

// PlaceLive is the live placement stub. No broker is wired; it spends the
// ticket and reports why nothing was sent.
func (e *Engine) PlaceLive(ctx context.Context, t *Ticket, in intent.OrderIntent, placementEnabled bool) (FillReport, error) {
	hash := in.Hash()
	if err := t.redeem(hash); err != nil {
		return FillReport{}, err
	}
	rep := FillReport{
		ID:        e.newID(),
		Hash:      hash,
		Mode:      t.Mode(),
		Symbol:    in.Symbol,
		Side:      in.Side,
		Quantity:  in.Quantity.InexactFloat64(),
		StartedAt: e.clock().UTC(),
	}
	if in.LimitPrice != nil {
		rep.LimitPrice = in.LimitPrice.InexactFloat64()
		rep.FinalLimit = rep.LimitPrice
	}
	reason := AbortLivePlacementOff
	if placementEnabled {
		reason = AbortLiveNotImplemented
	}
	return e.abort(rep, reason, nil), nil
}

func (e *Engine) abort(rep FillReport, reason string, cause error) FillReport {
	rep.AbortReason = reason
	e.log.Info("execution attempt aborted",
		zap.String("id", rep.ID),
		zap.String("hash", rep.Hash),
		zap.String("mode", rep.Mode),
		zap.String("reason", reason),
		zap.Int("polls", rep.Polls),
		zap.Error(cause))
	return rep
}

func (e *Engine) fill(rep *FillReport, in intent.OrderIntent, dec, at *adapters.Quote, px float64, buy bool, p Params, start time.Time, snapshot adapters.SnapshotFunc) {
	sign := 1.0
	if !buy {
		sign = -1
	}
	mid := rep.DecisionMid
	mult := in.ContractMultiplier()

	rep.Filled = true
	rep.FillPrice = px
	rep.FilledAt = e.clock().UTC()
	rep.SlippagePct = sign * (px - mid) / mid
	rep.SlippageBps = rep.SlippagePct * 10000
	rep.TimeToFillMs = timeToFill(dec, at, start, e.clock()).Milliseconds()
	rep.MarketImpactBps = marketImpactBps(dec, buy, rep.Quantity)
	rep.ImplementationShortfall = sign * (px - mid) * rep.Quantity * mult

	if post := snapshot(); adapters.ValidateQuote(post) == nil && at.Mid() > 0 {
		rep.AdverseSelectionBps = sign * (at.Mid() - post.Mid()) / at.Mid() * 10000
	}
	rep.QualityScore = QualityScore(*rep, p.Timeout)

	observ.ObserveFill(rep.QualityScore, rep.SlippageBps)
	e.log.Info("execution attempt filled",
		zap.String("id", rep.ID),
		zap.String("hash", rep.Hash),
		zap.String("mode", rep.Mode),
		zap.Float64("fill_price", px),
		zap.Float64("slippage_bps", rep.SlippageBps),
		zap.Int64("ttf_ms", rep.TimeToFillMs),
		zap.Float64("quality", rep.QualityScore))
}

// QualityScore grades a fill from 0 to 100. Costs only subtract; favorable
// slippage or drift does not raise the score above 100.
func QualityScore(r FillReport, timeout time.Duration) float64 {
	score := 100.0
	score -= 35 * clamp01(math.Max(r.SlippageBps, 0)/50)
	score -= 30 * clamp01(math.Max(r.AdverseSelectionBps, 0)/50)
	score -= 10 * clamp01(r.MarketImpactBps/25)
	score -= 15 * clamp01(r.QueuePosition)
	if timeout > 0 {
		score -= 10 * clamp01(float64(r.TimeToFillMs)/float64(timeout.Milliseconds()))
	}
	return math.Max(0, math.Min(100, score))
}

// touch is the price a marketable order trades at: the ask for buys.
func touch(q *adapters.Quote, buy bool) float64 {
	if buy {
		return q.Ask
	}
	return q.Bid
}

// worse reports whether price a is less favorable than b for the side.
func worse(a, b float64, buy bool) bool {
	if buy {
		return a > b
	}
	return a < b
}

// queuePosition is the share of same-side touch size resting ahead of us.
func queuePosition(q *adapters.Quote, buy bool, qty float64) float64 {
	ahead := q.Depth.BidSize()
	if !buy {
		ahead = q.Depth.AskSize()
	}
	if ahead <= 0 || qty <= 0 {
		return 0
	}
	return ahead / (ahead + qty)
}

// marketImpactBps scales the half spread by how much of the opposite touch
// the order would take.
func marketImpactBps(dec *adapters.Quote, buy bool, qty float64) float64 {
	opp := dec.Depth.AskSize()
	if !buy {
		opp = dec.Depth.BidSize()
	}
	mid := dec.Mid()
	if mid <= 0 || qty <= 0 {
		return 0
	}
	return qty / (qty + opp) * (dec.Spread() / 2) / mid * 10000
}

// timeToFill prefers quote timestamps and falls back to the wall clock.
func timeToFill(dec, at *adapters.Quote, start, now time.Time) time.Duration {
	if !dec.Timestamp.IsZero() && !at.Timestamp.IsZero() && !at.Timestamp.Before(dec.Timestamp) {
		return at.Timestamp.Sub(dec.Timestamp)
	}
	return now.Sub(start)
}

// opportunityCost is what an unfilled order gave up as the market moved
// away from the decision mid.
func opportunityCost(rep FillReport, last *adapters.Quote, mult float64, buy bool) float64 {
	if last == nil || rep.DecisionMid <= 0 {
		return 0
	}
	sign := 1.0
	if !buy {
		sign = -1
	}
	return sign * (last.Mid() - rep.DecisionMid) * rep.Quantity * mult
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (r FillReport) String() string {
	if r.Filled {
		return fmt.Sprintf("FILLED %s %s x%g @ %.4f (slip %.1fbps, quality %.1f)",
			r.Side, r.Symbol, r.Quantity, r.FillPrice, r.SlippageBps, r.QualityScore)
	}
	return fmt.Sprintf("NOT FILLED %s %s x%g: %s", r.Side, r.Symbol, r.Quantity, r.AbortReason)
}
