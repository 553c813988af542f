package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-gate/internal/adapters"
	"github.com/Rajchodisetti/options-gate/internal/intent"
	"github.com/Rajchodisetti/options-gate/internal/observ"
	"github.com/Rajchodisetti/options-gate/internal/outbox"
	"github.com/Rajchodisetti/options-gate/internal/portfolio"
	"github.com/Rajchodisetti/options-gate/internal/risk"
)

// AttemptEntryType tags execution attempts in the attempt log.
const AttemptEntryType = "execution_attempt"

// Result statuses.
const (
	StatusFilled    = "filled"
	StatusNotFilled = "not_filled"
	StatusBlocked   = "blocked"
	StatusDenied    = "denied"
)

// ReasonBreakerHalted blocks orders while the circuit breaker is open.
const ReasonBreakerHalted = "circuit_breaker_halted"

// BlockedError is returned when a pre-trade check stops an order before
// any approval is consumed.
type BlockedError struct {
	Reason string
	Hash   string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("order blocked: reason=%s hash=%s", e.Reason, e.Hash)
}

// RouterConfig holds per-mode fill parameters.
type RouterConfig struct {
	Sim                  Params
	Paper                Params
	LivePlacementEnabled bool
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{Sim: DefaultParams(), Paper: DefaultPaperParams()}
}

// Router sequences one order: breaker and risk checks, the approval gate,
// then the venue for the mode. Fills update the book and feed PnL back to
// the risk state.
type Router struct {
	gate     *Gate
	engine   *Engine
	risk     *risk.State
	breaker  *risk.CircuitBreaker
	book     *portfolio.Manager
	tracker  *QualityTracker
	attempts *outbox.Outbox
	cfg      RouterConfig
	clock    func() time.Time
	log      *zap.Logger
}

type RouterOption func(*Router)

func WithRiskState(s *risk.State) RouterOption         { return func(r *Router) { r.risk = s } }
func WithBreaker(cb *risk.CircuitBreaker) RouterOption { return func(r *Router) { r.breaker = cb } }
func WithBook(m *portfolio.Manager) RouterOption       { return func(r *Router) { r.book = m } }
func WithAttemptLog(o *outbox.Outbox) RouterOption     { return func(r *Router) { r.attempts = o } }
func WithRouterClock(fn func() time.Time) RouterOption { return func(r *Router) { r.clock = fn } }
func WithRouterLogger(l *zap.Logger) RouterOption      { return func(r *Router) { r.log = l } }

func NewRouter(gate *Gate, engine *Engine, cfg RouterConfig, opts ...RouterOption) *Router {
	r := &Router{gate: gate, engine: engine, cfg: cfg, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.log = observ.OrNop(r.log)
	if r.tracker == nil {
		r.tracker = NewQualityTracker()
	}
	return r
}

func (r *Router) Tracker() *QualityTracker { return r.tracker }

// ExecuteRequest is one order to route.
type ExecuteRequest struct {
	Intent   intent.OrderIntent
	Hash     string
	Mode     string
	Approver string
	TTL      time.Duration
	Snapshot adapters.SnapshotFunc
	// Params overrides the mode's configured fill parameters.
	Params *Params
	Now    time.Time
}

// Result is what happened to one routed order.
type Result struct {
	Status      string      `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	Hash        string      `json:"hash"`
	Mode        string      `json:"mode"`
	Report      *FillReport `json:"report,omitempty"`
	RealizedPnL float64     `json:"realized_pnl,omitempty"`
	RiskMode    risk.Mode   `json:"risk_mode,omitempty"`
}

// Execute routes one order. A blocked or denied order returns a Result
// describing it together with a *BlockedError or *ApprovalError.
func (r *Router) Execute(ctx context.Context, req ExecuteRequest) (Result, error) {
	now := req.Now
	if now.IsZero() {
		now = r.clock()
	}
	mode := strings.ToUpper(strings.TrimSpace(req.Mode))
	hash := req.Intent.Hash()
	res := Result{Hash: hash, Mode: mode}

	if reason := r.preTrade(req.Intent, now); reason != "" {
		res.Status, res.Reason = StatusBlocked, reason
		r.finish(&res, now)
		return res, &BlockedError{Reason: reason, Hash: hash}
	}
	return r.route(ctx, req, mode, now, res)
}

// FlattenPlan returns the closing order for every open position, stamped
// with bucket. Each one needs its own approval before FlattenAll can send
// it, so operators plan, approve the printed hashes, then flatten with the
// same bucket.
func (r *Router) FlattenPlan(bucket int64) ([]intent.OrderIntent, error) {
	if r.book == nil {
		return nil, nil
	}
	var out []intent.OrderIntent
	for _, pos := range r.book.OpenPositions() {
		in, err := portfolio.ClosingIntent(pos, bucket)
		if err != nil {
			return nil, fmt.Errorf("closing intent for %s: %w", pos.Key, err)
		}
		out = append(out, in)
	}
	return out, nil
}

// FlattenRequest closes every open position.
type FlattenRequest struct {
	Mode     string
	Approver string
	TTL      time.Duration
	// Quotes returns the snapshot source for a position's contract.
	Quotes func(intent.OrderIntent) adapters.SnapshotFunc
	Params *Params
	// Bucket stamps the closing orders; 0 uses the minute containing Now.
	Bucket int64
	Now    time.Time
}

// FlattenAll sends the closing order for every open position through the
// gate. Risk and breaker checks are skipped since flattening only reduces
// exposure; approvals are not. Positions without an approved closing hash
// stay open and their Result carries the denial.
func (r *Router) FlattenAll(ctx context.Context, req FlattenRequest) ([]Result, error) {
	now := req.Now
	if now.IsZero() {
		now = r.clock()
	}
	bucket := req.Bucket
	if bucket == 0 {
		bucket = intent.BucketOf(now)
	}
	plan, err := r.FlattenPlan(bucket)
	if err != nil {
		return nil, err
	}
	mode := strings.ToUpper(strings.TrimSpace(req.Mode))

	var (
		results []Result
		failed  int
	)
	for _, in := range plan {
		var snap adapters.SnapshotFunc
		if req.Quotes != nil {
			snap = req.Quotes(in)
		}
		res, err := r.route(ctx, ExecuteRequest{
			Intent:   in,
			Mode:     mode,
			Approver: req.Approver,
			TTL:      req.TTL,
			Snapshot: snap,
			Params:   req.Params,
			Now:      now,
		}, mode, now, Result{Hash: in.Hash(), Mode: mode})
		if err != nil || res.Status != StatusFilled {
			failed++
		}
		results = append(results, res)
	}
	observ.Log(r.log, "flatten_completed", map[string]any{
		"mode":      mode,
		"positions": len(plan),
		"failed":    failed,
	})
	if failed > 0 {
		return results, fmt.Errorf("flatten: %d of %d positions not closed", failed, len(plan))
	}
	return results, nil
}

func (r *Router) route(ctx context.Context, req ExecuteRequest, mode string, now time.Time, res Result) (Result, error) {
	ticket, err := r.gate.RequireApprovalOrAbort(ctx, GateRequest{
		Intent:   req.Intent,
		Hash:     req.Hash,
		Mode:     mode,
		Approver: req.Approver,
		TTL:      req.TTL,
		Now:      now,
	})
	if err != nil {
		var ae *ApprovalError
		res.Status, res.Reason = StatusDenied, ReasonApprovalStoreError
		if errors.As(err, &ae) {
			res.Reason = ae.Reason
		}
		r.finish(&res, now)
		return res, err
	}

	var rep FillReport
	switch mode {
	case ModeLive:
		rep, err = r.engine.PlaceLive(ctx, ticket, req.Intent, r.cfg.LivePlacementEnabled)
	default:
		p := r.cfg.Sim
		if mode == ModePaper {
			p = r.cfg.Paper
		} else {
			p.MaxReplaces = 0
		}
		if req.Params != nil {
			p = *req.Params
		}
		rep, err = r.engine.SimulateLimitFill(ctx, ticket, FillRequest{Intent: req.Intent, Snapshot: req.Snapshot, Params: p})
	}
	if err != nil {
		return res, fmt.Errorf("execute %s: %w", hash8(res.Hash), err)
	}

	res.Report = &rep
	res.Status, res.Reason = StatusNotFilled, rep.AbortReason
	if rep.Filled {
		res.Status, res.Reason = StatusFilled, ""
	}
	r.observeFeed(rep, now)
	if rep.Filled {
		if err := r.applyFill(req.Intent, rep, now, &res); err != nil {
			r.finish(&res, now)
			return res, err
		}
	} else if r.risk != nil && mode != ModeLive {
		res.RiskMode = r.risk.ObserveFill(false, now)
	}
	r.finish(&res, now)
	return res, nil
}

// preTrade runs the checks that must pass before an approval is spent.
func (r *Router) preTrade(in intent.OrderIntent, now time.Time) string {
	if r.breaker != nil && r.breaker.IsHalted(now) {
		return ReasonBreakerHalted
	}
	if r.risk != nil {
		r.risk.Tick(now)
		if d := r.risk.Approve(in); !d.Allowed {
			return d.Reason
		}
	}
	return ""
}

// applyFill applies a fill to the position book and feeds the result to risk.
func (r *Router) applyFill(in intent.OrderIntent, rep FillReport, now time.Time, res *Result) error {
	realized := 0.0
	if r.book != nil {
		var err error
		realized, err = r.book.ApplyFill(portfolio.Fill{
			ID:       rep.ID,
			Intent:   in,
			Quantity: rep.Quantity,
			Price:    rep.FillPrice,
			At:       now,
		})
		if err != nil {
			return fmt.Errorf("apply fill %s: %w", rep.ID, err)
		}
		if rep.DecisionMid > 0 {
			if err := r.book.Mark(portfolio.ContractKey(in), rep.DecisionMid, now); err != nil {
				return fmt.Errorf("mark %s: %w", in.Symbol, err)
			}
		}
		if pos, ok := r.book.GetPosition(portfolio.ContractKey(in)); ok {
			r.log.Info("position updated",
				zap.String("key", pos.Key),
				zap.Float64("quantity", pos.Quantity),
				zap.Float64("avg_entry", pos.AvgEntryPrice),
				zap.Float64("unrealized_pnl", pos.UnrealizedPnL))
		} else {
			r.log.Info("position closed", zap.String("key", portfolio.ContractKey(in)), zap.Float64("realized_pnl", realized))
		}
		res.RealizedPnL = realized
	}
	if r.risk == nil {
		return nil
	}
	r.risk.ObserveFill(true, now)
	if realized != 0 {
		r.risk.RecordTradePnL(in.Strategy(), realized, now)
	}
	if r.book != nil {
		r.risk.MarkUnrealized(r.book.UnrealizedPnL(), now)
	}
	res.RiskMode = r.risk.Mode()
	return nil
}

// observeFeed reports market data health to the breaker: attempts that
// could not get a usable quote count as errors.
func (r *Router) observeFeed(rep FillReport, now time.Time) {
	if r.breaker == nil || rep.Mode == ModeLive {
		return
	}
	switch rep.AbortReason {
	case AbortNoQuote, AbortBadInitialQuote, AbortStaleQuote:
		r.breaker.RecordError(rep.AbortReason, now)
		r.breaker.ObserveFeedHealth(false, now)
	default:
		r.breaker.ObserveFeedHealth(true, now)
	}
}

// finish records the attempt in metrics, the quality tracker and the
// attempt log. Log failures never change the outcome.
func (r *Router) finish(res *Result, now time.Time) {
	observ.IncExecutionAttempt(res.Mode, res.Outcome())
	if res.Report != nil {
		r.tracker.Record(*res.Report, now)
	}
	if r.risk != nil && res.RiskMode == "" {
		res.RiskMode = r.risk.Mode()
	}
	observ.Log(r.log, "execution_attempt", map[string]any{
		"hash":   res.Hash,
		"mode":   res.Mode,
		"status": res.Status,
		"reason": res.Reason,
	})
	if r.attempts == nil {
		return
	}
	if err := r.attempts.Append(AttemptEntryType, now, res); err != nil {
		r.log.Warn("attempt log append failed", zap.String("hash", res.Hash), zap.Error(err))
	}
}

// Outcome is the metrics label: the fill outcome when the venue was
// reached, otherwise the block or denial reason.
func (res Result) Outcome() string {
	switch {
	case res.Report != nil:
		return res.Report.Outcome()
	case res.Reason != "":
		return res.Reason
	}
	return res.Status
}

func hash8(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
