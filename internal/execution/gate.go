// Package execution holds every order path: the approval chokepoint, the
// limit-fill simulator, the live stub and the router that sequences risk
// checks, approval consumption and fills.
//
// Order paths take a *Ticket, and only Gate.RequireApprovalOrAbort mints
// one, after atomically consuming the approval for the order's hash.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-gate/internal/approval"
	"github.com/Rajchodisetti/options-gate/internal/id"
	"github.com/Rajchodisetti/options-gate/internal/intent"
	"github.com/Rajchodisetti/options-gate/internal/observ"
)

const (
	ModeSim   = "SIM"
	ModePaper = "PAPER"
	ModeLive  = "LIVE"
)

// Gate denial reasons on top of the approval store's.
const (
	ReasonHashMismatch        = "approval_hash_mismatch"
	ReasonManualApprovalOff   = "manual_approval_disabled"
	ReasonLiveTradingDisabled = "live_trading_disabled"
	ReasonInvalidMode         = "invalid_mode"
	ReasonApprovalStoreError  = "approval_store_error"
	ReasonApprovalGatePassed  = "approved_and_used"
)

var (
	ErrNoTicket       = errors.New("execution requires an approval ticket")
	ErrTicketSpent    = errors.New("approval ticket already used")
	ErrTicketMismatch = errors.New("approval ticket does not cover this order")
)

// Consumer is the part of the approval store the gate needs.
type Consumer interface {
	ConsumeValidApproval(ctx context.Context, c approval.ConsumeRequest) (approval.Outcome, error)
}

// ApprovalError is returned when the chokepoint refuses an order.
type ApprovalError struct {
	Reason string
	Hash   string
	Mode   string
	Err    error
}

func (e *ApprovalError) Error() string {
	msg := fmt.Sprintf("order not approved: reason=%s mode=%s hash=%s", e.Reason, e.Mode, e.Hash)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ApprovalError) Unwrap() error { return e.Err }

// Ticket is proof that one approval was consumed for one order hash. It can
// be redeemed exactly once.
type Ticket struct {
	hash  string
	mode  string
	spent atomic.Bool
}

func (t *Ticket) Hash() string { return t.hash }
func (t *Ticket) Mode() string { return t.mode }

// redeem spends the ticket for the order with the given hash.
func (t *Ticket) redeem(hash string) error {
	if t == nil || t.hash == "" {
		return ErrNoTicket
	}
	if t.hash != hash {
		return fmt.Errorf("%w: ticket=%s order=%s", ErrTicketMismatch, t.hash, hash)
	}
	if !t.spent.CompareAndSwap(false, true) {
		return ErrTicketSpent
	}
	return nil
}

// GateConfig holds the operator toggles the chokepoint enforces.
type GateConfig struct {
	ManualApprovalRequired bool
	LiveTradingEnabled     bool
	// RequireArmed is keyed by mode.
	RequireArmed map[string]bool
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		ManualApprovalRequired: true,
		RequireArmed:           map[string]bool{ModeLive: true},
	}
}

// GateRequest asks to execute one order.
type GateRequest struct {
	Intent intent.OrderIntent
	// Hash, when set, must equal Intent.Hash().
	Hash     string
	Mode     string
	Approver string
	TTL      time.Duration
	Now      time.Time
}

type Gate struct {
	store Consumer
	audit approval.AuditSink
	cfg   GateConfig
	clock func() time.Time
	log   *zap.Logger
}

type GateOption func(*Gate)

func WithGateAudit(a approval.AuditSink) GateOption { return func(g *Gate) { g.audit = a } }
func WithGateClock(fn func() time.Time) GateOption  { return func(g *Gate) { g.clock = fn } }
func WithGateLogger(l *zap.Logger) GateOption       { return func(g *Gate) { g.log = l } }

func NewGate(store Consumer, cfg GateConfig, opts ...GateOption) *Gate {
	g := &Gate{store: store, cfg: cfg, audit: approval.NopSink{}, clock: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	g.log = observ.OrNop(g.log)
	if g.audit == nil {
		g.audit = approval.NopSink{}
	}
	return g
}

// RequireApprovalOrAbort consumes the approval for the order and returns a
// ticket for it, or an *ApprovalError. The clock is sampled once.
func (g *Gate) RequireApprovalOrAbort(ctx context.Context, req GateRequest) (*Ticket, error) {
	now := req.Now
	if now.IsZero() {
		now = g.clock()
	}
	mode := strings.ToUpper(strings.TrimSpace(req.Mode))

	hash := req.Intent.Hash()
	if req.Intent.Symbol == "" && req.Hash == "" {
		return nil, g.deny(ctx, string(approval.ReasonHashMissing), "", mode, req.Approver, now, nil)
	}
	if req.Hash != "" && req.Hash != hash {
		return nil, g.deny(ctx, ReasonHashMismatch, req.Hash, mode, req.Approver, now, nil)
	}
	if !intent.ValidMode(mode) {
		return nil, g.deny(ctx, ReasonInvalidMode, hash, mode, req.Approver, now, nil)
	}
	if !g.cfg.ManualApprovalRequired {
		return nil, g.deny(ctx, ReasonManualApprovalOff, hash, mode, req.Approver, now, nil)
	}
	if mode == ModeLive && !g.cfg.LiveTradingEnabled {
		return nil, g.deny(ctx, ReasonLiveTradingDisabled, hash, mode, req.Approver, now, nil)
	}

	out, err := g.store.ConsumeValidApproval(ctx, approval.ConsumeRequest{
		Hash:         hash,
		Approver:     req.Approver,
		TTL:          req.TTL,
		RequireArmed: g.cfg.RequireArmed[mode],
		Now:          now,
	})
	if err != nil {
		return nil, g.deny(ctx, ReasonApprovalStoreError, hash, mode, req.Approver, now, err)
	}
	if !out.OK {
		return nil, g.deny(ctx, string(out.Reason), hash, mode, req.Approver, now, nil)
	}

	observ.IncGateDecision(mode, ReasonApprovalGatePassed)
	g.record(ctx, approval.AuditEvent{
		EventType: "execution_gate",
		Hash:      hash,
		Event:     "gate_passed",
		Status:    out.Status,
		Detail:    mode,
		Actor:     req.Approver,
		Time:      now,
	})
	return &Ticket{hash: hash, mode: mode}, nil
}

func (g *Gate) deny(ctx context.Context, reason, hash, mode, actor string, now time.Time, cause error) error {
	observ.IncGateDecision(mode, reason)
	detail := mode + ":" + reason
	if cause != nil {
		detail += ": " + cause.Error()
	}
	g.record(ctx, approval.AuditEvent{
		EventType: "execution_gate",
		Hash:      hash,
		Event:     "gate_denied",
		Detail:    detail,
		Actor:     actor,
		Time:      now,
	})
	g.log.Warn("execution blocked by approval gate",
		zap.String("reason", reason),
		zap.String("mode", mode),
		zap.String("hash", hash),
		zap.Error(cause))
	return &ApprovalError{Reason: reason, Hash: hash, Mode: mode, Err: cause}
}

func (g *Gate) record(ctx context.Context, ev approval.AuditEvent) {
	ev.ID = id.At(ev.Time)
	if err := g.audit.Append(ctx, ev); err != nil {
		observ.IncAuditFailure()
		g.log.Warn("gate audit append failed", zap.String("hash", ev.Hash), zap.Error(err))
	}
}
