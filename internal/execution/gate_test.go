package execution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-gate/internal/approval"
	"github.com/Rajchodisetti/options-gate/internal/intent"
)

var t0 = time.Date(2025, 6, 20, 14, 30, 0, 0, time.UTC)

func newStore(t *testing.T) (*approval.Store, *approval.MemorySink) {
	t.Helper()
	sink := &approval.MemorySink{}
	s, err := approval.Open(filepath.Join(t.TempDir(), "approvals.db"),
		approval.WithAuditSink(sink),
		approval.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, sink
}

func testIntent(t *testing.T, side string, qty int64, limit string) intent.OrderIntent {
	t.Helper()
	in := intent.OrderIntent{
		Symbol:          "SPY",
		Side:            side,
		Quantity:        decimal.NewFromInt(qty),
		Product:         "STK",
		Exchange:        "SMART",
		StrategyID:      "iron_condor",
		TimestampBucket: intent.BucketOf(t0),
	}
	if limit != "" {
		lp := decimal.RequireFromString(limit)
		in.LimitPrice = &lp
	}
	out, err := intent.New(in)
	require.NoError(t, err)
	return out
}

func approveHash(t *testing.T, s *approval.Store, hash string) {
	t.Helper()
	out, err := s.ApproveOrderIntent(context.Background(), approval.OrderApproval{
		Hash: hash, Approver: "alice", Channel: "cli", TTL: time.Hour, Now: t0,
	})
	require.NoError(t, err)
	require.True(t, out.OK, out.String())
}

func statusOf(t *testing.T, s *approval.Store, hash string) approval.Status {
	t.Helper()
	row, err := s.Get(context.Background(), hash)
	require.NoError(t, err)
	return row.Status
}

func requireReason(t *testing.T, err error, reason string) {
	t.Helper()
	var ae *ApprovalError
	require.True(t, errors.As(err, &ae), "want *ApprovalError, got %v", err)
	assert.Equal(t, reason, ae.Reason)
}

func TestGateConsumesApprovalOnce(t *testing.T) {
	s, sink := newStore(t)
	g := NewGate(s, DefaultGateConfig(), WithGateAudit(sink))
	in := testIntent(t, "BUY", 10, "1.10")
	approveHash(t, s, in.Hash())

	ticket, err := g.RequireApprovalOrAbort(context.Background(), GateRequest{
		Intent: in, Hash: in.Hash(), Mode: "sim", Approver: "exec", Now: t0.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, in.Hash(), ticket.Hash())
	assert.Equal(t, ModeSim, ticket.Mode())
	assert.Equal(t, approval.StatusUsed, statusOf(t, s, in.Hash()))

	_, err = g.RequireApprovalOrAbort(context.Background(), GateRequest{
		Intent: in, Mode: ModeSim, Approver: "exec", Now: t0.Add(2 * time.Second),
	})
	requireReason(t, err, string(approval.ReasonUsed))

	assert.Equal(t, 1, sink.Count(in.Hash(), "gate_passed"))
	assert.Equal(t, 1, sink.Count(in.Hash(), "gate_denied"))
}

func TestGateDenials(t *testing.T) {
	in := func(t *testing.T) intent.OrderIntent { return testIntent(t, "BUY", 10, "1.10") }

	tests := []struct {
		name    string
		cfg     GateConfig
		approve bool
		req     func(intent.OrderIntent) GateRequest
		reason  string
	}{
		{
			name:    "hash mismatch",
			cfg:     DefaultGateConfig(),
			approve: true,
			req: func(in intent.OrderIntent) GateRequest {
				return GateRequest{Intent: in, Hash: "deadbeef", Mode: ModeSim}
			},
			reason: ReasonHashMismatch,
		},
		{
			name:    "manual approval disabled",
			cfg:     GateConfig{ManualApprovalRequired: false},
			approve: true,
			req:     func(in intent.OrderIntent) GateRequest { return GateRequest{Intent: in, Mode: ModeSim} },
			reason:  ReasonManualApprovalOff,
		},
		{
			name:    "live disabled",
			cfg:     DefaultGateConfig(),
			approve: true,
			req:     func(in intent.OrderIntent) GateRequest { return GateRequest{Intent: in, Mode: ModeLive} },
			reason:  ReasonLiveTradingDisabled,
		},
		{
			name:    "live not armed",
			cfg:     GateConfig{ManualApprovalRequired: true, LiveTradingEnabled: true, RequireArmed: map[string]bool{ModeLive: true}},
			approve: true,
			req:     func(in intent.OrderIntent) GateRequest { return GateRequest{Intent: in, Mode: ModeLive} },
			reason:  string(approval.ReasonNotArmed),
		},
		{
			name:   "no approval",
			cfg:    DefaultGateConfig(),
			req:    func(in intent.OrderIntent) GateRequest { return GateRequest{Intent: in, Mode: ModePaper} },
			reason: string(approval.ReasonMissing),
		},
		{
			name:    "bad mode",
			cfg:     DefaultGateConfig(),
			approve: true,
			req:     func(in intent.OrderIntent) GateRequest { return GateRequest{Intent: in, Mode: "DARK"} },
			reason:  ReasonInvalidMode,
		},
		{
			name:   "empty request",
			cfg:    DefaultGateConfig(),
			req:    func(intent.OrderIntent) GateRequest { return GateRequest{Mode: ModeSim} },
			reason: string(approval.ReasonHashMissing),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newStore(t)
			order := in(t)
			if tt.approve {
				approveHash(t, s, order.Hash())
			}
			g := NewGate(s, tt.cfg)
			req := tt.req(order)
			req.Now = t0.Add(time.Second)

			ticket, err := g.RequireApprovalOrAbort(context.Background(), req)
			assert.Nil(t, ticket)
			requireReason(t, err, tt.reason)
			if tt.approve {
				assert.Equal(t, approval.StatusApproved, statusOf(t, s, order.Hash()), "denied request must not consume")
			}
		})
	}
}

func TestGateLiveArmed(t *testing.T) {
	s, _ := newStore(t)
	g := NewGate(s, GateConfig{ManualApprovalRequired: true, LiveTradingEnabled: true, RequireArmed: map[string]bool{ModeLive: true}})
	in := testIntent(t, "SELL", 2, "2.50")
	approveHash(t, s, in.Hash())

	out, err := s.ArmOrderIntent(context.Background(), approval.ArmRequest{Hash: in.Hash(), Approver: "alice", Now: t0.Add(time.Second)})
	require.NoError(t, err)
	require.True(t, out.OK)

	ticket, err := g.RequireApprovalOrAbort(context.Background(), GateRequest{Intent: in, Mode: ModeLive, Now: t0.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, ModeLive, ticket.Mode())
}

type failingConsumer struct{}

func (failingConsumer) ConsumeValidApproval(context.Context, approval.ConsumeRequest) (approval.Outcome, error) {
	return approval.Outcome{}, errors.New("disk I/O error")
}

func TestGateFailsClosedOnStoreError(t *testing.T) {
	g := NewGate(failingConsumer{}, DefaultGateConfig())
	in := testIntent(t, "BUY", 1, "1.00")

	_, err := g.RequireApprovalOrAbort(context.Background(), GateRequest{Intent: in, Mode: ModeSim, Now: t0})
	requireReason(t, err, ReasonApprovalStoreError)
	assert.ErrorContains(t, err, "disk I/O error")
}

func TestTicketRedeemsOnce(t *testing.T) {
	in := testIntent(t, "BUY", 1, "1.00")
	other := testIntent(t, "SELL", 1, "1.00")

	var zero *Ticket
	assert.ErrorIs(t, zero.redeem(in.Hash()), ErrNoTicket)
	assert.ErrorIs(t, (&Ticket{}).redeem(in.Hash()), ErrNoTicket)

	tk := &Ticket{hash: in.Hash(), mode: ModeSim}
	assert.ErrorIs(t, tk.redeem(other.Hash()), ErrTicketMismatch)
	require.NoError(t, tk.redeem(in.Hash()))
	assert.ErrorIs(t, tk.redeem(in.Hash()), ErrTicketSpent)
}
