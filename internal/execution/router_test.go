package execution

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-gate/internal/adapters"
	"github.com/Rajchodisetti/options-gate/internal/approval"
	"github.com/Rajchodisetti/options-gate/internal/intent"
	"github.com/Rajchodisetti/options-gate/internal/outbox"
	"github.com/Rajchodisetti/options-gate/internal/portfolio"
	"github.com/Rajchodisetti/options-gate/internal/risk"
)

type routerFixture struct {
	store    *approval.Store
	router   *Router
	risk     *risk.State
	breaker  *risk.CircuitBreaker
	book     *portfolio.Manager
	attempts *outbox.Outbox
}

func newRouterFixture(t *testing.T, gcfg GateConfig) *routerFixture {
	t.Helper()
	store, _ := newStore(t)
	attempts, err := outbox.New(filepath.Join(t.TempDir(), "attempts.jsonl"))
	require.NoError(t, err)

	f := &routerFixture{
		store:    store,
		risk:     risk.NewState(risk.DefaultStateConfig(), t0, nil),
		breaker:  risk.NewCircuitBreaker(risk.DefaultBreakerConfig(), nil),
		book:     portfolio.NewManager("", 100000),
		attempts: attempts,
	}
	require.NoError(t, f.book.Load(t0))

	cfg := DefaultRouterConfig()
	cfg.Sim = fastParams()
	cfg.Paper = fastParams()
	cfg.Paper.MaxReplaces = 2
	f.router = NewRouter(NewGate(store, gcfg), fixedEngine(), cfg,
		WithRiskState(f.risk),
		WithBreaker(f.breaker),
		WithBook(f.book),
		WithAttemptLog(attempts),
		WithRouterClock(func() time.Time { return t0 }))
	return f
}

func (f *routerFixture) attemptLog(t *testing.T) []Result {
	t.Helper()
	var out []Result
	require.NoError(t, f.attempts.Scan(AttemptEntryType, func(e outbox.Entry) bool {
		var r Result
		require.NoError(t, json.Unmarshal(e.Data, &r))
		out = append(out, r)
		return true
	}))
	return out
}

func TestExecuteSimFillBooksPosition(t *testing.T) {
	f := newRouterFixture(t, DefaultGateConfig())
	in := testIntent(t, "BUY", 10, "1.10")
	approveHash(t, f.store, in.Hash())
	quotes := adapters.NewScriptedQuotes(quote(1.00, 1.10, 0))

	res, err := f.router.Execute(context.Background(), ExecuteRequest{
		Intent: in, Hash: in.Hash(), Mode: "sim", Approver: "exec", Snapshot: quotes.Snapshot, Now: t0.Add(time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	require.NotNil(t, res.Report)
	assert.InDelta(t, 1.10, res.Report.FillPrice, 1e-9)
	assert.Equal(t, risk.ModeNormal, res.RiskMode)

	pos, ok := f.book.GetPosition(portfolio.ContractKey(in))
	require.True(t, ok)
	assert.Equal(t, 10.0, pos.Quantity)
	assert.InDelta(t, 1.05, pos.MarkPrice, 1e-9)
	assert.Less(t, f.risk.Snapshot().Unrealized, 0.0)
	assert.Equal(t, approval.StatusUsed, statusOf(t, f.store, in.Hash()))

	day, ok := f.router.Tracker().Day("2025-06-20")
	require.True(t, ok)
	assert.Equal(t, 1, day.Fills)

	log := f.attemptLog(t)
	require.Len(t, log, 1)
	assert.Equal(t, StatusFilled, log[0].Status)
	assert.Equal(t, "filled", log[0].Outcome())
	assert.Equal(t, in.Hash(), log[0].Hash)
}

func TestExecuteWithoutApprovalNeverTouchesMarket(t *testing.T) {
	f := newRouterFixture(t, DefaultGateConfig())
	in := testIntent(t, "BUY", 10, "1.10")
	quotes := adapters.NewScriptedQuotes(quote(1.00, 1.10, 0))

	for _, mode := range []string{ModeSim, ModePaper, ModeLive} {
		res, err := f.router.Execute(context.Background(), ExecuteRequest{Intent: in, Mode: mode, Snapshot: quotes.Snapshot})
		var ae *ApprovalError
		require.True(t, errors.As(err, &ae), mode)
		assert.Equal(t, StatusDenied, res.Status)
		assert.Nil(t, res.Report)
	}
	assert.Zero(t, quotes.Calls())
	_, ok := f.book.GetPosition(portfolio.ContractKey(in))
	assert.False(t, ok)
	assert.Len(t, f.attemptLog(t), 3)
}

func TestExecuteBlockedBeforeConsuming(t *testing.T) {
	t.Run("circuit breaker", func(t *testing.T) {
		f := newRouterFixture(t, DefaultGateConfig())
		in := testIntent(t, "BUY", 10, "1.10")
		approveHash(t, f.store, in.Hash())
		for i := 0; i < 5; i++ {
			f.breaker.RecordError("quote_error", t0)
		}

		res, err := f.router.Execute(context.Background(), ExecuteRequest{Intent: in, Mode: ModeSim, Now: t0.Add(time.Second)})
		var be *BlockedError
		require.True(t, errors.As(err, &be))
		assert.Equal(t, ReasonBreakerHalted, res.Reason)
		assert.Equal(t, approval.StatusApproved, statusOf(t, f.store, in.Hash()))

		f.breaker.Reset()
		quotes := adapters.NewScriptedQuotes(quote(1.00, 1.10, 0))
		res, err = f.router.Execute(context.Background(), ExecuteRequest{Intent: in, Mode: ModeSim, Snapshot: quotes.Snapshot, Now: t0.Add(2 * time.Second)})
		require.NoError(t, err)
		assert.Equal(t, StatusFilled, res.Status)
	})

	t.Run("risk hard halt", func(t *testing.T) {
		f := newRouterFixture(t, DefaultGateConfig())
		in := testIntent(t, "BUY", 10, "1.10")
		approveHash(t, f.store, in.Hash())
		require.Equal(t, risk.ModeHardHalt, f.risk.UpdatePortfolio(-6000, 0, t0))

		res, err := f.router.Execute(context.Background(), ExecuteRequest{Intent: in, Mode: ModeSim, Now: t0.Add(time.Second)})
		require.Error(t, err)
		assert.Equal(t, StatusBlocked, res.Status)
		assert.Equal(t, risk.ReasonHardHalt, res.Reason)
		assert.Equal(t, risk.ModeHardHalt, res.RiskMode)
		assert.Equal(t, approval.StatusApproved, statusOf(t, f.store, in.Hash()))
	})
}

func TestExecuteLiveStub(t *testing.T) {
	f := newRouterFixture(t, GateConfig{ManualApprovalRequired: true, LiveTradingEnabled: true, RequireArmed: map[string]bool{ModeLive: true}})
	in := testIntent(t, "BUY", 1, "1.10")
	approveHash(t, f.store, in.Hash())
	out, err := f.store.ArmOrderIntent(context.Background(), approval.ArmRequest{Hash: in.Hash(), Approver: "alice", Now: t0})
	require.NoError(t, err)
	require.True(t, out.OK)

	res, err := f.router.Execute(context.Background(), ExecuteRequest{Intent: in, Mode: ModeLive, Now: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, StatusNotFilled, res.Status)
	assert.Equal(t, AbortLivePlacementOff, res.Reason)
	assert.Equal(t, approval.StatusUsed, statusOf(t, f.store, in.Hash()))
}

func TestExecuteNoQuoteFeedsBreaker(t *testing.T) {
	f := newRouterFixture(t, DefaultGateConfig())
	for i := 0; i < 5; i++ {
		in := testIntent(t, "BUY", int64(i+1), "1.10")
		approveHash(t, f.store, in.Hash())
		res, err := f.router.Execute(context.Background(), ExecuteRequest{Intent: in, Mode: ModeSim, Now: t0.Add(time.Second)})
		require.NoError(t, err)
		assert.Equal(t, AbortNoQuote, res.Reason)
	}
	assert.True(t, f.breaker.IsHalted(t0.Add(time.Second)))
}

func TestFlattenRequiresApproval(t *testing.T) {
	f := newRouterFixture(t, DefaultGateConfig())
	open := testIntent(t, "BUY", 10, "1.10")
	_, err := f.book.ApplyFill(portfolio.Fill{ID: "f1", Intent: open, Quantity: 10, Price: 1.10, At: t0})
	require.NoError(t, err)

	quotes := func(intent.OrderIntent) adapters.SnapshotFunc {
		return adapters.NewScriptedQuotes(quote(1.00, 1.10, 0)).Snapshot
	}
	now := t0.Add(time.Second)
	bucket := intent.BucketOf(now)

	results, err := f.router.FlattenAll(context.Background(), FlattenRequest{Mode: ModeSim, Quotes: quotes, Bucket: bucket, Now: now})
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusDenied, results[0].Status)
	assert.Equal(t, string(approval.ReasonMissing), results[0].Reason)
	assert.Len(t, f.book.OpenPositions(), 1, "unapproved flatten must leave the position open")

	plan, err := f.router.FlattenPlan(bucket)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "SELL", plan[0].Side)
	approveHash(t, f.store, plan[0].Hash())

	results, err = f.router.FlattenAll(context.Background(), FlattenRequest{Mode: ModeSim, Quotes: quotes, Bucket: bucket, Now: now})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFilled, results[0].Status)
	assert.InDelta(t, -1.0, results[0].RealizedPnL, 1e-9)
	assert.Empty(t, f.book.OpenPositions())
}
