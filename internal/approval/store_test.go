package approval

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 20, 14, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) (*Store, *MemorySink, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "approvals.db")
	sink := &MemorySink{}
	opts = append([]Option{WithAuditSink(sink), WithClock(func() time.Time { return t0 })}, opts...)
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, sink, path
}

func propose(t *testing.T, s *Store, hash string, expires time.Time) {
	t.Helper()
	out, err := s.CreateProposal(context.Background(), Proposal{
		Hash: hash, Approver: "proposer", Channel: "cli", ExpiresAt: expires, Now: t0,
	})
	require.NoError(t, err)
	require.True(t, out.OK, out.String())
}

func approve(t *testing.T, s *Store, hash string, now time.Time) {
	t.Helper()
	out, err := s.ApproveIntent(context.Background(), Review{Hash: hash, Approver: "alice", Now: now})
	require.NoError(t, err)
	require.True(t, out.OK, out.String())
}

func TestConsumeHappyPathThenUsed(t *testing.T) {
	s, sink, _ := newTestStore(t)
	ctx := context.Background()

	propose(t, s, "H1", t0.Add(120*time.Second))
	approve(t, s, "H1", t0)

	out, err := s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "H1", Approver: "exec", Now: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, Outcome{OK: true, Reason: ReasonApprovedAndUsed, Status: StatusUsed}, out)

	out, err = s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "H1", Approver: "exec", Now: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, ReasonUsed, out.Reason)

	row, err := s.Get(ctx, "H1")
	require.NoError(t, err)
	assert.Equal(t, StatusUsed, row.Status)
	assert.Equal(t, "exec", row.UsedBy)
	require.NotNil(t, row.UsedAt)
	assert.Equal(t, t0.Add(time.Second), *row.UsedAt)

	assert.Equal(t, 1, sink.Count("H1", "used"))
	assert.Equal(t, 1, sink.Count("H1", "consume_denied"))
}

func TestConsumeLifecycleReasons(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	exp := t0.Add(time.Hour)

	propose(t, s, "pending", exp)
	propose(t, s, "rejected", exp)
	out, err := s.RejectIntent(ctx, Review{Hash: "rejected", Approver: "bob", Reason: "too wide", Now: t0})
	require.NoError(t, err)
	require.True(t, out.OK)

	cases := []struct {
		hash string
		want Reason
	}{
		{"", ReasonHashMissing},
		{"   ", ReasonHashMissing},
		{"unknown", ReasonMissing},
		{"pending", ReasonPending},
		{"rejected", ReasonRejected},
	}
	for _, tc := range cases {
		t.Run(string(tc.want)+"/"+tc.hash, func(t *testing.T) {
			out, err := s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: tc.hash, Now: t0})
			require.NoError(t, err)
			assert.False(t, out.OK)
			assert.Equal(t, tc.want, out.Reason)
		})
	}

	row, err := s.Get(ctx, "rejected")
	require.NoError(t, err)
	assert.Equal(t, "too wide", row.RejectReason)

	_, err = s.Get(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConsumeAfterExpiryWritesExpired(t *testing.T) {
	s, sink, _ := newTestStore(t)
	ctx := context.Background()

	propose(t, s, "H2", t0.Add(60*time.Second))
	approve(t, s, "H2", t0)

	out, err := s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "H2", Now: t0.Add(61 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, out.Reason)
	assert.Equal(t, StatusExpired, out.Status)

	row, err := s.Get(ctx, "H2")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, row.Status)
	assert.Equal(t, 1, sink.Count("H2", "expired"))

	// Stays expired; a later call cannot resurrect it.
	out, err = s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "H2", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, out.Reason)
}

func TestConsumePendingAfterExpiryWritesExpired(t *testing.T) {
	s, sink, _ := newTestStore(t)
	ctx := context.Background()
	propose(t, s, "P1", t0.Add(time.Minute))

	out, err := s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "P1", Now: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, out.Reason)
	assert.Equal(t, StatusExpired, out.Status)

	row, err := s.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, row.Status)
	assert.Equal(t, 1, sink.Count("P1", "expired"))

	// Before expiry a PENDING row still reports pending.
	propose(t, s, "P2", t0.Add(time.Hour))
	out, err = s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "P2", Now: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, ReasonPending, out.Reason)
}

func TestConsumeAtExactExpirySucceeds(t *testing.T) {
	s, _, _ := newTestStore(t)
	propose(t, s, "edge", t0.Add(time.Minute))
	approve(t, s, "edge", t0)

	out, err := s.ConsumeValidApproval(context.Background(), ConsumeRequest{Hash: "edge", Now: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestConsumeTTLBoundsApprovalAge(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	propose(t, s, "aged", t0.Add(time.Hour))
	approve(t, s, "aged", t0)

	out, err := s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "aged", TTL: 30 * time.Second, Now: t0.Add(31 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, out.Reason)

	row, err := s.Get(ctx, "aged")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, row.Status)
}

func TestApproveAfterExpiryWritesExpired(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	propose(t, s, "late", t0.Add(time.Second))

	out, err := s.ApproveIntent(ctx, Review{Hash: "late", Approver: "alice", Now: t0.Add(2 * time.Second)})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, ReasonExpired, out.Reason)

	row, err := s.Get(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, row.Status)

	out, err = s.ApproveIntent(ctx, Review{Hash: "late", Approver: "alice", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, out.Reason)
}

func TestApproveAndRejectTransitions(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	exp := t0.Add(time.Hour)

	propose(t, s, "A", exp)
	approve(t, s, "A", t0)
	// Re-approving is allowed.
	approve(t, s, "A", t0.Add(time.Second))

	out, err := s.RejectIntent(ctx, Review{Hash: "A", Approver: "bob", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotPending, out.Reason)
	assert.Equal(t, StatusApproved, out.Status)

	propose(t, s, "R", exp)
	out, err = s.RejectIntent(ctx, Review{Hash: "R", Approver: "bob", Now: t0})
	require.NoError(t, err)
	require.True(t, out.OK)

	out, err = s.ApproveIntent(ctx, Review{Hash: "R", Approver: "alice", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, ReasonRejected, out.Reason)

	out, err = s.RejectIntent(ctx, Review{Hash: "missing", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, ReasonMissing, out.Reason)
}

func TestArmWindow(t *testing.T) {
	s, sink, _ := newTestStore(t)
	ctx := context.Background()
	propose(t, s, "L1", t0.Add(10*time.Minute))

	out, err := s.ArmOrderIntent(ctx, ArmRequest{Hash: "L1", Approver: "alice", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, ReasonPending, out.Reason, "pending rows cannot be armed")

	approve(t, s, "L1", t0)

	out, err = s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "L1", RequireArmed: true, Now: t0})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotArmed, out.Reason)

	out, err = s.ArmOrderIntent(ctx, ArmRequest{Hash: "L1", Approver: "alice", Channel: "slack", ArmTTL: 30 * time.Second, Now: t0})
	require.NoError(t, err)
	require.True(t, out.OK)

	row, err := s.Get(ctx, "L1")
	require.NoError(t, err)
	require.True(t, row.Armed())
	assert.Equal(t, t0.Add(30*time.Second), *row.ArmedExpiresAt)
	assert.Equal(t, "slack", row.ArmedChannel)

	out, err = s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "L1", RequireArmed: true, Now: t0.Add(31 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, ReasonArmExpired, out.Reason)
	assert.Equal(t, 1, sink.Count("L1", "arm_expired"))

	row, err = s.Get(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, row.Status)
	assert.False(t, row.Armed())
	assert.Nil(t, row.ArmedAt)
	assert.Empty(t, row.ArmedBy)

	out, err = s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "L1", RequireArmed: true, Now: t0.Add(32 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotArmed, out.Reason)

	now := t0.Add(40 * time.Second)
	out, err = s.ArmOrderIntent(ctx, ArmRequest{Hash: "L1", Approver: "alice", ArmTTL: 30 * time.Second, Now: now})
	require.NoError(t, err)
	require.True(t, out.OK)

	out, err = s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "L1", RequireArmed: true, Now: now.Add(5 * time.Second)})
	require.NoError(t, err)
	assert.True(t, out.OK)
}

func TestArmWindowCappedAtApprovalExpiry(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	exp := t0.Add(20 * time.Second)
	propose(t, s, "cap", exp)
	approve(t, s, "cap", t0)

	out, err := s.ArmOrderIntent(ctx, ArmRequest{Hash: "cap", ArmTTL: time.Minute, Now: t0})
	require.NoError(t, err)
	require.True(t, out.OK)

	row, err := s.Get(ctx, "cap")
	require.NoError(t, err)
	assert.Equal(t, exp, *row.ArmedExpiresAt)

	out, err = s.ArmOrderIntent(ctx, ArmRequest{Hash: "cap", ArmTTL: time.Minute, Now: exp.Add(time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, ReasonExpired, out.Reason)
}

func TestUsedIsTerminal(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	propose(t, s, "U", t0.Add(time.Hour))
	approve(t, s, "U", t0)
	out, err := s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "U", Now: t0})
	require.NoError(t, err)
	require.True(t, out.OK)

	ops := map[string]func() (Outcome, error){
		"propose": func() (Outcome, error) {
			return s.CreateProposal(ctx, Proposal{Hash: "U", ExpiresAt: t0.Add(time.Hour), Now: t0})
		},
		"approve": func() (Outcome, error) { return s.ApproveIntent(ctx, Review{Hash: "U", Now: t0}) },
		"reject":  func() (Outcome, error) { return s.RejectIntent(ctx, Review{Hash: "U", Now: t0}) },
		"arm":     func() (Outcome, error) { return s.ArmOrderIntent(ctx, ArmRequest{Hash: "U", Now: t0}) },
		"order_approve": func() (Outcome, error) {
			return s.ApproveOrderIntent(ctx, OrderApproval{Hash: "U", Approver: "alice", Now: t0})
		},
		"order_reject": func() (Outcome, error) {
			return s.RejectOrderIntent(ctx, OrderApproval{Hash: "U", Approver: "alice", Now: t0})
		},
		"approve_and_consume": func() (Outcome, error) {
			return s.ApproveAndConsumeOrderIntent(ctx, ApproveAndConsume{Hash: "U", Approver: "alice", Now: t0})
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			out, err := op()
			require.NoError(t, err)
			assert.False(t, out.OK)
			assert.Equal(t, ReasonUsed, out.Reason)
		})
	}

	row, err := s.Get(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, StatusUsed, row.Status)
}

func TestReproposalResetsRow(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	propose(t, s, "P", t0.Add(time.Minute))
	approve(t, s, "P", t0)
	_, err := s.ArmOrderIntent(ctx, ArmRequest{Hash: "P", Now: t0})
	require.NoError(t, err)

	propose(t, s, "P", t0.Add(2*time.Minute))
	row, err := s.Get(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, row.Status)
	assert.False(t, row.Armed())
	assert.Equal(t, t0.Add(2*time.Minute), row.ExpiresAt)
}

func TestOrderApprovalUpsert(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	out, err := s.ApproveOrderIntent(ctx, OrderApproval{
		Hash: "O", Approver: "alice", Channel: "cli", TTL: time.Minute,
		Metadata: map[string]any{"trade_id": "T-1"}, Now: t0,
	})
	require.NoError(t, err)
	assert.Equal(t, Outcome{OK: true, Reason: ReasonApproved, Status: StatusApproved}, out)

	row, err := s.Get(ctx, "O")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), row.ExpiresAt)
	assert.Equal(t, "T-1", row.Metadata["trade_id"])
	assert.Equal(t, t0.Format(time.RFC3339Nano), row.CreatedAtISO)

	out, err = s.RejectOrderIntent(ctx, OrderApproval{Hash: "O", Approver: "bob", RejectReason: "changed mind", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, ReasonRejectedOK, out.Reason)

	out, err = s.CreateOrderApproval(ctx, OrderApproval{Hash: "O", Status: StatusUsed, Now: t0})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidInput, out.Reason)
}

func TestApproveAndConsumeOrderIntent(t *testing.T) {
	s, sink, _ := newTestStore(t)
	ctx := context.Background()

	out, err := s.ApproveAndConsumeOrderIntent(ctx, ApproveAndConsume{Hash: "AC", Approver: "auto", Now: t0})
	require.NoError(t, err)
	assert.True(t, out.OK)
	assert.Equal(t, ReasonApprovedAndUsed, out.Reason)
	assert.Equal(t, 1, sink.Count("AC", "approved"))
	assert.Equal(t, 1, sink.Count("AC", "used"))

	out, err = s.ApproveAndConsumeOrderIntent(ctx, ApproveAndConsume{Hash: "AC", Approver: "auto", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, ReasonUsed, out.Reason)
}

func TestConcurrentConsumeExactlyOnce(t *testing.T) {
	s, sink, _ := newTestStore(t, WithBusyTimeout(5*time.Second))
	ctx := context.Background()
	propose(t, s, "RACE", t0.Add(time.Hour))
	approve(t, s, "RACE", t0)

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Reason]int{}
		start    = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, err := s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "RACE", Approver: "worker", Now: t0.Add(time.Second)})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcomes["error"]++
				return
			}
			outcomes[out.Reason]++
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, outcomes[ReasonApprovedAndUsed])
	assert.Equal(t, workers-1, outcomes[ReasonUsed]+outcomes[ReasonRaceLost], outcomes)
	assert.Equal(t, 1, sink.Count("RACE", "used"))
}

func TestStoreLockedAfterBoundedRetries(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts []int
	)
	policy := RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
			return time.Millisecond
		},
	}
	s, _, path := newTestStore(t, WithBusyTimeout(time.Millisecond), WithRetryPolicy(policy))
	ctx := context.Background()
	propose(t, s, "LOCK", t0.Add(time.Hour))
	approve(t, s, "LOCK", t0)

	other, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })
	holder, err := other.Begin()
	require.NoError(t, err)

	out, err := s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "LOCK", Now: t0})
	require.NoError(t, err)
	assert.False(t, out.OK)
	assert.Equal(t, ReasonStoreLocked, out.Reason)
	assert.Equal(t, []int{1, 2}, attempts)

	_, err = s.ExpireStale(ctx, t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrStoreLocked)

	require.NoError(t, holder.Rollback())

	out, err = s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "LOCK", Now: t0})
	require.NoError(t, err)
	assert.True(t, out.OK)
}

type failingSink struct{}

func (failingSink) Append(context.Context, AuditEvent) error { return errors.New("disk full") }

func TestAuditFailureDoesNotBlockTransition(t *testing.T) {
	s, _, _ := newTestStore(t, WithAuditSink(failingSink{}))
	ctx := context.Background()
	propose(t, s, "AF", t0.Add(time.Hour))
	approve(t, s, "AF", t0)

	out, err := s.ConsumeValidApproval(ctx, ConsumeRequest{Hash: "AF", Now: t0})
	require.NoError(t, err)
	assert.True(t, out.OK)

	row, err := s.Get(ctx, "AF")
	require.NoError(t, err)
	assert.Equal(t, StatusUsed, row.Status)
}

func TestExpireStaleAndList(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	propose(t, s, "old", t0.Add(time.Second))
	propose(t, s, "fresh", t0.Add(time.Hour))
	propose(t, s, "old-approved", t0.Add(2*time.Second))
	approve(t, s, "old-approved", t0)

	n, err := s.ExpireStale(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	expired, err := s.List(ctx, StatusExpired, 0)
	require.NoError(t, err)
	require.Len(t, expired, 2)

	pending, err := s.List(ctx, StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fresh", pending[0].IntentHash)

	all, err := s.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	n, err = s.ExpireStale(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProposalRejectsClosedWindow(t *testing.T) {
	s, _, _ := newTestStore(t)
	out, err := s.CreateProposal(context.Background(), Proposal{Hash: "X", ExpiresAt: t0, Now: t0})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidInput, out.Reason)

	out, err = s.CreateProposal(context.Background(), Proposal{Hash: "Y"})
	require.NoError(t, err)
	require.True(t, out.OK)
	row, err := s.Get(context.Background(), "Y")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(DefaultTTL), row.ExpiresAt)
}
