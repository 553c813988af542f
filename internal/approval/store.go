// Package approval is the durable approval state machine keyed by intent
// hash. It is the single source of truth for whether an exact order may
// proceed.
//
// Every state-changing method runs as one SQLite write transaction (the
// connection is opened with _txlock=immediate so BEGIN takes the write lock
// up front), reads the row, and applies a conditional UPDATE whose affected
// row count must be exactly one. Lifecycle, temporal and race failures come
// back as an Outcome; the error return is reserved for storage faults that
// retrying cannot fix.
package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-gate/internal/id"
	"github.com/Rajchodisetti/options-gate/internal/observ"
)

var (
	ErrNotFound    = errors.New("approval not found")
	ErrStoreLocked = errors.New("approval store locked")
)

const (
	DefaultTTL         = 5 * time.Minute
	DefaultArmTTL      = 60 * time.Second
	DefaultBusyTimeout = 250 * time.Millisecond
)

type Store struct {
	db          *sql.DB
	audit       AuditSink
	log         *zap.Logger
	retry       RetryPolicy
	clock       func() time.Time
	ttl         time.Duration
	armTTL      time.Duration
	busyTimeout time.Duration
}

type Option func(*Store)

func WithAuditSink(a AuditSink) Option       { return func(s *Store) { s.audit = a } }
func WithLogger(l *zap.Logger) Option        { return func(s *Store) { s.log = l } }
func WithRetryPolicy(p RetryPolicy) Option   { return func(s *Store) { s.retry = p } }
func WithClock(fn func() time.Time) Option   { return func(s *Store) { s.clock = fn } }
func WithDefaultTTL(d time.Duration) Option  { return func(s *Store) { s.ttl = d } }
func WithArmTTL(d time.Duration) Option      { return func(s *Store) { s.armTTL = d } }
func WithBusyTimeout(d time.Duration) Option { return func(s *Store) { s.busyTimeout = d } }

// Open opens (creating if needed) the approval database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		audit:       NopSink{},
		retry:       DefaultRetryPolicy(),
		clock:       time.Now,
		ttl:         DefaultTTL,
		armTTL:      DefaultArmTTL,
		busyTimeout: DefaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = observ.OrNop(s.log)
	if s.audit == nil {
		s.audit = NopSink{}
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create approval db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d", path, s.busyTimeout.Milliseconds())
	if !memory {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open approval db: %w", err)
	}
	if memory {
		// Each connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create approval schema: %w", err)
	}
	s.db = db
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Proposal creates a PENDING approval.
type Proposal struct {
	Hash     string
	Approver string
	Channel  string
	// ExpiresAt zero means Now plus the store's default TTL.
	ExpiresAt time.Time
	Metadata  map[string]any
	Now       time.Time
}

// Review approves or rejects an existing proposal.
type Review struct {
	Hash     string
	Approver string
	Reason   string
	Now      time.Time
}

// OrderApproval writes a decision directly, creating the row if needed.
type OrderApproval struct {
	Hash         string
	Approver     string
	Channel      string
	TTL          time.Duration
	Status       Status
	RejectReason string
	Metadata     map[string]any
	Now          time.Time
}

type ArmRequest struct {
	Hash     string
	Approver string
	Channel  string
	ArmTTL   time.Duration
	Now      time.Time
}

type ConsumeRequest struct {
	Hash     string
	Approver string
	// TTL, when positive, additionally bounds the approval's age.
	TTL          time.Duration
	RequireArmed bool
	Now          time.Time
}

// step is what one transaction attempt produced. Events are only emitted
// once the transaction commits.
type step struct {
	outcome Outcome
	n       int
	events  []AuditEvent
}

func (st *step) note(now time.Time, hash, event string, status Status, detail, actor string) {
	st.events = append(st.events, AuditEvent{
		EventType: "approval",
		Hash:      hash,
		Event:     event,
		Status:    status,
		Detail:    detail,
		Actor:     actor,
		Time:      now,
	})
}

func (s *Store) now(t time.Time) time.Time {
	if t.IsZero() {
		t = s.clock()
	}
	// Stored times have millisecond resolution; compare at the same resolution.
	return t.UTC().Truncate(time.Millisecond)
}

// CreateProposal inserts a PENDING row. Re-proposing a hash that is not USED
// resets it to PENDING with the new window.
func (s *Store) CreateProposal(ctx context.Context, p Proposal) (Outcome, error) {
	if strings.TrimSpace(p.Hash) == "" {
		return s.refuse("propose", ReasonHashMissing), nil
	}
	now := s.now(p.Now)
	expires := p.ExpiresAt.UTC().Truncate(time.Millisecond)
	if p.ExpiresAt.IsZero() {
		expires = now.Add(s.ttl)
	}
	if !expires.After(now) {
		return s.refuse("propose", ReasonInvalidInput), nil
	}
	return s.do(ctx, "propose", func(ctx context.Context, tx *sql.Tx) (step, error) {
		var st step
		n, err := upsert(ctx, tx, p.Hash, now, expires, p.Approver, p.Channel, StatusPending, "", p.Metadata)
		if err != nil {
			return st, err
		}
		if n != 1 {
			st.outcome = fail(ReasonUsed, StatusUsed)
			return st, nil
		}
		st.note(now, p.Hash, "proposed", StatusPending, expires.Format(time.RFC3339), p.Approver)
		st.outcome = ok(ReasonProposed, StatusPending)
		return st, nil
	})
}

// ApproveIntent moves a PENDING (or already APPROVED) row to APPROVED.
func (s *Store) ApproveIntent(ctx context.Context, r Review) (Outcome, error) {
	if strings.TrimSpace(r.Hash) == "" {
		return s.refuse("approve", ReasonHashMissing), nil
	}
	now := s.now(r.Now)
	return s.do(ctx, "approve", func(ctx context.Context, tx *sql.Tx) (step, error) {
		var st step
		row, err := s.expireIfDue(ctx, tx, r.Hash, now, r.Approver, &st)
		if err != nil || st.outcome.Reason != "" {
			return st, err
		}
		if row.Status != StatusPending && row.Status != StatusApproved {
			st.outcome = fail(blockedReason(row.Status), row.Status)
			return st, nil
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE order_approvals SET status = ?, approver = ?
			WHERE intent_hash = ? AND status IN (?, ?) AND expires_at >= ?`,
			StatusApproved, r.Approver, r.Hash, StatusPending, StatusApproved, now.UnixMilli())
		if err != nil {
			return st, err
		}
		if !exactlyOne(res) {
			st.outcome = fail(ReasonRaceLost, row.Status)
			return st, nil
		}
		st.note(now, r.Hash, "approved", StatusApproved, "", r.Approver)
		st.outcome = ok(ReasonApproved, StatusApproved)
		return st, nil
	})
}

// RejectIntent moves a PENDING row to REJECTED. An APPROVED row cannot be
// rejected through this path.
func (s *Store) RejectIntent(ctx context.Context, r Review) (Outcome, error) {
	if strings.TrimSpace(r.Hash) == "" {
		return s.refuse("reject", ReasonHashMissing), nil
	}
	now := s.now(r.Now)
	return s.do(ctx, "reject", func(ctx context.Context, tx *sql.Tx) (step, error) {
		var st step
		row, err := s.expireIfDue(ctx, tx, r.Hash, now, r.Approver, &st)
		if err != nil || st.outcome.Reason != "" {
			return st, err
		}
		switch row.Status {
		case StatusPending:
		case StatusApproved:
			st.outcome = fail(ReasonNotPending, row.Status)
			return st, nil
		default:
			st.outcome = fail(blockedReason(row.Status), row.Status)
			return st, nil
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE order_approvals SET status = ?, approver = ?, reject_reason = ?
			WHERE intent_hash = ? AND status = ? AND expires_at >= ?`,
			StatusRejected, r.Approver, nullable(r.Reason), r.Hash, StatusPending, now.UnixMilli())
		if err != nil {
			return st, err
		}
		if !exactlyOne(res) {
			st.outcome = fail(ReasonRaceLost, row.Status)
			return st, nil
		}
		st.note(now, r.Hash, "rejected", StatusRejected, r.Reason, r.Approver)
		st.outcome = ok(ReasonRejectedOK, StatusRejected)
		return st, nil
	})
}

// CreateOrderApproval records a decision in one step, creating or resetting
// the row. A USED row is never overwritten.
func (s *Store) CreateOrderApproval(ctx context.Context, o OrderApproval) (Outcome, error) {
	event := "order_approval"
	if strings.TrimSpace(o.Hash) == "" {
		return s.refuse(event, ReasonHashMissing), nil
	}
	var success Reason
	switch o.Status {
	case StatusApproved:
		success = ReasonApproved
	case StatusRejected:
		success = ReasonRejectedOK
	case StatusPending:
		success = ReasonProposed
	default:
		return s.refuse(event, ReasonInvalidInput), nil
	}
	now := s.now(o.Now)
	ttl := o.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	expires := now.Add(ttl)
	return s.do(ctx, event, func(ctx context.Context, tx *sql.Tx) (step, error) {
		var st step
		n, err := upsert(ctx, tx, o.Hash, now, expires, o.Approver, o.Channel, o.Status, o.RejectReason, o.Metadata)
		if err != nil {
			return st, err
		}
		if n != 1 {
			st.outcome = fail(ReasonUsed, StatusUsed)
			return st, nil
		}
		st.note(now, o.Hash, string(success), o.Status, o.RejectReason, o.Approver)
		st.outcome = ok(success, o.Status)
		return st, nil
	})
}

func (s *Store) ApproveOrderIntent(ctx context.Context, o OrderApproval) (Outcome, error) {
	o.Status = StatusApproved
	o.RejectReason = ""
	return s.CreateOrderApproval(ctx, o)
}

func (s *Store) RejectOrderIntent(ctx context.Context, o OrderApproval) (Outcome, error) {
	o.Status = StatusRejected
	return s.CreateOrderApproval(ctx, o)
}

// ArmOrderIntent opens the arm window on an APPROVED, unexpired row. The
// window never outlives the approval itself.
func (s *Store) ArmOrderIntent(ctx context.Context, a ArmRequest) (Outcome, error) {
	if strings.TrimSpace(a.Hash) == "" {
		return s.refuse("arm", ReasonHashMissing), nil
	}
	now := s.now(a.Now)
	armTTL := a.ArmTTL
	if armTTL <= 0 {
		armTTL = s.armTTL
	}
	return s.do(ctx, "arm", func(ctx context.Context, tx *sql.Tx) (step, error) {
		var st step
		row, err := s.expireIfDue(ctx, tx, a.Hash, now, a.Approver, &st)
		if err != nil || st.outcome.Reason != "" {
			return st, err
		}
		if row.Status != StatusApproved {
			st.outcome = fail(blockedReason(row.Status), row.Status)
			return st, nil
		}
		armedExpires := now.Add(armTTL)
		if row.ExpiresAt.Before(armedExpires) {
			armedExpires = row.ExpiresAt
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE order_approvals
			SET armed_at = ?, armed_expires_at = ?, armed_by = ?, armed_channel = ?
			WHERE intent_hash = ? AND status = ? AND expires_at >= ?`,
			now.UnixMilli(), armedExpires.UnixMilli(), a.Approver, a.Channel,
			a.Hash, StatusApproved, now.UnixMilli())
		if err != nil {
			return st, err
		}
		if !exactlyOne(res) {
			st.outcome = fail(ReasonRaceLost, row.Status)
			return st, nil
		}
		st.note(now, a.Hash, "armed", StatusApproved, armedExpires.Format(time.RFC3339Nano), a.Approver)
		st.outcome = ok(ReasonArmed, StatusApproved)
		return st, nil
	})
}

// ConsumeValidApproval atomically turns an APPROVED approval into USED.
// Exactly one of any number of concurrent callers for the same hash
// succeeds.
func (s *Store) ConsumeValidApproval(ctx context.Context, c ConsumeRequest) (Outcome, error) {
	if strings.TrimSpace(c.Hash) == "" {
		return s.refuse("consume", ReasonHashMissing), nil
	}
	now := s.now(c.Now)
	return s.do(ctx, "consume", func(ctx context.Context, tx *sql.Tx) (step, error) {
		var st step
		err := s.consume(ctx, tx, c, now, &st)
		return st, err
	})
}

// ApproveAndConsume is the input of ApproveAndConsumeOrderIntent.
type ApproveAndConsume struct {
	Hash     string
	Approver string
	Channel  string
	TTL      time.Duration
	Metadata map[string]any
	Now      time.Time
}

// ApproveAndConsumeOrderIntent writes an APPROVED row and consumes it in the
// same transaction. A USED row is left untouched.
func (s *Store) ApproveAndConsumeOrderIntent(ctx context.Context, a ApproveAndConsume) (Outcome, error) {
	if strings.TrimSpace(a.Hash) == "" {
		return s.refuse("approve_and_consume", ReasonHashMissing), nil
	}
	now := s.now(a.Now)
	ttl := a.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	return s.do(ctx, "approve_and_consume", func(ctx context.Context, tx *sql.Tx) (step, error) {
		var st step
		n, err := upsert(ctx, tx, a.Hash, now, now.Add(ttl), a.Approver, a.Channel, StatusApproved, "", a.Metadata)
		if err != nil {
			return st, err
		}
		if n != 1 {
			st.outcome = fail(ReasonUsed, StatusUsed)
			return st, nil
		}
		st.note(now, a.Hash, "approved", StatusApproved, "", a.Approver)
		err = s.consume(ctx, tx, ConsumeRequest{Hash: a.Hash, Approver: a.Approver}, now, &st)
		return st, err
	})
}

func (s *Store) consume(ctx context.Context, tx *sql.Tx, c ConsumeRequest, now time.Time, st *step) error {
	deny := func(r Reason, status Status) error {
		st.note(now, c.Hash, "consume_denied", status, string(r), c.Approver)
		st.outcome = fail(r, status)
		return nil
	}

	row, err := readRow(ctx, tx, c.Hash)
	if err != nil {
		return err
	}
	if row == nil {
		return deny(ReasonMissing, "")
	}
	if row.Status == StatusPending && row.ExpiredAt(now) {
		return expireOnConsume(ctx, tx, c, now, st)
	}
	if row.Status != StatusApproved {
		return deny(blockedReason(row.Status), row.Status)
	}

	deadline := row.ExpiresAt
	if c.TTL > 0 {
		if aged := row.CreatedAt.Add(c.TTL); aged.Before(deadline) {
			deadline = aged
		}
	}
	if now.After(deadline) {
		return expireOnConsume(ctx, tx, c, now, st)
	}

	extra := ""
	args := []any{StatusUsed, now.UnixMilli(), c.Approver, c.Hash, StatusApproved, now.UnixMilli()}
	if c.RequireArmed {
		if !row.Armed() {
			return deny(ReasonNotArmed, row.Status)
		}
		if now.After(*row.ArmedExpiresAt) {
			if _, err := tx.ExecContext(ctx, `
				UPDATE order_approvals
				SET armed_at = NULL, armed_expires_at = NULL, armed_by = NULL, armed_channel = NULL
				WHERE intent_hash = ? AND status = ?`, c.Hash, StatusApproved); err != nil {
				return err
			}
			st.note(now, c.Hash, "arm_expired", StatusApproved, "", c.Approver)
			st.outcome = fail(ReasonArmExpired, StatusApproved)
			return nil
		}
		extra = " AND armed_expires_at IS NOT NULL AND armed_expires_at >= ?"
		args = append(args, now.UnixMilli())
	}
	if c.TTL > 0 {
		extra += " AND created_at >= ?"
		args = append(args, now.Add(-c.TTL).UnixMilli())
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE order_approvals SET status = ?, used_at = ?, used_by = ?
		WHERE intent_hash = ? AND status = ? AND expires_at >= ?`+extra, args...)
	if err != nil {
		return err
	}
	if !exactlyOne(res) {
		return deny(ReasonRaceLost, row.Status)
	}
	st.note(now, c.Hash, "used", StatusUsed, "", c.Approver)
	st.outcome = ok(ReasonApprovedAndUsed, StatusUsed)
	return nil
}

func expireOnConsume(ctx context.Context, tx *sql.Tx, c ConsumeRequest, now time.Time, st *step) error {
	if err := markExpired(ctx, tx, c.Hash); err != nil {
		return err
	}
	st.note(now, c.Hash, "expired", StatusExpired, "consume after expiry", c.Approver)
	st.outcome = fail(ReasonExpired, StatusExpired)
	return nil
}

// expireIfDue loads the row and, when a live row's window has closed,
// writes EXPIRED before reporting it. st.outcome is set when the caller
// must stop.
func (s *Store) expireIfDue(ctx context.Context, tx *sql.Tx, hash string, now time.Time, actor string, st *step) (*Approval, error) {
	row, err := readRow(ctx, tx, hash)
	if err != nil {
		return nil, err
	}
	if row == nil {
		st.outcome = fail(ReasonMissing, "")
		return nil, nil
	}
	live := row.Status == StatusPending || row.Status == StatusApproved
	if live && row.ExpiredAt(now) {
		if err := markExpired(ctx, tx, hash); err != nil {
			return nil, err
		}
		st.note(now, hash, "expired", StatusExpired, "", actor)
		st.outcome = fail(ReasonExpired, StatusExpired)
	}
	return row, nil
}

// ExpireStale marks every live row whose window closed before now as
// EXPIRED and returns how many rows changed.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	now = s.now(now)
	out, err := s.run(ctx, "expire_sweep", func(ctx context.Context, tx *sql.Tx) (step, error) {
		var st step
		rows, err := tx.QueryContext(ctx, `
			SELECT intent_hash FROM order_approvals
			WHERE status IN (?, ?) AND expires_at < ?`,
			StatusPending, StatusApproved, now.UnixMilli())
		if err != nil {
			return st, err
		}
		var hashes []string
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				rows.Close()
				return st, err
			}
			hashes = append(hashes, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return st, err
		}
		for _, h := range hashes {
			if err := markExpired(ctx, tx, h); err != nil {
				return st, err
			}
			st.note(now, h, "expired", StatusExpired, "sweep", "")
		}
		st.n = len(hashes)
		st.outcome = ok(ReasonSwept, "")
		return st, nil
	})
	if err != nil {
		return 0, err
	}
	if out.outcome.Reason == ReasonStoreLocked {
		return 0, ErrStoreLocked
	}
	return out.n, nil
}

// Get returns the row for hash or ErrNotFound.
func (s *Store) Get(ctx context.Context, hash string) (*Approval, error) {
	row, err := readRow(ctx, s.db, hash)
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	if row == nil {
		return nil, ErrNotFound
	}
	return row, nil
}

// List returns rows newest first, optionally filtered by status. A
// non-positive limit means no limit.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]Approval, error) {
	q := selectApproval
	var args []any
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, status)
	}
	q += " ORDER BY created_at DESC, intent_hash"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("list approvals: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) do(ctx context.Context, op string, fn func(context.Context, *sql.Tx) (step, error)) (Outcome, error) {
	st, err := s.run(ctx, op, fn)
	return st.outcome, err
}

// run executes fn in a write transaction, retrying lock contention per the
// store's policy. Audit events are emitted only after a commit.
func (s *Store) run(ctx context.Context, op string, fn func(context.Context, *sql.Tx) (step, error)) (step, error) {
	attempts := s.retry.attempts()
	for attempt := 1; ; attempt++ {
		st, err := s.attempt(ctx, fn)
		if err == nil {
			s.emit(ctx, st.events)
			observ.IncApprovalTransition(op, string(st.outcome.Reason))
			return st, nil
		}
		if !isTransient(err) {
			return step{}, fmt.Errorf("approval %s: %w", op, err)
		}
		if attempt >= attempts {
			s.log.Warn("approval store locked",
				zap.String("op", op),
				zap.Int("attempts", attempt),
				zap.Error(err))
			observ.IncApprovalTransition(op, string(ReasonStoreLocked))
			return step{outcome: fail(ReasonStoreLocked, "")}, nil
		}
		observ.IncStoreRetry()
		if err := s.retry.wait(ctx, attempt); err != nil {
			return step{}, fmt.Errorf("approval %s: %w", op, err)
		}
	}
}

func (s *Store) attempt(ctx context.Context, fn func(context.Context, *sql.Tx) (step, error)) (st step, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if st, err = fn(ctx, tx); err != nil {
		return st, err
	}
	err = tx.Commit()
	return st, err
}

func (s *Store) emit(ctx context.Context, events []AuditEvent) {
	for _, ev := range events {
		ev.ID = id.At(ev.Time)
		if err := s.audit.Append(ctx, ev); err != nil {
			observ.IncAuditFailure()
			s.log.Warn("approval audit append failed",
				zap.String("hash", ev.Hash),
				zap.String("event", ev.Event),
				zap.Error(err))
		}
	}
}

func (s *Store) refuse(op string, r Reason) Outcome {
	observ.IncApprovalTransition(op, string(r))
	return fail(r, "")
}

func upsert(ctx context.Context, tx *sql.Tx, hash string, created, expires time.Time, approver, channel string, status Status, rejectReason string, metadata map[string]any) (int64, error) {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO order_approvals
			(intent_hash, created_at, created_at_iso, expires_at, expires_at_iso,
			 approver, channel, status, reject_reason, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(intent_hash) DO UPDATE SET
			created_at = excluded.created_at,
			created_at_iso = excluded.created_at_iso,
			expires_at = excluded.expires_at,
			expires_at_iso = excluded.expires_at_iso,
			approver = excluded.approver,
			channel = excluded.channel,
			status = excluded.status,
			reject_reason = excluded.reject_reason,
			armed_at = NULL, armed_expires_at = NULL, armed_by = NULL, armed_channel = NULL,
			used_at = NULL, used_by = NULL,
			metadata = excluded.metadata
		WHERE order_approvals.status <> 'USED'`,
		hash, created.UnixMilli(), created.Format(time.RFC3339Nano),
		expires.UnixMilli(), expires.Format(time.RFC3339Nano),
		approver, channel, status, nullable(rejectReason), meta)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func markExpired(ctx context.Context, tx *sql.Tx, hash string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE order_approvals SET status = ?
		WHERE intent_hash = ? AND status IN (?, ?)`,
		StatusExpired, hash, StatusPending, StatusApproved)
	return err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readRow(ctx context.Context, q queryer, hash string) (*Approval, error) {
	a, err := scanApproval(q.QueryRowContext(ctx, selectApproval+" WHERE intent_hash = ?", hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(sc scanner) (*Approval, error) {
	var (
		a                 Approval
		created, expires  int64
		status            string
		rejectReason      sql.NullString
		armedBy, armedCh  sql.NullString
		usedBy, metadata  sql.NullString
		armedAt, armedExp sql.NullInt64
		usedAt            sql.NullInt64
	)
	err := sc.Scan(&a.IntentHash, &created, &a.CreatedAtISO, &expires, &a.ExpiresAtISO,
		&a.Approver, &a.Channel, &status, &rejectReason,
		&armedAt, &armedExp, &armedBy, &armedCh, &usedAt, &usedBy, &metadata)
	if err != nil {
		return nil, err
	}
	st, err := ParseStatus(status)
	if err != nil {
		return nil, err
	}
	a.Status = st
	a.CreatedAt = time.UnixMilli(created).UTC()
	a.ExpiresAt = time.UnixMilli(expires).UTC()
	a.RejectReason = rejectReason.String
	a.ArmedAt = msPtr(armedAt)
	a.ArmedExpiresAt = msPtr(armedExp)
	a.ArmedBy = armedBy.String
	a.ArmedChannel = armedCh.String
	a.UsedAt = msPtr(usedAt)
	a.UsedBy = usedBy.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", a.IntentHash, err)
		}
	}
	return &a, nil
}

func encodeMetadata(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func exactlyOne(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n == 1
}
