package approval

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an approval row.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
	StatusUsed     Status = "USED"
)

// ParseStatus maps a stored value back onto the closed set.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusUsed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown approval status %q", s)
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool { return s == StatusUsed }

// Reason is the machine-readable outcome of a store operation.
type Reason string

// Failure reasons.
const (
	ReasonHashMissing  Reason = "approval_hash_missing"
	ReasonMissing      Reason = "approval_missing"
	ReasonPending      Reason = "approval_pending"
	ReasonRejected     Reason = "approval_rejected"
	ReasonExpired      Reason = "approval_expired"
	ReasonUsed         Reason = "approval_used"
	ReasonNotApproved  Reason = "approval_not_approved"
	ReasonNotPending   Reason = "approval_not_pending"
	ReasonNotArmed     Reason = "approval_not_armed"
	ReasonArmExpired   Reason = "approval_arm_expired"
	ReasonRaceLost     Reason = "approval_race_lost"
	ReasonStoreLocked  Reason = "approval_store_locked"
	ReasonInvalidInput Reason = "approval_invalid_request"
)

// Success reasons.
const (
	ReasonProposed        Reason = "proposed"
	ReasonApproved        Reason = "approved"
	ReasonRejectedOK      Reason = "rejected"
	ReasonArmed           Reason = "armed"
	ReasonApprovedAndUsed Reason = "approved_and_used"
	ReasonSwept           Reason = "expired"
)

// Outcome is the result of a lifecycle operation. Lifecycle, temporal and
// race failures are reported here, never as Go errors.
type Outcome struct {
	OK     bool
	Reason Reason
	// Status is the row status after the operation, when a row exists.
	Status Status
}

func ok(r Reason, st Status) Outcome   { return Outcome{OK: true, Reason: r, Status: st} }
func fail(r Reason, st Status) Outcome { return Outcome{Reason: r, Status: st} }
func (o Outcome) String() string       { return fmt.Sprintf("ok=%t reason=%s", o.OK, o.Reason) }

// blockedReason names why a row in status st cannot proceed.
func blockedReason(st Status) Reason {
	switch st {
	case StatusUsed:
		return ReasonUsed
	case StatusRejected:
		return ReasonRejected
	case StatusExpired:
		return ReasonExpired
	case StatusPending:
		return ReasonPending
	default:
		return ReasonNotApproved
	}
}

// Approval is one row of the approval table.
type Approval struct {
	IntentHash     string         `json:"intent_hash"`
	CreatedAt      time.Time      `json:"created_at"`
	CreatedAtISO   string         `json:"created_at_iso"`
	ExpiresAt      time.Time      `json:"expires_at"`
	ExpiresAtISO   string         `json:"expires_at_iso"`
	Approver       string         `json:"approver"`
	Channel        string         `json:"channel"`
	Status         Status         `json:"status"`
	RejectReason   string         `json:"reject_reason,omitempty"`
	ArmedAt        *time.Time     `json:"armed_at,omitempty"`
	ArmedExpiresAt *time.Time     `json:"armed_expires_at,omitempty"`
	ArmedBy        string         `json:"armed_by,omitempty"`
	ArmedChannel   string         `json:"armed_channel,omitempty"`
	UsedAt         *time.Time     `json:"used_at,omitempty"`
	UsedBy         string         `json:"used_by,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Armed reports whether the row carries an arm window.
func (a *Approval) Armed() bool { return a.ArmedExpiresAt != nil }

// ExpiredAt reports whether the approval window has closed at now.
func (a *Approval) ExpiredAt(now time.Time) bool { return now.After(a.ExpiresAt) }
