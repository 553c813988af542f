package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/options-gate/internal/approval"
	"github.com/Rajchodisetti/options-gate/internal/intent"
)

// target is the --hash / --trade-file pair shared by every lifecycle command.
type target struct {
	hash      string
	tradeFile string
	mode      string
}

func (t *target) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.hash, "hash", "", "intent hash")
	cmd.Flags().StringVar(&t.tradeFile, "trade-file", "", "trade payload (JSON) to hash")
	cmd.Flags().StringVar(&t.mode, "mode", "SIM", "execution mode the trade is proposed for")
}

// resolve returns the hash, building the intent when a trade file is given.
// A hash and a trade file that disagree are refused.
func (t *target) resolve(now time.Time) (string, *intent.ReviewPacket, error) {
	if t.tradeFile == "" {
		if strings.TrimSpace(t.hash) == "" {
			return "", nil, errors.New("one of --hash or --trade-file is required")
		}
		return strings.TrimSpace(t.hash), nil, nil
	}
	f, err := os.Open(t.tradeFile)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	tr, err := intent.DecodeTrade(f)
	if err != nil {
		return "", nil, err
	}
	in, err := intent.FromTrade(tr, t.mode, intent.DefaultDefaults(), now)
	if err != nil {
		return "", nil, fmt.Errorf("build intent: %w", err)
	}
	if t.hash != "" && t.hash != in.Hash() {
		return "", nil, fmt.Errorf("approval_hash_mismatch: --hash %s does not match trade %s", t.hash, in.Hash())
	}
	packet := intent.NewReviewPacket(tr, in, strings.ToUpper(t.mode))
	return in.Hash(), &packet, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func proposeCmd() *cobra.Command {
	var (
		tgt target
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Record a PENDING approval for an intent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			hash, packet, err := tgt.resolve(e.now)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = e.cfg.Approval.TTL
			}
			var meta map[string]any
			if packet != nil {
				if err := printJSON(cmd, packet); err != nil {
					return err
				}
				meta = map[string]any{"summary": packet.Summary, "strategy": packet.Strategy, "trade_id": packet.TradeID}
			}
			out, err := e.store.CreateProposal(cmd.Context(), approval.Proposal{
				Hash:      hash,
				Approver:  approver,
				Channel:   channel,
				ExpiresAt: e.now.Add(ttl),
				Metadata:  meta,
				Now:       e.now,
			})
			if err != nil {
				return err
			}
			return report(cmd, hash, out)
		},
	}
	tgt.bind(cmd)
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "approval lifetime (default from config)")
	return cmd
}

func approveCmd() *cobra.Command {
	var (
		tgt    target
		ttl    time.Duration
		upsert bool
	)
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a PENDING intent",
		Long: `Approve moves a PENDING approval to APPROVED. With --upsert the
approval is written directly, creating or resetting the row (a USED row is
never reset).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			hash, _, err := tgt.resolve(e.now)
			if err != nil {
				return err
			}
			var out approval.Outcome
			if upsert {
				out, err = e.store.ApproveOrderIntent(cmd.Context(), approval.OrderApproval{
					Hash: hash, Approver: approver, Channel: channel, TTL: ttl, Now: e.now,
				})
			} else {
				out, err = e.store.ApproveIntent(cmd.Context(), approval.Review{Hash: hash, Approver: approver, Now: e.now})
			}
			if err != nil {
				return err
			}
			return report(cmd, hash, out)
		},
	}
	tgt.bind(cmd)
	cmd.Flags().BoolVar(&upsert, "upsert", false, "write the approval directly without a proposal")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "approval lifetime for --upsert (default from config)")
	return cmd
}

func rejectCmd() *cobra.Command {
	var (
		tgt    target
		reason string
	)
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject a PENDING intent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			hash, _, err := tgt.resolve(e.now)
			if err != nil {
				return err
			}
			out, err := e.store.RejectIntent(cmd.Context(), approval.Review{Hash: hash, Approver: approver, Reason: reason, Now: e.now})
			if err != nil {
				return err
			}
			return report(cmd, hash, out)
		},
	}
	tgt.bind(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "why the intent is rejected")
	return cmd
}

func armCmd() *cobra.Command {
	var (
		tgt    target
		armTTL time.Duration
	)
	cmd := &cobra.Command{
		Use:   "arm",
		Short: "Open the arm window on an APPROVED intent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			hash, _, err := tgt.resolve(e.now)
			if err != nil {
				return err
			}
			out, err := e.store.ArmOrderIntent(cmd.Context(), approval.ArmRequest{
				Hash: hash, Approver: approver, Channel: channel, ArmTTL: armTTL, Now: e.now,
			})
			if err != nil {
				return err
			}
			return report(cmd, hash, out)
		},
	}
	tgt.bind(cmd)
	cmd.Flags().DurationVar(&armTTL, "arm-ttl", 0, "arm window (default from config)")
	return cmd
}

func consumeCmd() *cobra.Command {
	var (
		tgt          target
		ttl          time.Duration
		requireArmed bool
	)
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Atomically mark an APPROVED intent USED",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			hash, _, err := tgt.resolve(e.now)
			if err != nil {
				return err
			}
			out, err := e.store.ConsumeValidApproval(cmd.Context(), approval.ConsumeRequest{
				Hash: hash, Approver: approver, TTL: ttl, RequireArmed: requireArmed, Now: e.now,
			})
			if err != nil {
				return err
			}
			return report(cmd, hash, out)
		},
	}
	tgt.bind(cmd)
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "maximum approval age; 0 uses only the stored expiry")
	cmd.Flags().BoolVar(&requireArmed, "require-armed", false, "refuse unless the arm window is open")
	return cmd
}

func statusCmd() *cobra.Command {
	var tgt target
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the stored approval row",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			hash, _, err := tgt.resolve(e.now)
			if err != nil {
				return err
			}
			row, err := e.store.Get(cmd.Context(), hash)
			if errors.Is(err, approval.ErrNotFound) {
				return report(cmd, hash, approval.Outcome{Reason: approval.ReasonMissing})
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, row)
		},
	}
	tgt.bind(cmd)
	return cmd
}

func listCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approvals, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			var st approval.Status
			if status != "" {
				if st, err = approval.ParseStatus(strings.ToUpper(status)); err != nil {
					return err
				}
			}
			rows, err := e.store.List(cmd.Context(), st, limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range rows {
				fmt.Fprintf(w, "%-8s %s  expires=%s  approver=%s\n", r.Status, r.IntentHash, r.ExpiresAtISO, r.Approver)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func auditCmd() *cobra.Command {
	var tgt target
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the audit history of an intent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if e.audit == nil {
				return errors.New("audit log disabled: approval.audit_path is empty")
			}
			hash, _, err := tgt.resolve(e.now)
			if err != nil {
				return err
			}
			events, err := e.audit.History(hash)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, ev := range events {
				fmt.Fprintf(w, "%s  %-14s %-9s actor=%s %s\n",
					ev.Time.UTC().Format(time.RFC3339Nano), ev.Event, ev.Status, ev.Actor, ev.Detail)
			}
			return nil
		},
	}
	tgt.bind(cmd)
	return cmd
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Mark every lapsed PENDING or APPROVED row EXPIRED",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.store.ExpireStale(cmd.Context(), e.now)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d approvals\n", n)
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(
		proposeCmd(),
		approveCmd(),
		rejectCmd(),
		armCmd(),
		consumeCmd(),
		statusCmd(),
		listCmd(),
		auditCmd(),
		expireCmd(),
	)
}
