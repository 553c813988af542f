// Command approvals is the operator surface of the approval store: propose,
// approve, reject, arm and consume order intents by hash, and inspect their
// state and audit history.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-gate/internal/approval"
	"github.com/Rajchodisetti/options-gate/internal/config"
	"github.com/Rajchodisetti/options-gate/internal/observ"
	"github.com/Rajchodisetti/options-gate/internal/outbox"
)

var (
	configPath string
	dbPath     string
	approver   string
	channel    string
)

var rootCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Manage order approvals",
	Long: `Approvals manages the human approval lifecycle of order intents.

Every command takes the intent hash (--hash) or a trade payload
(--trade-file) whose canonical hash is computed locally. Failures print
the reason code and exit non-zero.

Examples:
  approvals propose --trade-file trade.json --ttl 10m
  approvals approve --hash 3f9a...
  approvals arm --hash 3f9a... --arm-ttl 60s
  approvals consume --hash 3f9a... --require-armed
  approvals audit --hash 3f9a...`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "approval database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&approver, "approver", defaultApprover(), "operator recorded on the transition")
	rootCmd.PersistentFlags().StringVar(&channel, "channel", "cli", "channel recorded on the transition")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var oe *outcomeError
		if !errors.As(err, &oe) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

// env is what every subcommand works with. The clock is sampled once per
// invocation.
type env struct {
	cfg   config.Root
	store *approval.Store
	audit *approval.OutboxSink
	log   *zap.Logger
	now   time.Time
}

func openEnv() (*env, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dbPath != "" {
		cfg.Approval.DBPath = dbPath
	}
	log, err := observ.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}

	opts := append(cfg.StoreOptions(), approval.WithLogger(log))
	var sink *approval.OutboxSink
	if cfg.Approval.AuditPath != "" {
		ob, err := outbox.New(cfg.Approval.AuditPath)
		if err != nil {
			return nil, err
		}
		sink = approval.NewOutboxSink(ob)
		opts = append(opts, approval.WithAuditSink(sink))
	}
	store, err := approval.Open(cfg.Approval.DBPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}
	return &env{cfg: cfg, store: store, audit: sink, log: log, now: time.Now().UTC()}, nil
}

func (e *env) Close() {
	_ = e.store.Close()
	_ = e.log.Sync()
}

// outcomeError carries a refused transition out of RunE so main exits
// non-zero without printing it twice.
type outcomeError struct{ out approval.Outcome }

func (e *outcomeError) Error() string { return e.out.String() }

// report prints the outcome and turns a refusal into an error.
func report(cmd *cobra.Command, hash string, out approval.Outcome) error {
	if out.OK {
		fmt.Fprintf(cmd.OutOrStdout(), "✅ %s hash=%s status=%s\n", out.Reason, hash, out.Status)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "❌ %s hash=%s status=%s\n", out.Reason, hash, out.Status)
	return &outcomeError{out: out}
}

func defaultApprover() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}
