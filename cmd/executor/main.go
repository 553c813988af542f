// Command executor routes approved order intents to the simulator, the
// paper venue or the live stub, flattens open positions and serves the
// Prometheus metrics of those runs.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-gate/internal/adapters"
	"github.com/Rajchodisetti/options-gate/internal/approval"
	"github.com/Rajchodisetti/options-gate/internal/config"
	"github.com/Rajchodisetti/options-gate/internal/execution"
	"github.com/Rajchodisetti/options-gate/internal/intent"
	"github.com/Rajchodisetti/options-gate/internal/observ"
	"github.com/Rajchodisetti/options-gate/internal/outbox"
	"github.com/Rajchodisetti/options-gate/internal/portfolio"
	"github.com/Rajchodisetti/options-gate/internal/risk"
)

var (
	configPath string
	approver   string
	quotesPath string
)

var rootCmd = &cobra.Command{
	Use:   "executor",
	Short: "Execute approved order intents",
	Long: `Executor sends order intents through the approval gate and, when an
approval is consumed, works them in SIM, PAPER or LIVE mode.

Nothing is simulated or placed without a matching APPROVED (and, for LIVE,
armed) approval. Failures print the reason code and exit non-zero.

Examples:
  executor execute --trade-file trade.json --mode SIM
  executor flatten --dry-run
  executor flatten --bucket 29163870 --mode PAPER
  executor quality --date 2025-06-20
  executor positions
  executor metrics --addr :9108`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&approver, "approver", "executor", "consumer recorded on the approval")
	rootCmd.PersistentFlags().StringVar(&quotesPath, "quotes", "", "quote script (YAML/JSON); default is the simulated random walk")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

// runtime is the wired component graph for one invocation. The clock is
// sampled once.
type runtime struct {
	cfg     config.Root
	log     *zap.Logger
	store   *approval.Store
	book    *portfolio.Manager
	risk    *risk.State
	breaker *risk.CircuitBreaker
	router  *execution.Router
	now     time.Time
}

func openRuntime() (*runtime, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := observ.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	var audit approval.AuditSink = approval.NopSink{}
	if cfg.Approval.AuditPath != "" {
		ob, err := outbox.New(cfg.Approval.AuditPath)
		if err != nil {
			return nil, err
		}
		audit = approval.NewOutboxSink(ob)
	}
	store, err := approval.Open(cfg.Approval.DBPath,
		append(cfg.StoreOptions(), approval.WithAuditSink(audit), approval.WithLogger(log))...)
	if err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}

	book := portfolio.NewManager(cfg.Portfolio.StatePath, cfg.Risk.StartingCapital)
	if err := book.Load(now); err != nil {
		store.Close()
		return nil, err
	}
	state := risk.NewState(cfg.Risk, now, log)
	if _, err := state.Load(cfg.Portfolio.RiskStatePath, now); err != nil {
		store.Close()
		return nil, err
	}
	state.UpdatePortfolio(book.RealizedPnL(), book.UnrealizedPnL(), now)
	breaker := risk.NewCircuitBreaker(cfg.Breaker, log)

	opts := []execution.RouterOption{
		execution.WithRiskState(state),
		execution.WithBreaker(breaker),
		execution.WithBook(book),
		execution.WithRouterLogger(log),
	}
	if cfg.Execution.AttemptLogPath != "" {
		attempts, err := outbox.New(cfg.Execution.AttemptLogPath)
		if err != nil {
			store.Close()
			return nil, err
		}
		opts = append(opts, execution.WithAttemptLog(attempts))
	}
	gate := execution.NewGate(store, cfg.GateConfig(), execution.WithGateAudit(audit), execution.WithGateLogger(log))
	router := execution.NewRouter(gate, execution.NewEngine(log), cfg.RouterConfig(), opts...)

	return &runtime{
		cfg:     cfg,
		log:     log,
		store:   store,
		book:    book,
		risk:    state,
		breaker: breaker,
		router:  router,
		now:     now,
	}, nil
}

func (r *runtime) Close() {
	if err := r.risk.Save(r.cfg.Portfolio.RiskStatePath); err != nil {
		r.log.Error("failed to save risk state", zap.Error(err))
	}
	_ = r.store.Close()
	_ = r.log.Sync()
}

// quotesFor returns the snapshot source for an intent: the scripted file
// when --quotes is set, otherwise a random walk around the intent's limit
// (or ref when it has none).
func (r *runtime) quotesFor(in intent.OrderIntent, ref float64) (adapters.SnapshotFunc, error) {
	if quotesPath != "" {
		script, err := adapters.LoadQuoteScript(quotesPath)
		if err != nil {
			return nil, err
		}
		return script.Snapshot, nil
	}
	walk := r.cfg.Quotes
	walk.Symbol = in.Symbol
	walk.Start = r.now
	if in.LimitPrice != nil {
		walk.BasePrice = in.LimitPrice.InexactFloat64()
	} else if ref > 0 {
		walk.BasePrice = ref
	}
	return adapters.NewRandomWalkQuotes(walk).Snapshot, nil
}

func loadIntent(path, mode string, now time.Time) (intent.OrderIntent, error) {
	f, err := os.Open(path)
	if err != nil {
		return intent.OrderIntent{}, err
	}
	defer f.Close()
	tr, err := intent.DecodeTrade(f)
	if err != nil {
		return intent.OrderIntent{}, err
	}
	return intent.FromTrade(tr, strings.ToUpper(mode), intent.DefaultDefaults(), now)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
