package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-gate/internal/adapters"
	"github.com/Rajchodisetti/options-gate/internal/config"
	"github.com/Rajchodisetti/options-gate/internal/execution"
	"github.com/Rajchodisetti/options-gate/internal/intent"
	"github.com/Rajchodisetti/options-gate/internal/observ"
	"github.com/Rajchodisetti/options-gate/internal/outbox"
	"github.com/Rajchodisetti/options-gate/internal/portfolio"
	"github.com/Rajchodisetti/options-gate/internal/risk"
)

func executeCmd() *cobra.Command {
	var (
		tradeFile string
		hash      string
		mode      string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Route one approved trade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			in, err := loadIntent(tradeFile, mode, rt.now)
			if err != nil {
				return err
			}
			snap, err := rt.quotesFor(in, 0)
			if err != nil {
				return err
			}
			res, err := rt.router.Execute(cmd.Context(), execution.ExecuteRequest{
				Intent:   in,
				Hash:     hash,
				Mode:     mode,
				Approver: approver,
				TTL:      ttl,
				Snapshot: snap,
				Now:      rt.now,
			})
			if perr := printJSON(cmd, res); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if res.Status != execution.StatusFilled {
				return fmt.Errorf("%s: %s", res.Status, res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tradeFile, "trade-file", "", "trade payload (JSON)")
	cmd.Flags().StringVar(&hash, "hash", "", "expected intent hash; refused when it differs")
	cmd.Flags().StringVar(&mode, "mode", execution.ModeSim, "SIM, PAPER or LIVE")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "maximum approval age; 0 uses only the stored expiry")
	_ = cmd.MarkFlagRequired("trade-file")
	return cmd
}

func flattenCmd() *cobra.Command {
	var (
		mode   string
		bucket int64
		dryRun bool
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "flatten",
		Short: "Close every open position through the approval gate",
		Long: `Flatten builds the closing order for every open position. Each closing
order has its own hash and needs its own approval: run with --dry-run to
print the bucket and hashes, approve them, then flatten with that bucket.
Positions without an approval stay open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			if bucket == 0 {
				bucket = intent.BucketOf(rt.now)
			}
			if dryRun {
				plan, err := rt.router.FlattenPlan(bucket)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "bucket=%d positions=%d\n", bucket, len(plan))
				for _, in := range plan {
					fmt.Fprintf(w, "%s  %s %s %s\n", in.Hash(), in.Side, in.Quantity, in.Symbol)
				}
				return nil
			}

			marks := map[string]float64{}
			for _, pos := range rt.book.OpenPositions() {
				marks[pos.Key] = pos.MarkPrice
			}
			var quoteErr error
			results, err := rt.router.FlattenAll(cmd.Context(), execution.FlattenRequest{
				Mode:     mode,
				Approver: approver,
				TTL:      ttl,
				Bucket:   bucket,
				Now:      rt.now,
				Quotes: func(in intent.OrderIntent) adapters.SnapshotFunc {
					snap, err := rt.quotesFor(in, marks[portfolio.ContractKey(in)])
					if err != nil {
						quoteErr = err
						return nil
					}
					return snap
				},
			})
			if perr := printJSON(cmd, results); perr != nil {
				return perr
			}
			if quoteErr != nil {
				return quoteErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&mode, "mode", execution.ModeSim, "SIM, PAPER or LIVE")
	cmd.Flags().Int64Var(&bucket, "bucket", 0, "timestamp bucket of the closing orders (default: current minute)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the closing hashes without executing")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "maximum approval age; 0 uses only the stored expiry")
	return cmd
}

func qualityCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "quality",
		Short: "Summarize execution quality from the attempt log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Execution.AttemptLogPath == "" {
				return errors.New("attempt log disabled: execution.attempt_log_path is empty")
			}
			ob, err := outbox.New(cfg.Execution.AttemptLogPath)
			if err != nil {
				return err
			}
			tracker := execution.NewQualityTracker()
			err = ob.Scan(execution.AttemptEntryType, func(e outbox.Entry) bool {
				var res execution.Result
				if json.Unmarshal(e.Data, &res) == nil && res.Report != nil {
					tracker.Record(*res.Report, e.Event)
				}
				return true
			})
			if err != nil {
				return err
			}

			days := tracker.Days()
			if date != "" {
				days = []string{date}
			}
			for _, d := range days {
				q, ok := tracker.Day(d)
				if !ok {
					return fmt.Errorf("no attempts on %s", d)
				}
				if err := printJSON(cmd, q); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "UTC day (YYYY-MM-DD); default all days")
	return cmd
}

func metricsCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.MetricsAddr
			}
			log, err := observ.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
			if err != nil {
				return err
			}
			defer log.Sync()

			// Attempts from earlier invocations are replayed so the
			// counters reflect the whole attempt log.
			if cfg.Execution.AttemptLogPath != "" {
				ob, err := outbox.New(cfg.Execution.AttemptLogPath)
				if err != nil {
					return err
				}
				replayed := 0
				err = ob.Scan(execution.AttemptEntryType, func(e outbox.Entry) bool {
					var res execution.Result
					if json.Unmarshal(e.Data, &res) != nil {
						return true
					}
					observ.IncExecutionAttempt(res.Mode, res.Outcome())
					if res.Report != nil && res.Report.Filled {
						observ.ObserveFill(res.Report.QualityScore, res.Report.SlippageBps)
					}
					replayed++
					return true
				})
				if err != nil {
					return err
				}
				log.Info("replayed attempt log", zap.String("path", ob.Path()), zap.Int("attempts", replayed))
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", observ.Handler())
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdown)
			}()

			log.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func positionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "positions",
		Short: "Show the position book, NAV and risk mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			return printJSON(cmd, struct {
				NAV       float64              `json:"nav"`
				Daily     portfolio.DailyStats `json:"daily"`
				Positions []portfolio.Position `json:"positions"`
				Risk      risk.Snapshot        `json:"risk"`
				Breaker   risk.BreakerStatus   `json:"circuit_breaker"`
			}{
				NAV:       rt.book.GetNAV(),
				Daily:     rt.book.GetDailyStats(),
				Positions: rt.book.OpenPositions(),
				Risk:      rt.risk.Snapshot(),
				Breaker:   rt.breaker.Status(rt.now),
			})
		},
	}
}

func init() {
	rootCmd.AddCommand(executeCmd(), flattenCmd(), qualityCmd(), metricsCmd(), positionsCmd())
}
