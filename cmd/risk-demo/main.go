package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/Rajchodisetti/options-gate/internal/observ"
	"github.com/Rajchodisetti/options-gate/internal/risk"
)

type strategy string

func (s strategy) Strategy() string { return string(s) }

func main() {
	verbose := flag.Bool("v", false, "log risk events")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "info"
	}
	logger, err := observ.NewLogger(level, true)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	fmt.Println("🚀 Risk State Machine Demo")
	fmt.Println("==========================")

	day1 := time.Date(2025, 6, 20, 14, 30, 0, 0, time.UTC)
	cfg := risk.DefaultStateConfig()
	state := risk.NewState(cfg, day1, logger)
	breaker := risk.NewCircuitBreaker(risk.DefaultBreakerConfig(), logger)

	fmt.Printf("\n💼 Starting capital $%.0f, soft %.1f%%, hard %.1f%%\n",
		cfg.StartingCapital, cfg.SoftDrawdown*100, cfg.HardDrawdown*100)
	showMode(state)
	check(state, "scalp", "iron_condor")

	fmt.Println("\n📉 Two losing scalps (-$1,200 each)")
	state.RecordTradePnL("scalp", -1200, day1.Add(10*time.Minute))
	state.RecordTradePnL("scalp", -1200, day1.Add(20*time.Minute))
	showMode(state)
	fmt.Printf("   scalp heat %.4f (limit %.4f), quarantined=%v\n",
		state.Heat("scalp"), cfg.HeatLimit, state.Quarantined("scalp"))
	check(state, "scalp", "zero_hero", "iron_condor")

	fmt.Println("\n📉 Open positions marked down $3,000")
	state.MarkUnrealized(-3000, day1.Add(time.Hour))
	showMode(state)
	check(state, "iron_condor")

	fmt.Println("\n🌅 Next trading day")
	day2 := day1.Add(24 * time.Hour)
	state.Tick(day2)
	showMode(state)
	check(state, "iron_condor", "momentum")

	fmt.Println("\n🌅 Following trading day")
	day3 := day2.Add(24 * time.Hour)
	state.Tick(day3)
	showMode(state)
	state.Unquarantine("scalp", day3)
	check(state, "scalp", "momentum")

	fmt.Println("\n⚡ Circuit breaker: quote error storm")
	bcfg := risk.DefaultBreakerConfig()
	for i := 0; i < bcfg.ErrorThreshold; i++ {
		breaker.RecordError("quote_timeout", day3.Add(time.Duration(i)*time.Second))
	}
	st := breaker.Status(day3.Add(10 * time.Second))
	fmt.Printf("   halted=%v until %s (%s)\n", st.Halted, st.HaltedUntil.Format(time.RFC3339), st.Reason)
	fmt.Printf("   halted after %ds: %v\n", bcfg.HaltDurationSec, breaker.IsHalted(day3.Add(time.Duration(bcfg.HaltDurationSec+10)*time.Second)))
	breaker.Reset()

	snap := state.Snapshot()
	fmt.Printf("\n✅ Demo complete: mode=%s equity=$%.0f\n", snap.Mode, snap.Equity)
}

func showMode(s *risk.State) {
	snap := s.Snapshot()
	fmt.Printf("   mode=%-13s equity=$%.0f daily_dd=%.2f%% all_time_dd=%.2f%%\n",
		snap.Mode, snap.Equity, snap.DailyDrawdown*100, snap.AllTimeDrawdown*100)
}

func check(s *risk.State, names ...string) {
	for _, n := range names {
		d := s.Approve(strategy(n))
		if d.Allowed {
			fmt.Printf("   ✅ %-12s allowed\n", n)
			continue
		}
		fmt.Printf("   🚫 %-12s %s\n", n, d.Reason)
	}
}
