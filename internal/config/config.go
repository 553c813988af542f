// Package config loads the YAML configuration shared by the approval and
// executor commands. Unset fields keep their defaults and a few safety
// toggles can be overridden from the environment or a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/options-gate/internal/adapters"
	"github.com/Rajchodisetti/options-gate/internal/approval"
	"github.com/Rajchodisetti/options-gate/internal/execution"
	"github.com/Rajchodisetti/options-gate/internal/risk"
)

// Environment overrides.
const (
	EnvLiveTradingEnabled     = "LIVE_TRADING_ENABLED"
	EnvManualApprovalRequired = "MANUAL_APPROVAL_REQUIRED"
	EnvApprovalDBPath         = "APPROVAL_DB_PATH"
	EnvLogLevel               = "LOG_LEVEL"
)

type Approval struct {
	DBPath        string        `yaml:"db_path"`        // SQLite file
	AuditPath     string        `yaml:"audit_path"`     // JSONL audit outbox; empty disables
	TTL           time.Duration `yaml:"ttl"`            // default approval lifetime
	ArmTTL        time.Duration `yaml:"arm_ttl"`        // default arm window
	BusyTimeout   time.Duration `yaml:"busy_timeout"`   // SQLite busy handler
	RetryAttempts int           `yaml:"retry_attempts"` // attempts on BUSY/LOCKED
	RetryBackoff  time.Duration `yaml:"retry_backoff"`  // linear backoff step
}

type Execution struct {
	ManualApprovalRequired bool             `yaml:"manual_approval_required"`
	LiveTradingEnabled     bool             `yaml:"live_trading_enabled"`
	LivePlacementEnabled   bool             `yaml:"live_placement_enabled"`
	RequireArmed           map[string]bool  `yaml:"require_armed"`    // keyed by SIM, PAPER, LIVE
	AttemptLogPath         string           `yaml:"attempt_log_path"` // JSONL attempt log; empty disables
	Sim                    execution.Params `yaml:"sim"`
	Paper                  execution.Params `yaml:"paper"`
}

type Portfolio struct {
	StatePath     string `yaml:"state_path"`      // empty keeps the book in memory
	RiskStatePath string `yaml:"risk_state_path"` // latches and heat across runs; empty keeps them per run
}

type Logging struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Root struct {
	Approval    Approval                  `yaml:"approval"`
	Execution   Execution                 `yaml:"execution"`
	Risk        risk.StateConfig          `yaml:"risk"`
	Breaker     risk.BreakerConfig        `yaml:"circuit_breaker"`
	Portfolio   Portfolio                 `yaml:"portfolio"`
	Quotes      adapters.RandomWalkConfig `yaml:"quotes"` // simulated feed for CLI runs
	Logging     Logging                   `yaml:"logging"`
	MetricsAddr string                    `yaml:"metrics_addr"`
}

func Default() Root {
	return Root{
		Approval: Approval{
			DBPath:        "data/approvals.db",
			AuditPath:     "data/approval_audit.jsonl",
			TTL:           approval.DefaultTTL,
			ArmTTL:        approval.DefaultArmTTL,
			BusyTimeout:   approval.DefaultBusyTimeout,
			RetryAttempts: 5,
			RetryBackoff:  50 * time.Millisecond,
		},
		Execution: Execution{
			ManualApprovalRequired: true,
			RequireArmed:           map[string]bool{execution.ModeLive: true},
			AttemptLogPath:         "data/execution_attempts.jsonl",
			Sim:                    execution.DefaultParams(),
			Paper:                  execution.DefaultPaperParams(),
		},
		Risk:      risk.DefaultStateConfig(),
		Breaker:   risk.DefaultBreakerConfig(),
		Portfolio: Portfolio{StatePath: "data/portfolio.json", RiskStatePath: "data/risk_state.json"},
		Quotes: adapters.RandomWalkConfig{
			Volatility: 0.002,
			SpreadPct:  0.02,
			TouchSize:  10,
			Step:       500 * time.Millisecond,
			Seed:       1,
		},
		Logging:     Logging{Level: "info"},
		MetricsAddr: ":9108",
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path yields the defaults.
func Load(path string) (Root, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.backfill()
	if err := c.applyEnv(); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// backfill restores defaults a file zeroed out explicitly.
func (c *Root) backfill() {
	d := Default()
	if c.Approval.DBPath == "" {
		c.Approval.DBPath = d.Approval.DBPath
	}
	if c.Approval.TTL <= 0 {
		c.Approval.TTL = d.Approval.TTL
	}
	if c.Approval.ArmTTL <= 0 {
		c.Approval.ArmTTL = d.Approval.ArmTTL
	}
	if c.Approval.BusyTimeout <= 0 {
		c.Approval.BusyTimeout = d.Approval.BusyTimeout
	}
	if c.Approval.RetryAttempts <= 0 {
		c.Approval.RetryAttempts = d.Approval.RetryAttempts
	}
	if c.Approval.RetryBackoff <= 0 {
		c.Approval.RetryBackoff = d.Approval.RetryBackoff
	}
	if c.Execution.RequireArmed == nil {
		c.Execution.RequireArmed = d.Execution.RequireArmed
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Quotes.BasePrice <= 0 {
		c.Quotes.BasePrice = 1.00
	}
}

func (c *Root) applyEnv() error {
	if v := os.Getenv(EnvApprovalDBPath); v != "" {
		c.Approval.DBPath = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	for name, dst := range map[string]*bool{
		EnvLiveTradingEnabled:     &c.Execution.LiveTradingEnabled,
		EnvManualApprovalRequired: &c.Execution.ManualApprovalRequired,
	} {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = b
	}
	return nil
}

// Validate rejects configurations that cannot run.
func (c Root) Validate() error {
	for mode := range c.Execution.RequireArmed {
		switch strings.ToUpper(mode) {
		case execution.ModeSim, execution.ModePaper, execution.ModeLive:
		default:
			return fmt.Errorf("execution.require_armed: unknown mode %q", mode)
		}
	}
	if c.Risk.SoftDrawdown > 0 || c.Risk.HardDrawdown > 0 || c.Risk.CVaRLimit > 0 {
		return errors.New("risk: drawdown and cvar limits must be negative fractions")
	}
	if c.Risk.StartingCapital < 0 {
		return errors.New("risk.starting_capital must not be negative")
	}
	return nil
}

// GateConfig maps the execution section onto the approval gate.
func (c Root) GateConfig() execution.GateConfig {
	armed := make(map[string]bool, len(c.Execution.RequireArmed))
	for mode, v := range c.Execution.RequireArmed {
		armed[strings.ToUpper(mode)] = v
	}
	return execution.GateConfig{
		ManualApprovalRequired: c.Execution.ManualApprovalRequired,
		LiveTradingEnabled:     c.Execution.LiveTradingEnabled,
		RequireArmed:           armed,
	}
}

// RouterConfig maps the execution section onto the router.
func (c Root) RouterConfig() execution.RouterConfig {
	return execution.RouterConfig{
		Sim:                  c.Execution.Sim,
		Paper:                c.Execution.Paper,
		LivePlacementEnabled: c.Execution.LivePlacementEnabled,
	}
}

// StoreOptions maps the approval section onto the store.
func (c Root) StoreOptions() []approval.Option {
	return []approval.Option{
		approval.WithDefaultTTL(c.Approval.TTL),
		approval.WithArmTTL(c.Approval.ArmTTL),
		approval.WithBusyTimeout(c.Approval.BusyTimeout),
		approval.WithRetryPolicy(approval.RetryPolicy{
			MaxAttempts: c.Approval.RetryAttempts,
			Backoff:     approval.LinearBackoff(c.Approval.RetryBackoff),
		}),
	}
}
