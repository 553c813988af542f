package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// persisted is the part of State that must outlive one process: the
// hard-halt latch, the recovery day, the watermarks, the CVaR window and
// strategy heat. PnL totals are written too so a rollover at load time
// anchors the new day at the last known equity.
type persisted struct {
	Day         string             `json:"day"`
	Mode        Mode               `json:"mode"`
	ModeSince   time.Time          `json:"mode_since"`
	HardLatched bool               `json:"hard_latched"`
	RecoveryDay string             `json:"recovery_day,omitempty"`
	Realized    float64            `json:"realized_pnl"`
	Unrealized  float64            `json:"unrealized_pnl"`
	DailyHWM    float64            `json:"daily_hwm"`
	AllTimeHWM  float64            `json:"all_time_hwm"`
	VolShock    float64            `json:"vol_shock"`
	Flips       []time.Time        `json:"regime_flips,omitempty"`
	FillEWMA    float64            `json:"fill_ratio_ewma"`
	FillObs     int                `json:"fill_observations"`
	PnLs        []float64          `json:"pnl_window,omitempty"`
	Heat        map[string]float64 `json:"heat,omitempty"`
	Quarantined []string           `json:"quarantined,omitempty"`
}

// Save writes the state to path through a temp file and rename. An empty
// path is a no-op.
func (s *State) Save(path string) error {
	if path == "" {
		return nil
	}
	p := persisted{
		Day:         s.day,
		Mode:        s.mode,
		ModeSince:   s.modeSince,
		HardLatched: s.hardLatched,
		RecoveryDay: s.recoveryDay,
		Realized:    s.realized,
		Unrealized:  s.unrealized,
		DailyHWM:    s.dailyHWM,
		AllTimeHWM:  s.allTimeHWM,
		VolShock:    s.volShock,
		Flips:       s.flips,
		FillEWMA:    s.fillEWMA,
		FillObs:     s.fillObs,
		PnLs:        s.pnls,
		Heat:        s.heat,
	}
	for k := range s.quarantine {
		p.Quarantined = append(p.Quarantined, k)
	}
	sort.Strings(p.Quarantined)

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal risk state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create risk state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp risk state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename risk state: %w", err)
	}
	return nil
}

// Load restores a state written by Save and re-derives the mode at now,
// rolling into a new trading day when now is past the saved one. A missing
// file leaves the fresh session untouched.
func (s *State) Load(path string, now time.Time) (Mode, error) {
	if path == "" {
		return s.mode, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s.mode, nil
	}
	if err != nil {
		return s.mode, fmt.Errorf("failed to read risk state: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return s.mode, fmt.Errorf("failed to unmarshal risk state: %w", err)
	}

	if p.Day != "" {
		s.day = p.Day
	}
	if p.Mode != "" {
		s.mode = p.Mode
		s.modeSince = p.ModeSince
	}
	s.hardLatched = p.HardLatched
	s.recoveryDay = p.RecoveryDay
	s.realized = p.Realized
	s.unrealized = p.Unrealized
	s.dailyHWM = p.DailyHWM
	s.allTimeHWM = p.AllTimeHWM
	s.volShock = p.VolShock
	s.flips = p.Flips
	s.fillEWMA = p.FillEWMA
	s.fillObs = p.FillObs
	s.pnls = p.PnLs
	s.heat = map[string]float64{}
	for k, v := range p.Heat {
		s.heat[strategyKey(k)] = v
	}
	s.quarantine = map[string]bool{}
	for _, k := range p.Quarantined {
		s.quarantine[strategyKey(k)] = true
	}

	s.revalue()
	s.rollover(now)
	return s.recompute(now), nil
}
