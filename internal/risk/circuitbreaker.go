package risk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-gate/internal/observ"
)

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	ErrorThreshold   int `yaml:"error_threshold" json:"error_threshold"`       // errors within the window that trip a halt
	ErrorWindowSec   int `yaml:"error_window_sec" json:"error_window_sec"`     // sliding window length
	FeedUnhealthySec int `yaml:"feed_unhealthy_sec" json:"feed_unhealthy_sec"` // unhealthy feed duration that trips a halt
	HaltDurationSec  int `yaml:"halt_duration_sec" json:"halt_duration_sec"`   // length of each halt
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ErrorThreshold:   5,
		ErrorWindowSec:   60,
		FeedUnhealthySec: 30,
		HaltDurationSec:  300,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = d.ErrorThreshold
	}
	if c.ErrorWindowSec <= 0 {
		c.ErrorWindowSec = d.ErrorWindowSec
	}
	if c.FeedUnhealthySec <= 0 {
		c.FeedUnhealthySec = d.FeedUnhealthySec
	}
	if c.HaltDurationSec <= 0 {
		c.HaltDurationSec = d.HaltDurationSec
	}
	return c
}

func (c BreakerConfig) window() time.Duration { return time.Duration(c.ErrorWindowSec) * time.Second }
func (c BreakerConfig) feedLimit() time.Duration {
	return time.Duration(c.FeedUnhealthySec) * time.Second
}
func (c BreakerConfig) halt() time.Duration { return time.Duration(c.HaltDurationSec) * time.Second }

// Trip triggers.
const (
	TriggerErrorStorm    = "error_storm"
	TriggerFeedUnhealthy = "feed_unhealthy"
)

type breakerError struct {
	at     time.Time
	reason string
}

// CircuitBreaker halts trading for a fixed duration on error storms or a
// feed that stays unhealthy too long. It is independent of the risk mode
// and safe for concurrent use. State lives for the process only.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	log *zap.Logger

	errors       []breakerError
	feedBadSince time.Time
	haltedUntil  time.Time
	haltReason   string
	trips        int
}

func NewCircuitBreaker(cfg BreakerConfig, log *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), log: observ.OrNop(log)}
}

// RecordError adds an error to the sliding window and reports whether the
// window count reached the threshold (tripping or extending the halt).
func (cb *CircuitBreaker) RecordError(reason string, now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.errors = append(cb.errors, breakerError{at: now, reason: reason})
	cb.pruneLocked(now)
	if len(cb.errors) < cb.cfg.ErrorThreshold {
		return false
	}
	cb.tripLocked(TriggerErrorStorm, fmt.Sprintf("%s: %d errors in %ds (last: %s)",
		TriggerErrorStorm, len(cb.errors), cb.cfg.ErrorWindowSec, reason), now)
	return true
}

// ObserveFeedHealth tracks how long the market data feed has been
// unhealthy. A healthy observation clears the tracker; an unhealthy stretch
// longer than the limit trips the halt.
func (cb *CircuitBreaker) ObserveFeedHealth(healthy bool, now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if healthy {
		cb.feedBadSince = time.Time{}
		return false
	}
	if cb.feedBadSince.IsZero() {
		cb.feedBadSince = now
		return false
	}
	bad := now.Sub(cb.feedBadSince)
	if bad <= cb.cfg.feedLimit() {
		return false
	}
	cb.tripLocked(TriggerFeedUnhealthy, fmt.Sprintf("%s: %s", TriggerFeedUnhealthy, bad.Truncate(time.Second)), now)
	return true
}

// IsHalted reports whether now is before the halt deadline.
func (cb *CircuitBreaker) IsHalted(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return now.Before(cb.haltedUntil)
}

// BreakerStatus is a point-in-time view of the breaker.
type BreakerStatus struct {
	Halted             bool      `json:"halted"`
	HaltedUntil        time.Time `json:"halted_until,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	ErrorsInWindow     int       `json:"errors_in_window"`
	FeedUnhealthySince time.Time `json:"feed_unhealthy_since,omitempty"`
	Trips              int       `json:"trips"`
}

func (cb *CircuitBreaker) Status(now time.Time) BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pruneLocked(now)
	st := BreakerStatus{
		Halted:             now.Before(cb.haltedUntil),
		HaltedUntil:        cb.haltedUntil,
		ErrorsInWindow:     len(cb.errors),
		FeedUnhealthySince: cb.feedBadSince,
		Trips:              cb.trips,
	}
	if st.Halted {
		st.Reason = cb.haltReason
	}
	observ.SetBreakerHalted(st.Halted)
	return st
}

// Reset clears the error window, the feed tracker and any active halt.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.errors = nil
	cb.feedBadSince = time.Time{}
	cb.haltedUntil = time.Time{}
	cb.haltReason = ""
	observ.SetBreakerHalted(false)
	cb.log.Info("circuit breaker reset")
}

// tripLocked extends the halt to now+duration; an existing later deadline
// is kept.
func (cb *CircuitBreaker) tripLocked(trigger, reason string, now time.Time) {
	until := now.Add(cb.cfg.halt())
	if !until.After(cb.haltedUntil) {
		return
	}
	cb.haltedUntil = until
	cb.haltReason = reason
	cb.trips++
	observ.IncBreakerTrip(trigger)
	observ.SetBreakerHalted(true)
	observ.Log(cb.log, "circuit_breaker_tripped", map[string]any{
		"trigger":      trigger,
		"reason":       reason,
		"halted_until": until.UTC().Format(time.RFC3339),
	})
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.window())
	i := 0
	for i < len(cb.errors) && !cb.errors[i].at.After(cutoff) {
		i++
	}
	cb.errors = cb.errors[i:]
}
