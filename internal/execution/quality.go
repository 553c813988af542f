package execution

import (
	"sort"
	"sync"
	"time"
)

// DailyQuality aggregates one UTC day of execution attempts.
type DailyQuality struct {
	Date            string         `json:"date"`
	Attempts        int            `json:"attempts"`
	Fills           int            `json:"fills"`
	FillRate        float64        `json:"fill_rate"`
	AvgTimeToFillMs float64        `json:"avg_time_to_fill_ms"`
	AvgSlippageBps  float64        `json:"avg_slippage_bps"`
	AvgQualityScore float64        `json:"avg_quality_score"`
	Aborts          map[string]int `json:"aborts,omitempty"`
}

// QualityTracker keeps running daily averages of fill quality. It is safe
// for concurrent use.
type QualityTracker struct {
	mu   sync.Mutex
	days map[string]*DailyQuality
}

func NewQualityTracker() *QualityTracker {
	return &QualityTracker{days: make(map[string]*DailyQuality)}
}

// Record folds one attempt into the day containing at.
func (t *QualityTracker) Record(r FillReport, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	date := at.UTC().Format("2006-01-02")
	d, ok := t.days[date]
	if !ok {
		d = &DailyQuality{Date: date, Aborts: make(map[string]int)}
		t.days[date] = d
	}
	d.Attempts++
	if r.Filled {
		d.Fills++
		n := float64(d.Fills)
		d.AvgTimeToFillMs += (float64(r.TimeToFillMs) - d.AvgTimeToFillMs) / n
		d.AvgSlippageBps += (r.SlippageBps - d.AvgSlippageBps) / n
		d.AvgQualityScore += (r.QualityScore - d.AvgQualityScore) / n
	} else if r.AbortReason != "" {
		d.Aborts[r.AbortReason]++
	}
	d.FillRate = float64(d.Fills) / float64(d.Attempts)
}

// Day returns a copy of the aggregate for date (YYYY-MM-DD).
func (t *QualityTracker) Day(date string) (DailyQuality, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.days[date]
	if !ok {
		return DailyQuality{Date: date}, false
	}
	cp := *d
	cp.Aborts = make(map[string]int, len(d.Aborts))
	for k, v := range d.Aborts {
		cp.Aborts[k] = v
	}
	return cp, true
}

// Days lists the tracked dates in order.
func (t *QualityTracker) Days() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.days))
	for date := range t.days {
		out = append(out, date)
	}
	sort.Strings(out)
	return out
}
