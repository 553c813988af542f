package adapters

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// SnapshotFunc returns the current top of book, or nil when no quote is
// available. It is the only market-data input the execution engine reads.
type SnapshotFunc func() *Quote

// Level is one price level of resting liquidity.
type Level struct {
	Price float64 `json:"price" yaml:"price"`
	Size  float64 `json:"size" yaml:"size"`
}

// Depth is an optional order book excerpt; index 0 is the touch.
type Depth struct {
	Bids []Level `json:"bids,omitempty" yaml:"bids,omitempty"`
	Asks []Level `json:"asks,omitempty" yaml:"asks,omitempty"`
}

// BidSize returns the resting size at the best bid.
func (d *Depth) BidSize() float64 {
	if d == nil || len(d.Bids) == 0 {
		return 0
	}
	return d.Bids[0].Size
}

// AskSize returns the resting size at the best ask.
func (d *Depth) AskSize() float64 {
	if d == nil || len(d.Asks) == 0 {
		return 0
	}
	return d.Asks[0].Size
}

// Quote is a normalized bid/ask snapshot.
type Quote struct {
	Symbol    string    `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Bid       float64   `json:"bid" yaml:"bid"`
	Ask       float64   `json:"ask" yaml:"ask"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Depth     *Depth    `json:"depth,omitempty" yaml:"depth,omitempty"`
	Source    string    `json:"source,omitempty" yaml:"source,omitempty"`
}

var (
	ErrNilQuote       = errors.New("quote is nil")
	ErrNonPositive    = errors.New("non-positive price")
	ErrCrossedQuote   = errors.New("crossed quote")
	ErrNonFinitePrice = errors.New("non-finite price")
)

// ValidateQuote rejects quotes no fill decision can be based on. A locked
// market (bid == ask) is allowed; a crossed one is not.
func ValidateQuote(q *Quote) error {
	if q == nil {
		return ErrNilQuote
	}
	if math.IsNaN(q.Bid) || math.IsNaN(q.Ask) || math.IsInf(q.Bid, 0) || math.IsInf(q.Ask, 0) {
		return ErrNonFinitePrice
	}
	if q.Bid <= 0 || q.Ask <= 0 {
		return fmt.Errorf("%w: bid=%.4f ask=%.4f", ErrNonPositive, q.Bid, q.Ask)
	}
	if q.Ask < q.Bid {
		return fmt.Errorf("%w: ask(%.4f) < bid(%.4f)", ErrCrossedQuote, q.Ask, q.Bid)
	}
	return nil
}

// Mid is the midpoint of bid and ask.
func (q *Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// Spread is ask minus bid.
func (q *Quote) Spread() float64 { return q.Ask - q.Bid }

// SpreadPct is the spread as a fraction of mid.
func (q *Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return q.Spread() / mid
}

// SpreadBps is the spread in basis points of mid.
func (q *Quote) SpreadBps() float64 { return q.SpreadPct() * 10000 }

// IsStale reports whether the quote is older than maxAge at now.
func (q *Quote) IsStale(now time.Time, maxAge time.Duration) bool {
	if q.Timestamp.IsZero() {
		return false
	}
	return now.Sub(q.Timestamp) > maxAge
}
