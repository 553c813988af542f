package intent

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// TradeCandidate is the narrow view of a proposed trade that the strategy
// layer hands to the core. Getters apply defaults, so callers never probe
// for optional fields.
type TradeCandidate interface {
	TradeID() string
	Strategy() string
	Instrument() Instrument
	Order() OrderSpec
	// Bucket returns an explicit timestamp bucket (unix minutes), or 0.
	Bucket() int64
}

// Instrument describes what is traded. Numeric fields hold any of int,
// float, string, json.Number or decimal.Decimal; nil means absent.
type Instrument struct {
	Symbol     string
	Expiry     string
	Strike     any
	Right      string
	Multiplier any
	Exchange   string
	Product    string
}

// OrderSpec describes how it is traded.
type OrderSpec struct {
	Side       string
	Quantity   any
	Type       string
	LimitPrice any
}

// Trade is the record form of a TradeCandidate, as read from JSON payloads
// produced by the strategy layer or typed in by an operator.
type Trade struct {
	ID              string `json:"id" yaml:"id"`
	Symbol          string `json:"symbol" yaml:"symbol"`
	Side            string `json:"side" yaml:"side"`
	Quantity        any    `json:"quantity" yaml:"quantity"`
	OrderType       string `json:"order_type,omitempty" yaml:"order_type,omitempty"`
	LimitPrice      any    `json:"limit_price,omitempty" yaml:"limit_price,omitempty"`
	StrategyID      string `json:"strategy_id,omitempty" yaml:"strategy_id,omitempty"`
	Expiry          string `json:"expiry,omitempty" yaml:"expiry,omitempty"`
	Strike          any    `json:"strike,omitempty" yaml:"strike,omitempty"`
	Right           string `json:"right,omitempty" yaml:"right,omitempty"`
	Multiplier      any    `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	Exchange        string `json:"exchange,omitempty" yaml:"exchange,omitempty"`
	Product         string `json:"product,omitempty" yaml:"product,omitempty"`
	TimestampBucket int64  `json:"timestamp_bucket,omitempty" yaml:"timestamp_bucket,omitempty"`
}

var _ TradeCandidate = (*Trade)(nil)

func (t *Trade) TradeID() string { return strings.TrimSpace(t.ID) }

func (t *Trade) Strategy() string {
	s := strings.TrimSpace(t.StrategyID)
	if s == "" {
		return "unknown"
	}
	return s
}

func (t *Trade) Instrument() Instrument {
	return Instrument{
		Symbol:     t.Symbol,
		Expiry:     t.Expiry,
		Strike:     t.Strike,
		Right:      t.Right,
		Multiplier: t.Multiplier,
		Exchange:   t.Exchange,
		Product:    t.Product,
	}
}

func (t *Trade) Order() OrderSpec {
	typ := strings.ToUpper(strings.TrimSpace(t.OrderType))
	if typ == "" {
		typ = "MARKET"
		if t.LimitPrice != nil {
			typ = "LIMIT"
		}
	}
	return OrderSpec{
		Side:       t.Side,
		Quantity:   t.Quantity,
		Type:       typ,
		LimitPrice: t.LimitPrice,
	}
}

func (t *Trade) Bucket() int64 { return t.TimestampBucket }

// DecodeTrade reads one JSON trade. Numbers are kept as json.Number so no
// precision is lost before canonicalization.
func DecodeTrade(r io.Reader) (*Trade, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var t Trade
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	return &t, nil
}

// ReviewPacket is the human-readable summary shown to an approver next to
// the hash they are asked to approve.
type ReviewPacket struct {
	TradeID    string `json:"trade_id,omitempty"`
	IntentHash string `json:"intent_hash"`
	Strategy   string `json:"strategy"`
	Summary    string `json:"summary"`
	Mode       string `json:"mode"`
}

// NewReviewPacket summarizes an intent built from tc.
func NewReviewPacket(tc TradeCandidate, in OrderIntent, mode string) ReviewPacket {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", in.Side, in.Quantity.String(), in.Symbol)
	if in.InstrumentType == InstrumentOption {
		fmt.Fprintf(&b, " %s %s%s", in.Expiry, in.Strike.String(), in.Right)
	}
	if in.LimitPrice != nil {
		fmt.Fprintf(&b, " @ %s %s", in.LimitPrice.String(), in.OrderType)
	} else {
		fmt.Fprintf(&b, " %s", in.OrderType)
	}
	return ReviewPacket{
		TradeID:    tc.TradeID(),
		IntentHash: in.Hash(),
		Strategy:   in.StrategyID,
		Summary:    b.String(),
		Mode:       mode,
	}
}
