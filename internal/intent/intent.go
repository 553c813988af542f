// Package intent turns trade proposals into canonical, content-addressed
// order intents. The intent hash is the only key joining an approval to the
// order that may be executed under it.
package intent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalPrecision is the number of fractional digits every numeric field
// is rounded to before hashing.
const CanonicalPrecision = 8

type InstrumentType string

const (
	InstrumentEquity InstrumentType = "EQUITY"
	InstrumentOption InstrumentType = "OPTION"
	InstrumentFuture InstrumentType = "FUTURE"
)

var (
	ErrInvalidNumber     = errors.New("invalid numeric field")
	ErrMissingSymbol     = errors.New("symbol is required")
	ErrInvalidSide       = errors.New("side must be BUY or SELL")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	ErrInvalidMode       = errors.New("mode must be SIM, PAPER or LIVE")
	ErrIncompleteOption  = errors.New("option intent needs expiry, strike and right")
	ErrInvalidLimitPrice = errors.New("limit price must be positive")
)

// Defaults fill in fields the trade candidate leaves empty.
type Defaults struct {
	Exchange         string
	EquityProduct    string
	OptionProduct    string
	FutureProduct    string
	OptionMultiplier int64
}

// DefaultDefaults returns the defaults used for US listed options.
func DefaultDefaults() Defaults {
	return Defaults{
		Exchange:         "SMART",
		EquityProduct:    "STK",
		OptionProduct:    "OPT",
		FutureProduct:    "FUT",
		OptionMultiplier: 100,
	}
}

// OrderIntent is an immutable, fully specified order. Build it with
// FromTrade or New; the zero value is not a valid intent.
type OrderIntent struct {
	Symbol          string           `json:"symbol"`
	Side            string           `json:"side"`
	Quantity        decimal.Decimal  `json:"quantity"`
	OrderType       string           `json:"order_type"`
	LimitPrice      *decimal.Decimal `json:"limit_price,omitempty"`
	Product         string           `json:"product"`
	Exchange        string           `json:"exchange"`
	StrategyID      string           `json:"strategy_id"`
	TimestampBucket int64            `json:"timestamp_bucket"`
	InstrumentType  InstrumentType   `json:"instrument_type"`
	Expiry          string           `json:"expiry,omitempty"`
	Strike          *decimal.Decimal `json:"strike,omitempty"`
	Right           string           `json:"right,omitempty"`
	Multiplier      *decimal.Decimal `json:"multiplier,omitempty"`
}

// ValidMode reports whether mode names an execution venue.
func ValidMode(mode string) bool {
	switch strings.ToUpper(mode) {
	case "SIM", "PAPER", "LIVE":
		return true
	}
	return false
}

// BucketOf returns the minute bucket containing now. Retries inside the
// same minute therefore reproduce the same hash.
func BucketOf(now time.Time) int64 {
	return int64(math.Floor(float64(now.Unix()) / 60))
}

// FromTrade builds an intent from a trade candidate. mode is validated but
// not hashed: the approval for a hash is what decides where it may run.
func FromTrade(tc TradeCandidate, mode string, d Defaults, now time.Time) (OrderIntent, error) {
	if !ValidMode(mode) {
		return OrderIntent{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	inst := tc.Instrument()
	ord := tc.Order()

	qty, err := ParseNumber(ord.Quantity)
	if err != nil {
		return OrderIntent{}, fmt.Errorf("quantity: %w", err)
	}
	limit, err := parseOptional(ord.LimitPrice)
	if err != nil {
		return OrderIntent{}, fmt.Errorf("limit_price: %w", err)
	}
	strike, err := parseOptional(inst.Strike)
	if err != nil {
		return OrderIntent{}, fmt.Errorf("strike: %w", err)
	}
	mult, err := parseOptional(inst.Multiplier)
	if err != nil {
		return OrderIntent{}, fmt.Errorf("multiplier: %w", err)
	}

	right := normalizeRight(inst.Right)
	expiry := normalizeExpiry(inst.Expiry)

	typ := InstrumentEquity
	switch {
	case strike != nil || right != "":
		typ = InstrumentOption
	case expiry != "":
		typ = InstrumentFuture
	}

	product := strings.ToUpper(strings.TrimSpace(inst.Product))
	if product == "" {
		switch typ {
		case InstrumentOption:
			product = d.OptionProduct
		case InstrumentFuture:
			product = d.FutureProduct
		default:
			product = d.EquityProduct
		}
	}
	exchange := strings.ToUpper(strings.TrimSpace(inst.Exchange))
	if exchange == "" {
		exchange = d.Exchange
	}
	if mult == nil && typ == InstrumentOption && d.OptionMultiplier > 0 {
		m := decimal.NewFromInt(d.OptionMultiplier)
		mult = &m
	}

	bucket := tc.Bucket()
	if bucket == 0 {
		bucket = BucketOf(now)
	}

	return New(OrderIntent{
		Symbol:          inst.Symbol,
		Side:            ord.Side,
		Quantity:        qty,
		OrderType:       ord.Type,
		LimitPrice:      limit,
		Product:         product,
		Exchange:        exchange,
		StrategyID:      tc.Strategy(),
		TimestampBucket: bucket,
		InstrumentType:  typ,
		Expiry:          expiry,
		Strike:          strike,
		Right:           right,
		Multiplier:      mult,
	})
}

// New normalizes and validates a hand-built intent.
func New(in OrderIntent) (OrderIntent, error) {
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	in.Side = strings.ToUpper(strings.TrimSpace(in.Side))
	in.OrderType = strings.ToUpper(strings.TrimSpace(in.OrderType))
	in.Product = strings.ToUpper(strings.TrimSpace(in.Product))
	in.Exchange = strings.ToUpper(strings.TrimSpace(in.Exchange))
	in.StrategyID = strings.TrimSpace(in.StrategyID)
	in.Right = normalizeRight(in.Right)
	in.Expiry = normalizeExpiry(in.Expiry)

	if in.Symbol == "" {
		return OrderIntent{}, ErrMissingSymbol
	}
	if in.Side != "BUY" && in.Side != "SELL" {
		return OrderIntent{}, fmt.Errorf("%w: %q", ErrInvalidSide, in.Side)
	}
	if !in.Quantity.IsPositive() {
		return OrderIntent{}, fmt.Errorf("%w: %s", ErrInvalidQuantity, in.Quantity)
	}
	if in.OrderType == "" {
		in.OrderType = "MARKET"
		if in.LimitPrice != nil {
			in.OrderType = "LIMIT"
		}
	}
	if in.LimitPrice != nil && !in.LimitPrice.IsPositive() {
		return OrderIntent{}, fmt.Errorf("%w: %s", ErrInvalidLimitPrice, in.LimitPrice)
	}
	if in.InstrumentType == "" {
		in.InstrumentType = InstrumentEquity
	}
	if in.InstrumentType == InstrumentOption && (in.Expiry == "" || in.Strike == nil || in.Right == "") {
		return OrderIntent{}, ErrIncompleteOption
	}
	return in, nil
}

// CanonicalMap returns the hash preimage as a flat map. Every numeric value
// is a normalized decimal string; absent optionals are nil.
func (in OrderIntent) CanonicalMap() map[string]any {
	return map[string]any{
		"symbol":           in.Symbol,
		"side":             in.Side,
		"quantity":         canonical(in.Quantity),
		"order_type":       in.OrderType,
		"limit_price":      canonicalPtr(in.LimitPrice),
		"product":          in.Product,
		"exchange":         in.Exchange,
		"strategy_id":      in.StrategyID,
		"timestamp_bucket": canonical(decimal.NewFromInt(in.TimestampBucket)),
		"instrument_type":  string(in.InstrumentType),
		"expiry":           optionalString(in.Expiry),
		"strike":           canonicalPtr(in.Strike),
		"right":            optionalString(in.Right),
		"multiplier":       canonicalPtr(in.Multiplier),
	}
}

// CanonicalJSON serializes CanonicalMap with sorted keys.
func (in OrderIntent) CanonicalJSON() []byte {
	// encoding/json sorts map keys; values are strings or nil, so this cannot fail.
	b, _ := json.Marshal(in.CanonicalMap())
	return b
}

// Hash is the hex SHA-256 of CanonicalJSON.
func (in OrderIntent) Hash() string {
	sum := sha256.Sum256(in.CanonicalJSON())
	return hex.EncodeToString(sum[:])
}

// Strategy returns the strategy id, so an intent can be risk-checked like a
// trade candidate.
func (in OrderIntent) Strategy() string { return in.StrategyID }

// ContractMultiplier returns the multiplier, or 1 for instruments without one.
func (in OrderIntent) ContractMultiplier() float64 {
	if in.Multiplier == nil {
		return 1
	}
	return in.Multiplier.InexactFloat64()
}

// ParseNumber accepts the numeric representations a trade payload may use.
func ParseNumber(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case nil:
		return decimal.Zero, fmt.Errorf("%w: missing", ErrInvalidNumber)
	case decimal.Decimal:
		return n, nil
	case *decimal.Decimal:
		if n == nil {
			return decimal.Zero, fmt.Errorf("%w: missing", ErrInvalidNumber)
		}
		return *n, nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int32:
		return decimal.NewFromInt32(n), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case uint:
		return decimal.NewFromUint64(uint64(n)), nil
	case uint32:
		return decimal.NewFromUint64(uint64(n)), nil
	case uint64:
		return decimal.NewFromUint64(n), nil
	case float32:
		if math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidNumber, n)
		}
		return decimal.NewFromFloat32(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidNumber, n)
		}
		return decimal.NewFromFloat(n), nil
	case json.Number:
		return parseString(n.String())
	case string:
		return parseString(n)
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported type %T", ErrInvalidNumber, v)
	}
}

func parseString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty string", ErrInvalidNumber)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return d, nil
}

func parseOptional(v any) (*decimal.Decimal, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := ParseNumber(v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func canonical(d decimal.Decimal) string {
	// String trims trailing zeros, so 2, 2.0 and "2.00000000" all become "2".
	return d.Round(CanonicalPrecision).String()
}

func canonicalPtr(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return canonical(*d)
}

func optionalString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func normalizeRight(r string) string {
	switch strings.ToUpper(strings.TrimSpace(r)) {
	case "C", "CALL":
		return "C"
	case "P", "PUT":
		return "P"
	case "":
		return ""
	default:
		return strings.ToUpper(strings.TrimSpace(r))
	}
}

// normalizeExpiry maps YYYYMMDD and YYYY-MM-DD to YYYY-MM-DD; anything
// else is kept verbatim (upper-cased) so it still hashes deterministically.
func normalizeExpiry(e string) string {
	e = strings.TrimSpace(e)
	if e == "" {
		return ""
	}
	for _, layout := range []string{"2006-01-02", "20060102"} {
		if t, err := time.Parse(layout, e); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return strings.ToUpper(e)
}
