package adapters

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ScriptedQuotes replays a fixed quote sequence, one quote per call. After
// the script runs out it keeps returning the last quote, or nil when
// HoldLast is false. It is safe for concurrent use.
type ScriptedQuotes struct {
	mu       sync.Mutex
	quotes   []*Quote
	pos      int
	HoldLast bool
}

// NewScriptedQuotes copies quotes into a new script. A nil entry models a
// missing quote at that step.
func NewScriptedQuotes(quotes ...*Quote) *ScriptedQuotes {
	cp := make([]*Quote, len(quotes))
	copy(cp, quotes)
	return &ScriptedQuotes{quotes: cp, HoldLast: true}
}

// Snapshot returns the next scripted quote.
func (s *ScriptedQuotes) Snapshot() *Quote {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.quotes) == 0 {
		return nil
	}
	if s.pos >= len(s.quotes) {
		if !s.HoldLast {
			return nil
		}
		return copyQuote(s.quotes[len(s.quotes)-1])
	}
	q := s.quotes[s.pos]
	s.pos++
	return copyQuote(q)
}

// Calls returns how many scripted quotes have been consumed.
func (s *ScriptedQuotes) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Reset rewinds the script.
func (s *ScriptedQuotes) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
}

type quoteScriptFile struct {
	Quotes []*Quote `json:"quotes" yaml:"quotes"`
}

// LoadQuoteScript reads a quote script from a YAML or JSON file with a
// top-level "quotes" list.
func LoadQuoteScript(path string) (*ScriptedQuotes, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read quote script: %w", err)
	}
	var f quoteScriptFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(b, &f)
	default:
		err = yaml.Unmarshal(b, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse quote script %s: %w", path, err)
	}
	if len(f.Quotes) == 0 {
		return nil, fmt.Errorf("quote script %s has no quotes", path)
	}
	return NewScriptedQuotes(f.Quotes...), nil
}

func copyQuote(q *Quote) *Quote {
	if q == nil {
		return nil
	}
	c := *q
	if q.Depth != nil {
		d := Depth{
			Bids: append([]Level(nil), q.Depth.Bids...),
			Asks: append([]Level(nil), q.Depth.Asks...),
		}
		c.Depth = &d
	}
	return &c
}
