// Package outbox is an append-only JSON-lines log. Each entry is one line
// carrying a type tag, the event time and an arbitrary payload.
package outbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Entry struct {
	Type  string          `json:"type"`
	Event time.Time       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Outbox appends entries to a single file. Writes from one process are
// serialized; O_APPEND keeps concurrent writers from interleaving lines.
type Outbox struct {
	mu   sync.Mutex
	path string
}

func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create outbox dir: %w", err)
	}
	return &Outbox{path: path}, nil
}

func (o *Outbox) Path() string { return o.path }

// Append writes one entry of the given type.
func (o *Outbox) Append(entryType string, at time.Time, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", entryType, err)
	}
	line, err := json.Marshal(Entry{Type: entryType, Event: at.UTC(), Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", entryType, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	return nil
}

// Scan calls fn for every entry of entryType ("" matches all), oldest
// first. Malformed lines are skipped. Returning false from fn stops the scan.
func (o *Outbox) Scan(entryType string, fn func(Entry) bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, err := os.Open(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if entryType != "" && e.Type != entryType {
			continue
		}
		if !fn(e) {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	return nil
}
