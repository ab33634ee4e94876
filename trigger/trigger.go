// Package trigger implements the scheduler's advisory trigger intake: an
// append-only JSONL log written by producers (the intelligence layer or an
// operator) and drained-and-truncated by the scheduler at tick boundaries.
// The file doubles as a crash-safe message queue between processes.
package trigger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

type (
	// Trigger asks the scheduler to prioritize refreshes touching a pool or
	// pair in its next tick. Triggers are advisory: they widen the active
	// set and force re-enqueue of P0/P1 items, nothing more.
	Trigger struct {
		// ID uniquely identifies the trigger for tracing.
		ID string `json:"id"`
		// Timestamp is when the trigger was appended; triggers older than the
		// scheduler's horizon are discarded unprocessed.
		Timestamp time.Time `json:"timestamp"`
		// Reason names the condition that raised the trigger (e.g.
		// "out_of_range", "volatility_spike", "gas_drop").
		Reason string `json:"reason"`
		// Pool scopes the trigger to a pool address. Optional.
		Pool string `json:"pool,omitempty"`
		// Pair scopes the trigger to a trading pair. Optional.
		Pair string `json:"pair,omitempty"`
	}

	// Log is the on-disk trigger queue. Appends are safe across processes
	// (O_APPEND single-write lines); Drain is only called by the scheduler.
	Log struct {
		mu   sync.Mutex
		path string
	}

	// DrainStats reports what a Drain pass saw.
	DrainStats struct {
		// Accepted is the number of triggers within the horizon.
		Accepted int
		// Expired is the number discarded for exceeding the horizon.
		Expired int
		// Malformed is the number of unparseable lines skipped.
		Malformed int
	}
)

// NewLog opens (or creates the directory for) the trigger log at path.
func NewLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trigger directory: %w", err)
	}
	return &Log{path: path}, nil
}

// Path returns the log's file path.
func (l *Log) Path() string { return l.path }

// Append writes the trigger as one JSON line. A zero Timestamp is filled
// with the current time and a missing ID is generated.
func (l *Log) Append(t Trigger) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode trigger: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trigger log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append trigger: %w", err)
	}
	return nil
}

// Drain consumes every pending trigger and truncates the log. Triggers whose
// age at now exceeds horizon are discarded; malformed lines (including a
// half-written final line) are skipped without aborting the drain.
func (l *Log) Drain(now time.Time, horizon time.Duration) ([]Trigger, DrainStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, DrainStats{}, nil
	}
	if err != nil {
		return nil, DrainStats{}, fmt.Errorf("read trigger log: %w", err)
	}
	// Truncate before parsing so a parse problem cannot replay triggers
	// forever.
	if err := os.Truncate(l.path, 0); err != nil {
		return nil, DrainStats{}, fmt.Errorf("truncate trigger log: %w", err)
	}

	var (
		out   []Trigger
		stats DrainStats
	)
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Trigger
		if err := json.Unmarshal(line, &t); err != nil || t.Reason == "" {
			stats.Malformed++
			continue
		}
		if now.Sub(t.Timestamp) > horizon {
			stats.Expired++
			continue
		}
		out = append(out, t)
		stats.Accepted++
	}
	return out, stats, nil
}
