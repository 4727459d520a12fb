// Package querylog records rejected and low-confidence queries to an
// append-only JSONL file for offline analysis. Writes never fail the
// caller; a background sweeper drops entries past the retention window.
package querylog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types recorded by the intent classifier.
const (
	EventRejected      = "rejected"
	EventLowConfidence = "low_confidence"
)

const (
	// DefaultRetention keeps entries for 7 days.
	DefaultRetention = 168 * time.Hour

	// DefaultSweepInterval is how often retention is enforced.
	DefaultSweepInterval = time.Hour

	maxQueryLen     = 500
	maxReasoningLen = 200
)

// Thresholds echoes the confidence limits in force when the entry was
// written, so later analysis can tell why a query landed here.
type Thresholds struct {
	Reject   float64 `json:"reject"`
	Fallback float64 `json:"fallback"`
}

// Entry is one JSONL record. Timestamp and QueryLength are filled by Log.
type Entry struct {
	Timestamp    string     `json:"timestamp"`
	EventType    string     `json:"event_type"`
	Query        string     `json:"query"`
	QueryLength  int        `json:"query_length"`
	Intent       string     `json:"intent"`
	Confidence   float64    `json:"confidence"`
	Language     string     `json:"language"`
	Complexity   string     `json:"complexity"`
	Thresholds   Thresholds `json:"thresholds"`
	TenantID     string     `json:"tenant_id,omitempty"`
	Reasoning    string     `json:"reasoning,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Stats aggregates entries inside a time window.
type Stats struct {
	TimeWindowHours int            `json:"time_window_hours"`
	TotalQueries    int            `json:"total_queries"`
	ByEventType     map[string]int `json:"by_event_type"`
	ByIntent        map[string]int `json:"by_intent"`
	ByLanguage      map[string]int `json:"by_language"`
	AvgConfidence   float64        `json:"avg_confidence"`
	MinConfidence   float64        `json:"min_confidence"`
	MaxConfidence   float64        `json:"max_confidence"`
}

// Config configures a Logger.
type Config struct {
	// Path is the JSONL file; parent directories are created.
	Path string

	// Retention drops entries older than this. Zero means DefaultRetention.
	Retention time.Duration

	// SweepInterval is how often the sweeper runs. Zero means
	// DefaultSweepInterval.
	SweepInterval time.Duration

	Logger *slog.Logger
}

// Logger appends query events to a JSONL file.
type Logger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	config Config
	logger *slog.Logger

	done    chan struct{}
	stopped sync.Once
}

// Open creates or opens the log file, runs one retention sweep, and starts
// the background sweeper.
func Open(config Config) (*Logger, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("query log path required")
	}
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create query log directory: %w", err)
	}
	file, err := os.OpenFile(config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open query log: %w", err)
	}

	l := &Logger{
		path:   config.Path,
		file:   file,
		config: config,
		logger: logger.With("component", "querylog"),
		done:   make(chan struct{}),
	}

	if removed, err := l.Sweep(); err != nil {
		l.logger.Warn("initial retention sweep failed", "error", err)
	} else if removed > 0 {
		l.logger.Info("expired query log entries removed", "count", removed)
	}

	go l.sweepLoop()
	return l, nil
}

// Log appends one entry. The timestamp and query length are set here, the
// query is truncated to 500 chars and reasoning to 200. Write failures are
// logged and swallowed so classification never fails on logging.
func (l *Logger) Log(e Entry) {
	e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	e.QueryLength = len(e.Query)
	if len(e.Query) > maxQueryLen {
		e.Query = e.Query[:maxQueryLen]
	}
	if len(e.Reasoning) > maxReasoningLen {
		e.Reasoning = e.Reasoning[:maxReasoningLen]
	}

	line, err := json.Marshal(e)
	if err != nil {
		l.logger.Error("failed to marshal query log entry", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.logger.Error("failed to write query log entry", "error", err)
	}
}

// Stats aggregates entries newer than the given window. Hours <= 0 means
// the full retention window.
func (l *Logger) Stats(hours int) (*Stats, error) {
	if hours <= 0 {
		hours = int(l.config.Retention / time.Hour)
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	stats := &Stats{
		TimeWindowHours: hours,
		ByEventType:     make(map[string]int),
		ByIntent:        make(map[string]int),
		ByLanguage:      make(map[string]int),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return nil, fmt.Errorf("failed to open query log: %w", err)
	}
	defer f.Close()

	var sum float64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		ts, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil || ts.Before(cutoff) {
			continue
		}

		stats.TotalQueries++
		stats.ByEventType[e.EventType]++
		stats.ByIntent[e.Intent]++
		stats.ByLanguage[e.Language]++
		sum += e.Confidence
		if stats.TotalQueries == 1 {
			stats.MinConfidence = e.Confidence
			stats.MaxConfidence = e.Confidence
		} else {
			if e.Confidence < stats.MinConfidence {
				stats.MinConfidence = e.Confidence
			}
			if e.Confidence > stats.MaxConfidence {
				stats.MaxConfidence = e.Confidence
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read query log: %w", err)
	}
	if stats.TotalQueries > 0 {
		stats.AvgConfidence = sum / float64(stats.TotalQueries)
	}
	return stats, nil
}

// Sweep rewrites the file keeping only entries inside the retention window
// and returns how many were dropped. Unparseable lines are dropped too.
func (l *Logger) Sweep() (int, error) {
	cutoff := time.Now().UTC().Add(-l.config.Retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open query log: %w", err)
	}

	var kept [][]byte
	removed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			removed++
			continue
		}
		ts, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil || ts.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, append([]byte(nil), line...))
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("failed to read query log: %w", scanErr)
	}
	if removed == 0 {
		return 0, nil
	}

	// Rewrite via temp file and swap the append handle to the new inode.
	tmp := l.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp query log: %w", err)
	}
	w := bufio.NewWriter(out)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write temp query log: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to close temp query log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to replace query log: %w", err)
	}

	if l.file != nil {
		l.file.Close()
	}
	l.file, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return removed, fmt.Errorf("failed to reopen query log: %w", err)
	}
	return removed, nil
}

// Close stops the sweeper and closes the file.
func (l *Logger) Close() error {
	l.stopped.Do(func() { close(l.done) })

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Logger) sweepLoop() {
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := l.Sweep()
			if err != nil {
				l.logger.Warn("retention sweep failed", "error", err)
			} else if removed > 0 {
				l.logger.Info("expired query log entries removed", "count", removed)
			}
		case <-l.done:
			return
		}
	}
}
