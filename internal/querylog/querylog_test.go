package querylog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLogger(t *testing.T, config Config) *Logger {
	t.Helper()
	if config.Path == "" {
		config.Path = filepath.Join(t.TempDir(), "queries.jsonl")
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = time.Hour
	}
	l, err := Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLogAndStats(t *testing.T) {
	l := openTestLogger(t, Config{})

	l.Log(Entry{
		EventType:  EventRejected,
		Query:      "asdf qwerty",
		Intent:     "factual_retrieval",
		Confidence: 0.2,
		Language:   "en",
		Complexity: "moderate",
		Thresholds: Thresholds{Reject: 0.40, Fallback: 0.60},
	})
	l.Log(Entry{
		EventType:  EventLowConfidence,
		Query:      "what about the thing",
		Intent:     "simple_lookup",
		Confidence: 0.5,
		Language:   "en",
	})
	l.Log(Entry{
		EventType:  EventLowConfidence,
		Query:      "qu'est-ce que c'est",
		Intent:     "simple_lookup",
		Confidence: 0.55,
		Language:   "fr",
	})

	stats, err := l.Stats(24)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalQueries)
	assert.Equal(t, 1, stats.ByEventType[EventRejected])
	assert.Equal(t, 2, stats.ByEventType[EventLowConfidence])
	assert.Equal(t, 2, stats.ByIntent["simple_lookup"])
	assert.Equal(t, 2, stats.ByLanguage["en"])
	assert.Equal(t, 1, stats.ByLanguage["fr"])
	assert.InDelta(t, 0.4166, stats.AvgConfidence, 0.001)
	assert.InDelta(t, 0.2, stats.MinConfidence, 0.0001)
	assert.InDelta(t, 0.55, stats.MaxConfidence, 0.0001)
}

func TestLogTruncatesLongFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.jsonl")
	l := openTestLogger(t, Config{Path: path})

	l.Log(Entry{
		EventType: EventRejected,
		Query:     strings.Repeat("q", 600),
		Reasoning: strings.Repeat("r", 300),
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var e Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &e))
	assert.Len(t, e.Query, 500)
	assert.Len(t, e.Reasoning, 200)
	assert.Equal(t, 600, e.QueryLength, "query_length reports the original size")
	assert.NotEmpty(t, e.Timestamp)
}

func TestOpenSweepsExpiredEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.jsonl")

	stale := Entry{
		Timestamp:  time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339),
		EventType:  EventRejected,
		Query:      "old query",
		Confidence: 0.1,
	}
	fresh := Entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		EventType:  EventLowConfidence,
		Query:      "recent query",
		Confidence: 0.5,
	}
	var lines []string
	for _, e := range []Entry{stale, fresh} {
		b, err := json.Marshal(e)
		require.NoError(t, err)
		lines = append(lines, string(b))
	}
	lines = append(lines, "not json at all")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	l := openTestLogger(t, Config{Path: path, Retention: 24 * time.Hour})

	stats, err := l.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalQueries)
	assert.Equal(t, 1, stats.ByEventType[EventLowConfidence])

	// The append handle must follow the rewritten file.
	l.Log(Entry{EventType: EventRejected, Query: "after sweep", Confidence: 0.2})
	stats, err = l.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalQueries)
}

func TestStatsWindowFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queries.jsonl")
	old := Entry{
		Timestamp:  time.Now().UTC().Add(-10 * time.Hour).Format(time.RFC3339),
		EventType:  EventLowConfidence,
		Query:      "ten hours ago",
		Confidence: 0.5,
	}
	b, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(b, '\n'), 0o644))

	l := openTestLogger(t, Config{Path: path})
	l.Log(Entry{EventType: EventLowConfidence, Query: "just now", Confidence: 0.5})

	stats, err := l.Stats(1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalQueries, "only the fresh entry falls in a 1h window")

	stats, err = l.Stats(24)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalQueries)
}

func TestSweepKeepsEverythingFresh(t *testing.T) {
	l := openTestLogger(t, Config{})
	for i := 0; i < 5; i++ {
		l.Log(Entry{EventType: EventLowConfidence, Query: fmt.Sprintf("q%d", i), Confidence: 0.5})
	}

	removed, err := l.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)

	stats, err := l.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.TotalQueries)
}

func TestCloseIsIdempotent(t *testing.T) {
	l := openTestLogger(t, Config{})
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	// Logging after close must not panic.
	l.Log(Entry{EventType: EventRejected, Query: "late"})
}
