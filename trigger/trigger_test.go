package trigger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T) *Log {
	t.Helper()
	l, err := NewLog(filepath.Join(t.TempDir(), "triggers.jsonl"))
	require.NoError(t, err)
	return l
}

func TestAppendDrain(t *testing.T) {
	l := newLog(t)
	now := time.Now().UTC()

	require.NoError(t, l.Append(Trigger{Reason: "out_of_range", Pool: "0xABC", Timestamp: now}))
	require.NoError(t, l.Append(Trigger{Reason: "volatility_spike", Pair: "WETH-USDC", Timestamp: now}))

	got, stats, err := l.Drain(now, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 2, stats.Accepted)
	require.Equal(t, "out_of_range", got[0].Reason)
	require.NotEmpty(t, got[0].ID)

	// Drain truncates: a second drain sees nothing.
	got, stats, err = l.Drain(now, 10*time.Minute)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Zero(t, stats.Accepted)
}

func TestDrainDiscardsExpired(t *testing.T) {
	l := newLog(t)
	now := time.Now().UTC()

	require.NoError(t, l.Append(Trigger{Reason: "old", Timestamp: now.Add(-20 * time.Minute)}))
	require.NoError(t, l.Append(Trigger{Reason: "recent", Timestamp: now.Add(-time.Minute)}))

	got, stats, err := l.Drain(now, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "recent", got[0].Reason)
	require.Equal(t, 1, stats.Expired)
}

func TestDrainSkipsMalformedLines(t *testing.T) {
	l := newLog(t)
	now := time.Now().UTC()
	require.NoError(t, l.Append(Trigger{Reason: "good", Timestamp: now}))

	// Simulate a crash mid-append: a half-written trailing line.
	f, err := os.OpenFile(l.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"x","reason":"trunc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, stats, err := l.Drain(now, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "good", got[0].Reason)
	require.Equal(t, 1, stats.Malformed)
}

func TestDrainMissingFile(t *testing.T) {
	l := newLog(t)
	got, stats, err := l.Drain(time.Now(), time.Minute)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Zero(t, stats.Accepted)
}

func TestWatchNudgesOnAppend(t *testing.T) {
	l := newLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nudge, err := Watch(ctx, l)
	require.NoError(t, err)

	require.NoError(t, l.Append(Trigger{Reason: "gas_drop"}))

	select {
	case <-nudge:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a nudge after append")
	}
}
