package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerLevelFiltering(t *testing.T) {
	buf := NewBuffer(10)
	out := &strings.Builder{}
	logger := NewLoggerWithOutput(buf, LevelInfo, out)

	logger.Debug("hidden", nil)
	logger.Info("shown", nil)

	entries := buf.List()
	require.Len(t, entries, 1)
	require.Equal(t, "shown", entries[0].Message)
	require.Contains(t, out.String(), `msg="shown"`)
	require.NotContains(t, out.String(), "hidden")
}

func TestLoggerWithFields(t *testing.T) {
	buf := NewBuffer(10)
	logger := NewLoggerWithOutput(buf, LevelDebug, nil)

	child := logger.With(map[string]string{"session": "abc123"})
	child.Info("created", map[string]string{"branch": "feature-auth"})

	entries := buf.List()
	require.Len(t, entries, 1)
	require.Equal(t, "abc123", entries[0].Fields["session"])
	require.Equal(t, "feature-auth", entries[0].Fields["branch"])

	// Parent logger is unaffected by the child's fields.
	logger.Info("plain", nil)
	entries = buf.List()
	require.Nil(t, entries[1].Fields)
}

func TestLoggerSubscribe(t *testing.T) {
	logger := NewLoggerWithOutput(NewBuffer(10), LevelInfo, nil)
	ch, cancel := logger.Subscribe()
	defer cancel()

	logger.Warn("watch out", nil)

	entry := <-ch
	require.Equal(t, LevelWarning, entry.Level)
	require.Equal(t, "watch out", entry.Message)
}

func TestHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Broadcast(Entry{Message: "first"})
	hub.Broadcast(Entry{Message: "second"}) // dropped, buffer full

	require.Equal(t, "first", (<-ch).Message)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected entry %q", extra.Message)
	default:
	}
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]Level{
		"debug": LevelDebug,
		"INFO":  LevelInfo,
		"warn":  LevelWarning,
		"error": LevelError,
	} {
		got, ok := ParseLevel(input)
		require.True(t, ok, input)
		require.Equal(t, want, got)
	}

	_, ok := ParseLevel("verbose")
	require.False(t, ok)
}
