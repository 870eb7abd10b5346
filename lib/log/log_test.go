package log_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comacode/hostd/lib/log"
)

func TestNewAppliesRequestedLevel(t *testing.T) {
	t.Parallel()

	debug := log.New("debug")
	require.True(t, debug.Slog().Enabled(context.Background(), slog.LevelDebug))

	warn := log.New("warn")
	require.False(t, warn.Slog().Enabled(context.Background(), slog.LevelInfo))
	require.True(t, warn.Slog().Enabled(context.Background(), slog.LevelWarn))
}

func TestNewDefaultsToInfoForUnknownLevel(t *testing.T) {
	t.Parallel()

	l := log.New("nonsense")
	require.True(t, l.Slog().Enabled(context.Background(), slog.LevelInfo))
	require.False(t, l.Slog().Enabled(context.Background(), slog.LevelDebug))
}
