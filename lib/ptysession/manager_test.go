package ptysession_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comacode/hostd/lib/ptysession"
)

func TestEnsureIsIdempotent(t *testing.T) {
	t.Parallel()
	m := ptysession.NewManager()

	s1, err := m.Ensure(42, ptysession.DefaultWinsize)
	if err != nil {
		t.Skipf("no usable shell in this environment: %v", err)
	}
	t.Cleanup(func() { _ = s1.Terminate() })

	s2, err := m.Ensure(42, ptysession.DefaultWinsize)
	require.NoError(t, err)
	require.Same(t, s1, s2, "Ensure must return the same session for the same connection id")
	require.Equal(t, 1, m.Count())
}

func TestSweepTerminatesIdleSessions(t *testing.T) {
	t.Parallel()
	m := ptysession.NewManager()

	s, err := m.Ensure(7, ptysession.DefaultWinsize)
	if err != nil {
		t.Skipf("no usable shell in this environment: %v", err)
	}

	// Sweeping "now" should leave a fresh session alone.
	m.Sweep(time.Now())
	require.Equal(t, 1, m.Count())

	// Sweeping far in the future evicts it.
	m.Sweep(time.Now().Add(ptysession.DefaultIdleTimeout * 2))
	require.Equal(t, 0, m.Count())
	_ = s
}
