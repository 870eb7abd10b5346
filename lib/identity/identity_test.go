package identity_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comacode/hostd/lib/identity"
)

func TestLoadOrCreateGeneratesThenReuses(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	first, err := identity.LoadOrCreate(dir)
	require.NoError(t, err)
	require.NotEmpty(t, first.Fingerprint)

	second, err := identity.LoadOrCreate(dir)
	require.NoError(t, err)
	require.Equal(t, first.Fingerprint, second.Fingerprint, "second load must reuse the persisted identity")
}

func TestLoadOrCreatePersistsRestrictedPermissions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, err := identity.LoadOrCreate(dir)
	require.NoError(t, err)

	for _, name := range []string{"cert.der", "key.der"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestNormalizeFingerprintIgnoresSeparatorsAndCase(t *testing.T) {
	t.Parallel()

	cases := []string{"aa:bb", "AABB", "aa-bb", "Aa Bb"}
	for _, c := range cases {
		require.True(t, identity.FingerprintsEqual(c, "aabb"), "input %q", c)
	}
	require.False(t, identity.FingerprintsEqual("aabb", "aabc"))
}
