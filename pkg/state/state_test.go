package state

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(slog.New(slog.DiscardHandler), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestFingerprintRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, ok, err := s.Fingerprint(ctx, "cert-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutFingerprint(ctx, "cert-1", "fp-abc"))

	fp, ok, err := s.Fingerprint(ctx, "cert-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fp-abc", fp)
}

func TestVersionRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, ok, err := s.Version(ctx, "sec-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutVersion(ctx, "sec-1", 42))

	v, ok, err := s.Version(ctx, "sec-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), v)
}

func TestPrefixesDoNotCollide(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutFingerprint(ctx, "same-id", "fp"))
	require.NoError(t, s.PutVersion(ctx, "same-id", 7))

	fp, ok, err := s.Fingerprint(ctx, "same-id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fp", fp)

	v, ok, err := s.Version(ctx, "same-id")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), v)
}

func TestCorruptVersionMarkerIsDiscarded(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutFingerprint(ctx, "x", "not-a-number"))
	// Write the corrupt value under the secret prefix directly.
	require.NoError(t, s.db.Set(key(secretPrefix, "sec-1"), []byte("not-a-number"), nil))

	_, ok, err := s.Version(ctx, "sec-1")
	require.NoError(t, err)
	require.False(t, ok)
}
