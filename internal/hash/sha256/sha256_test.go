// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const helloWorldDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, helloWorldDigest, got)
	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

// TestHasherHashFileMatchesHash checks the streaming path agrees with Hash.
func TestHasherHashFileMatchesHash(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "note.xml")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	got, err := New().HashFile(path)
	require.NoError(t, err)
	require.Equal(t, helloWorldDigest, got)

	_, err = New().HashFile(filepath.Join(t.TempDir(), "missing.xml"))
	require.Error(t, err)
}

func TestHasherHashFieldsSeparatesParts(t *testing.T) {
	t.Parallel()

	h := New()
	require.Equal(t, h.HashFields("a", "b"), h.HashFields("a", "b"))
	require.NotEqual(t, h.HashFields("ab", ""), h.HashFields("a", "b"))
}
