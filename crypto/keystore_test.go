package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "validator.keystore")

	require.NoError(t, SaveToKeystore(path, key, "correct horse", WithLightScrypt()))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadFromKeystore(path, "correct horse")
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), loaded.Bytes())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}

func TestKeystoreOverwriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "validator.keystore")
	first, err := GeneratePrivateKey()
	require.NoError(t, err)
	second, err := GeneratePrivateKey()
	require.NoError(t, err)

	require.NoError(t, SaveToKeystore(path, first, "pw", WithLightScrypt()))
	require.NoError(t, SaveToKeystore(path, second, "pw", WithLightScrypt()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	loaded, err := LoadFromKeystore(path, "pw")
	require.NoError(t, err)
	require.Equal(t, second.Bytes(), loaded.Bytes())
}

func TestKeystoreRejectsBadInput(t *testing.T) {
	require.ErrorIs(t, SaveToKeystore("", &PrivateKey{}, "pw"), ErrKeystorePath)
	require.Error(t, SaveToKeystore(filepath.Join(t.TempDir(), "k"), nil, "pw"))
	_, err := LoadFromKeystore("", "pw")
	require.ErrorIs(t, err, ErrKeystorePath)
}
