package key

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zapmesh/zapmesh/fs"
)

func TestKeysSaveLoad(t *testing.T) {
	tmp := path.Join(t.TempDir(), "zapmesh")
	store := NewFileStore(tmp).(*fileStore)
	require.Equal(t, tmp, store.baseFolder)

	kp, err := NewKeyPair("wss://relay.example.org")
	require.NoError(t, err)

	require.NoError(t, store.SaveKeyPair(kp))
	loaded, err := store.LoadKeyPair()
	require.NoError(t, err)
	require.Equal(t, kp.Key.Serialize(), loaded.Key.Serialize())
	require.True(t, kp.Public.Equal(loaded.Public))
	require.Equal(t, kp.Public.Address(), loaded.Public.Address())

	keyFolder := path.Join(tmp, KeyFolderName)
	require.True(t, fs.FileExists(keyFolder, path.Join(keyFolder, keyFileName+privateExtension)))
	require.True(t, fs.FileExists(keyFolder, path.Join(keyFolder, keyFileName+publicExtension)))

	info, err := os.Lstat(store.privateKeyFile)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadMissingKey(t *testing.T) {
	store := NewFileStore(t.TempDir())
	_, err := store.LoadKeyPair()
	require.Error(t, err)
}
