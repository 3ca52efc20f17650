package staging_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lxc/system-imaged/internal/staging"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestSweepPreservesLogFilesOnly(t *testing.T) {
	cache := t.TempDir()
	data := t.TempDir()

	writeFile(t, cache, "log", "old log")
	writeFile(t, cache, "last_log", "older log")
	writeFile(t, cache, "stale.zip", "stale")

	s := staging.New()
	require.NoError(t, s.Stage(context.Background(), staging.Plan{
		CachePartition: cache,
		DataPartition:  data,
	}))

	require.FileExists(t, filepath.Join(cache, "log"))
	require.FileExists(t, filepath.Join(cache, "last_log"))

	_, err := os.Stat(filepath.Join(cache, "stale.zip"))
	require.True(t, os.IsNotExist(err))
}

func TestStageWritesRecoveryCommandFileInOrder(t *testing.T) {
	cache := t.TempDir()
	data := t.TempDir()
	src := t.TempDir()

	img1 := writeFile(t, src, "1.zip", "image-1")
	sig1 := writeFile(t, src, "1.zip.asc", "sig-1")
	img2 := writeFile(t, src, "2.zip", "image-2")
	sig2 := writeFile(t, src, "2.zip.asc", "sig-2")

	krArchive := writeFile(t, src, "image-signing.tar.xz", "keyring")
	krSig := writeFile(t, src, "image-signing.tar.xz.asc", "keyring-sig")

	s := staging.New()
	require.NoError(t, s.Stage(context.Background(), staging.Plan{
		CachePartition:   cache,
		DataPartition:    data,
		FullImagePresent: true,
		Keyrings: []staging.KeyringFile{
			{Name: "image-signing", Archive: krArchive, Signature: krSig},
		},
		Files: []staging.StagedFile{
			{LocalPath: img1, LocalSigPath: sig1, DestBase: "1.zip", DestSigBase: "1.zip.asc"},
			{LocalPath: img2, LocalSigPath: sig2, DestBase: "2.zip", DestSigBase: "2.zip.asc"},
		},
	}))

	body, err := os.ReadFile(filepath.Join(cache, "recovery_command"))
	require.NoError(t, err)

	require.Equal(t, "format_version 1\n"+
		"load_keyring image-signing.tar.xz image-signing.tar.xz.asc\n"+
		"mount system\n"+
		"update 1.zip 1.zip.asc\n"+
		"update 2.zip 2.zip.asc\n"+
		"unmount system\n", string(body))

	require.FileExists(t, filepath.Join(cache, "1.zip"))
	require.FileExists(t, filepath.Join(cache, "2.zip.asc"))
}

func TestStageFailsOnMissingSignature(t *testing.T) {
	cache := t.TempDir()
	data := t.TempDir()
	src := t.TempDir()

	img1 := writeFile(t, src, "1.zip", "image-1")

	s := staging.New()
	err := s.Stage(context.Background(), staging.Plan{
		CachePartition: cache,
		DataPartition:  data,
		Files: []staging.StagedFile{
			{LocalPath: img1, DestBase: "1.zip", DestSigBase: "1.zip.asc"},
		},
	})
	require.ErrorIs(t, err, staging.ErrMissingSignature)
}

func TestWipeDataPartitionRemovesEntries(t *testing.T) {
	data := t.TempDir()

	writeFile(t, data, "current_build", "100")
	require.NoError(t, os.Mkdir(filepath.Join(data, "userdata"), 0o700))

	require.NoError(t, staging.WipeDataPartition(data, false))

	entries, err := os.ReadDir(data)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestWipeDataPartitionProductionLeavesMarker(t *testing.T) {
	data := t.TempDir()

	writeFile(t, data, "current_build", "100")

	require.NoError(t, staging.WipeDataPartition(data, true))

	require.FileExists(t, filepath.Join(data, "production_mode"))
}

func TestWipeDataPartitionCreatesMissingDirectory(t *testing.T) {
	data := filepath.Join(t.TempDir(), "data")

	require.NoError(t, staging.WipeDataPartition(data, false))

	require.DirExists(t, data)
}
