package volume

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVolume(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "vol.img")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path, data
}

func TestOpenRegularFile(t *testing.T) {
	path, data := writeVolume(t, 64*1024)

	v, err := Open(path)
	require.NoError(t, err)
	defer v.Close()

	assert.Equal(t, int64(len(data)), v.Size())
	assert.True(t, v.IsRegular())
	assert.Equal(t, path, v.Path())

	buf := make([]byte, 4096)
	n, err := v.ReadAt(buf, 8192)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, data[8192:8192+4096], buf)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestOpenDirectoryRejected(t *testing.T) {
	_, err := Open(t.TempDir())
	require.Error(t, err)
}

func TestReadAtShortRead(t *testing.T) {
	path, _ := writeVolume(t, 6000)

	v, err := Open(path)
	require.NoError(t, err)
	defer v.Close()

	buf := make([]byte, 4096)
	n, err := v.ReadAt(buf, 4096)
	require.ErrorIs(t, err, ErrShortRead)
	assert.Equal(t, 6000-4096, n)
}

func TestOpenTargetExtendsRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target.img")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	v, err := OpenTarget(path, 1<<20)
	require.NoError(t, err)
	defer v.Close()

	assert.Equal(t, int64(1<<20), v.Size())
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), fi.Size())
}

func TestOpenTargetCreatesMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.img")

	v, err := OpenTarget(path, 8192)
	require.NoError(t, err)
	defer v.Close()
	assert.Equal(t, int64(8192), v.Size())
}

func TestOpenTargetKeepsLargerFile(t *testing.T) {
	path, _ := writeVolume(t, 16384)

	v, err := OpenTarget(path, 8192)
	require.NoError(t, err)
	defer v.Close()
	assert.Equal(t, int64(16384), v.Size())
}

func TestWriteAtAndSync(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target.img")
	v, err := OpenTarget(path, 16384)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	n, err := v.WriteAt(payload, 4096)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	require.NoError(t, v.Sync())
	require.NoError(t, v.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got[4096:8192])
	assert.Equal(t, make([]byte, 4096), got[:4096])
}
