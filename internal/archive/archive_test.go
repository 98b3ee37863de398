package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/lbdump/internal/compress"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func writeArchive(t *testing.T, path string, opts Options) Info {
	t.Helper()
	src := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(src, []byte("1\tfull\n2\tincremental\n"), 0o600))

	w, err := Create(context.Background(), path, opts)
	require.NoError(t, err)
	require.NoError(t, w.AddBytes("TIMESTAMP", []byte("2024-01-01 00:00:00")))
	require.NoError(t, w.AddFile("data/data_dump", src))
	info, err := w.Commit()
	require.NoError(t, err)
	return info
}

func TestCreateAndExtract(t *testing.T) {
	for _, kind := range []string{compress.TypeNone, compress.TypeGzip, compress.TypeZstd} {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "dump.tar"+compress.Extension(kind))
			info := writeArchive(t, path, Options{Compression: kind})
			assert.Equal(t, path, info.Path)
			assert.NoFileExists(t, path+partialSuffix)

			st, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, st.Size(), info.Size)
			sum, err := FileSHA256(path)
			require.NoError(t, err)
			assert.Equal(t, sum, info.SHA256)

			out := t.TempDir()
			names, err := Extract(context.Background(), path, out, ReadOptions{Threads: 2})
			require.NoError(t, err)
			assert.Equal(t, []string{"TIMESTAMP", "data/data_dump"}, names)
			data, err := os.ReadFile(filepath.Join(out, "data", "data_dump"))
			require.NoError(t, err)
			assert.Equal(t, "1\tfull\n2\tincremental\n", string(data))
		})
	}
}

func TestEncryptedArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.tar.zst"+EncryptedSuffix)
	writeArchive(t, path, Options{Compression: compress.TypeZstd, Key: testKey()})

	_, err := Extract(context.Background(), path, t.TempDir(), ReadOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no key")

	wrong := testKey()
	wrong[0] ^= 0xff
	_, err = Extract(context.Background(), path, t.TempDir(), ReadOptions{Key: wrong})
	assert.Error(t, err)

	names, err := Extract(context.Background(), path, t.TempDir(), ReadOptions{Key: testKey()})
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestIdenticalContentGivesIdenticalArchives(t *testing.T) {
	dir := t.TempDir()
	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := writeArchive(t, filepath.Join(dir, "a.tar.zst"), Options{Compression: compress.TypeZstd, ModTime: when})
	b := writeArchive(t, filepath.Join(dir, "b.tar.zst"), Options{Compression: compress.TypeZstd, ModTime: when})
	assert.Equal(t, a.SHA256, b.SHA256)
}

func TestAbortRemovesPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.tar.zst")
	w, err := Create(context.Background(), path, Options{Compression: compress.TypeZstd})
	require.NoError(t, err)
	require.NoError(t, w.AddBytes("COPYING", []byte("license")))
	assert.FileExists(t, path+partialSuffix)

	w.Abort()
	assert.NoFileExists(t, path+partialSuffix)
	assert.NoFileExists(t, path)
	_, err = w.Commit()
	assert.Error(t, err)
}

func TestAddFileMissingSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.tar")
	w, err := Create(context.Background(), path, Options{})
	require.NoError(t, err)
	defer w.Abort()
	assert.Error(t, w.AddFile("data/x", filepath.Join(t.TempDir(), "missing")))
}

func TestChecksumSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.tar.gz")
	found, err := VerifyChecksum(path)
	require.NoError(t, err)
	assert.False(t, found)

	info := writeArchive(t, path, Options{Compression: compress.TypeGzip})
	sidecar, err := WriteChecksum(info)
	require.NoError(t, err)
	assert.Equal(t, path+ChecksumSuffix, sidecar)

	found, err = VerifyChecksum(path)
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o600))
	_, err = VerifyChecksum(path)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}
