package dump

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/lbdump/internal/archive"
	"github.com/rowjay/lbdump/internal/compress"
	"github.com/rowjay/lbdump/internal/db"
	"github.com/rowjay/lbdump/internal/db/dbtest"
	"github.com/rowjay/lbdump/internal/dumpname"
	"github.com/rowjay/lbdump/internal/tables"
)

func newDumper(t *testing.T, store db.Store, opts Options) (*Dumper, Destinations) {
	t.Helper()
	if opts.Prefix == "" {
		opts.Prefix = "listenbrainz"
	}
	if opts.Compression == "" {
		opts.Compression = compress.TypeZstd
	}
	root := t.TempDir()
	dest := Destinations{Public: filepath.Join(root, "public"), Private: filepath.Join(root, "private")}
	return New(store, tables.Default(), opts, zerolog.Nop()), dest
}

func extract(t *testing.T, archivePath string, key []byte) (string, Manifest) {
	t.Helper()
	dir := t.TempDir()
	names, err := archive.Extract(context.Background(), archivePath, dir, archive.ReadOptions{Key: key})
	require.NoError(t, err)
	require.NotEmpty(t, names)
	root := filepath.Join(dir, strings.Split(names[0], "/")[0])
	m, err := ReadManifest(filepath.Join(root, MemberManifest))
	require.NoError(t, err)
	return root, m
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	if len(data) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestDumpDatabaseCreatesBothArchives(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewSQLite(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	id := dbtest.CreateUser(t, store, 1, "test_user", created)
	dbtest.AddFeedback(t, store, id, "d23f4719-9212-49f0-ad08-ddbfbfc50d6f", 1, created)

	d, dest := newDumper(t, store, Options{})
	now := time.Date(2024, 2, 1, 4, 0, 3, 0, time.UTC)
	res, err := d.DumpDatabase(ctx, dumpname.Full, dest, now)
	require.NoError(t, err)

	assert.FileExists(t, res.Public)
	assert.FileExists(t, res.Private)
	assert.FileExists(t, archive.ChecksumPath(res.Public))
	assert.FileExists(t, archive.ChecksumPath(res.Private))
	assert.Equal(t, dest.Public, filepath.Dir(res.Public))
	assert.True(t, strings.HasSuffix(res.Private, ".private.tar.zst"))

	parsedID, ts, err := dumpname.ParseWithID(dumpname.Base(res.Public))
	require.NoError(t, err)
	assert.Equal(t, res.ID, parsedID)
	assert.Equal(t, now, ts)
	assert.Equal(t, "listenbrainz-dump-1-20240201-040003-full", res.Name)

	root, m := extract(t, res.Private, nil)
	assert.Equal(t, tables.Private, m.Tier)
	assert.Equal(t, db.DialectSQLite, m.Dialect)
	assert.Equal(t, db.SchemaSequence, m.SchemaSequence)
	assert.Equal(t, res.RunID, m.RunID)
	ledgerEntry, ok := m.Table("data_dump")
	require.True(t, ok)
	assert.Equal(t, int64(1), ledgerEntry.Rows)
	assert.Len(t, readLines(t, filepath.Join(root, DataDir, "data_dump")), 1)
	users := readLines(t, filepath.Join(root, DataDir, "user"))
	require.Len(t, users, 1)
	assert.Contains(t, users[0], "test_user@example.org")
	assert.FileExists(t, filepath.Join(root, SchemaDir, "user.sql"))
	assert.FileExists(t, filepath.Join(root, MemberCopying))

	root, m = extract(t, res.Public, nil)
	assert.Equal(t, tables.Public, m.Tier)
	users = readLines(t, filepath.Join(root, DataDir, "user"))
	require.Len(t, users, 1)
	assert.Len(t, strings.Split(users[0], "\t"), 4)
	assert.NotContains(t, users[0], "example.org")
	feedback, ok := m.Table("recording_feedback")
	require.True(t, ok)
	assert.Equal(t, int64(1), feedback.Rows)
	_, ok = m.Table("data_dump")
	assert.False(t, ok)
}

func TestDumpDatabaseEmptyStore(t *testing.T) {
	store := dbtest.NewSQLite(t)
	d, dest := newDumper(t, store, Options{Compression: compress.TypeGzip})
	res, err := d.DumpDatabase(context.Background(), dumpname.Full, dest, time.Now())
	require.NoError(t, err)
	assert.FileExists(t, res.Public)
	assert.FileExists(t, res.Private)
	assert.True(t, strings.HasSuffix(res.Public, ".public.tar.gz"))
}

func TestIncrementalDump(t *testing.T) {
	ctx := context.Background()
	store := dbtest.NewSQLite(t)
	d, dest := newDumper(t, store, Options{})

	_, err := d.DumpDatabase(ctx, dumpname.Incremental, dest, time.Now())
	require.Error(t, err)

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := dbtest.CreateUser(t, store, 1, "old", first.Add(-time.Hour))
	dbtest.AddFeedback(t, store, old, "old-msid", 1, first.Add(-time.Hour))
	_, err = d.DumpDatabase(ctx, dumpname.Full, dest, first)
	require.NoError(t, err)

	dbtest.AddFeedback(t, store, old, "new-msid", -1, first.Add(time.Hour))
	res, err := d.DumpDatabase(ctx, dumpname.Incremental, dest, first.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, strings.Contains(filepath.Base(res.Public), "-incremental."))

	root, m := extract(t, res.Public, nil)
	require.NotNil(t, m.Since)
	assert.Equal(t, first, *m.Since)
	assert.Equal(t, res.ID-1, m.BaseID)
	feedback := readLines(t, filepath.Join(root, DataDir, "recording_feedback"))
	require.Len(t, feedback, 1)
	assert.Contains(t, feedback[0], "new-msid")
	assert.Empty(t, readLines(t, filepath.Join(root, DataDir, "user")))

	_, m = extract(t, res.Private, nil)
	assert.ElementsMatch(t, []string{"user_setting", "external_service_oauth"}, m.Skipped)
	entry, ok := m.Table("data_dump")
	require.True(t, ok)
	assert.Equal(t, int64(1), entry.Rows)
}

func TestDumpFailureLeavesNoArchive(t *testing.T) {
	store := dbtest.NewSQLite(t)
	d, dest := newDumper(t, store, Options{})
	d.Registry.Public = append(d.Registry.Public, tables.Table{Name: "missing_table", Columns: []string{"id"}})

	_, err := d.DumpDatabase(context.Background(), dumpname.Full, dest, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing_table")

	for _, dir := range []string{dest.Public, dest.Private} {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
}

// fakeZstd puts a zstd on PATH that exits with status 3.
func fakeZstd(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zstd"), []byte("#!/bin/sh\nexit 3\n"), 0o755))
	t.Setenv("PATH", dir)
}

func TestExternalCompressorFailureAbortsDump(t *testing.T) {
	store := dbtest.NewSQLite(t)
	user := dbtest.CreateUser(t, store, 1, "rob", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	dbtest.AddFeedback(t, store, user, "msid", 1, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	fakeZstd(t)
	d, dest := newDumper(t, store, Options{Compression: compress.TypeZstdExternal})

	_, err := d.DumpDatabase(context.Background(), dumpname.Full, dest, time.Now())
	require.Error(t, err)
	var exitErr *compress.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)

	for _, dir := range []string{dest.Public, dest.Private} {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
}

func TestEncryptedPrivateArchive(t *testing.T) {
	store := dbtest.NewSQLite(t)
	key := make([]byte, 32)
	d, dest := newDumper(t, store, Options{Key: key})
	res, err := d.DumpDatabase(context.Background(), dumpname.Full, dest, time.Now())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.Private, ".private.tar.zst"+archive.EncryptedSuffix))
	assert.False(t, strings.HasSuffix(res.Public, archive.EncryptedSuffix))

	_, err = archive.Extract(context.Background(), res.Private, t.TempDir(), archive.ReadOptions{})
	assert.Error(t, err)
	_, m := extract(t, res.Private, key)
	assert.Equal(t, tables.Private, m.Tier)
}

func TestArchiveMembersLiveUnderDumpName(t *testing.T) {
	store := dbtest.NewSQLite(t)
	d, dest := newDumper(t, store, Options{})
	res, err := d.DumpDatabase(context.Background(), dumpname.Full, dest, time.Now())
	require.NoError(t, err)
	names, err := archive.Extract(context.Background(), res.Public, t.TempDir(), archive.ReadOptions{})
	require.NoError(t, err)
	for _, n := range names {
		assert.Equal(t, res.Name, strings.Split(n, "/")[0])
	}
	assert.Contains(t, names, path.Join(res.Name, MemberManifest))
}
