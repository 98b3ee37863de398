package restore

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
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
	"github.com/rowjay/lbdump/internal/dump"
	"github.com/rowjay/lbdump/internal/dumpname"
	"github.com/rowjay/lbdump/internal/tables"
)

const msid = "d23f4719-9212-49f0-ad08-ddbfbfc50d6f"

var created = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func dumpStore(t *testing.T, store db.Store, dumpType dumpname.DumpType, now time.Time, dest dump.Destinations) dump.Result {
	t.Helper()
	d := dump.New(store, tables.Default(), dump.Options{Prefix: "listenbrainz", Compression: compress.TypeZstd}, zerolog.Nop())
	res, err := d.DumpDatabase(context.Background(), dumpType, dest, now)
	require.NoError(t, err)
	return res
}

func destinations(t *testing.T) dump.Destinations {
	root := t.TempDir()
	return dump.Destinations{Public: filepath.Join(root, "public"), Private: filepath.Join(root, "private")}
}

func seeded(t *testing.T) (db.Store, int64) {
	t.Helper()
	store := dbtest.NewSQLite(t)
	id := dbtest.CreateUser(t, store, 1, "test_user", created)
	dbtest.AddFeedback(t, store, id, msid, 1, created)
	dbtest.AddSetting(t, store, id, "Europe/Berlin")
	return store, id
}

func TestImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, oneID := seeded(t)
	res := dumpStore(t, store, dumpname.Full, created.Add(time.Hour), destinations(t))

	for _, threads := range []int{1, 2} {
		require.NoError(t, db.ResetSchema(ctx, store))
		assert.Zero(t, dbtest.Count(t, store, "user"))
		assert.Zero(t, dbtest.Count(t, store, "recording_feedback"))

		sum, err := New(store, tables.Default(), zerolog.Nop()).Import(ctx, Request{
			PrivatePath: res.Private,
			PublicPath:  res.Public,
			Threads:     threads,
		})
		require.NoError(t, err)
		require.Len(t, sum.Archives, 2)
		assert.Equal(t, []string{"user"}, sum.Archives[1].Skipped)
		assert.Equal(t, res.ID, sum.Archives[0].DumpID)

		assert.Equal(t, int64(1), dbtest.Count(t, store, "user"))
		assert.Equal(t, int64(1), dbtest.Count(t, store, "recording_feedback"))
		assert.Equal(t, int64(1), dbtest.Count(t, store, "user_setting"))
		assert.Equal(t, int64(1), dbtest.Count(t, store, "data_dump"))

		var (
			userID int64
			score  int
			email  string
		)
		err = store.DB().QueryRowContext(ctx, `SELECT user_id, score FROM recording_feedback WHERE recording_msid = ?`, msid).Scan(&userID, &score)
		require.NoError(t, err)
		assert.Equal(t, oneID, userID)
		assert.Equal(t, 1, score)
		err = store.DB().QueryRowContext(ctx, `SELECT email FROM "user" WHERE id = ?`, oneID).Scan(&email)
		require.NoError(t, err)
		assert.Equal(t, "test_user@example.org", email)
	}

	twoID := dbtest.CreateUser(t, store, 2, "vnskprk", time.Now())
	assert.Greater(t, twoID, oneID)
}

func TestImportIntoFreshStore(t *testing.T) {
	ctx := context.Background()
	src, _ := seeded(t)
	res := dumpStore(t, src, dumpname.Full, created.Add(time.Hour), destinations(t))

	target, err := db.OpenSQLite(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer target.Close()

	_, err = New(target, tables.Default(), zerolog.Nop()).Import(ctx, Request{PrivatePath: res.Private, PublicPath: res.Public, Threads: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(1), dbtest.Count(t, target, "user"))
	assert.Equal(t, int64(1), dbtest.Count(t, target, "recording_feedback"))
}

func TestImportRefusesNonEmptyTarget(t *testing.T) {
	ctx := context.Background()
	store, _ := seeded(t)
	res := dumpStore(t, store, dumpname.Full, created.Add(time.Hour), destinations(t))

	_, err := New(store, tables.Default(), zerolog.Nop()).Import(ctx, Request{PrivatePath: res.Private, PublicPath: res.Public})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrImport)
	assert.ErrorIs(t, err, ErrTargetNotEmpty)
	assert.Equal(t, int64(1), dbtest.Count(t, store, "user"))
	assert.Equal(t, int64(1), dbtest.Count(t, store, "recording_feedback"))
}

func TestImportPrivateOnly(t *testing.T) {
	ctx := context.Background()
	store, _ := seeded(t)
	res := dumpStore(t, store, dumpname.Full, created.Add(time.Hour), destinations(t))
	require.NoError(t, db.ResetSchema(ctx, store))

	sum, err := New(store, tables.Default(), zerolog.Nop()).Import(ctx, Request{PrivatePath: res.Private})
	require.NoError(t, err)
	require.Len(t, sum.Archives, 1)
	assert.Equal(t, int64(1), dbtest.Count(t, store, "user"))
	assert.Equal(t, int64(1), dbtest.Count(t, store, "user_setting"))
	assert.Zero(t, dbtest.Count(t, store, "recording_feedback"))
}

func TestImportPublicOnly(t *testing.T) {
	ctx := context.Background()
	store, id := seeded(t)
	res := dumpStore(t, store, dumpname.Full, created.Add(time.Hour), destinations(t))
	require.NoError(t, db.ResetSchema(ctx, store))

	_, err := New(store, tables.Default(), zerolog.Nop()).Import(ctx, Request{PublicPath: res.Public, Threads: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), dbtest.Count(t, store, "recording_feedback"))
	var email *string
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT email FROM "user" WHERE id = ?`, id).Scan(&email))
	assert.Nil(t, email)
	assert.Zero(t, dbtest.Count(t, store, "data_dump"))
}

func TestImportIncrementalOnBase(t *testing.T) {
	ctx := context.Background()
	store, id := seeded(t)
	dest := destinations(t)
	full := dumpStore(t, store, dumpname.Full, created.Add(time.Hour), dest)
	dbtest.AddFeedback(t, store, id, "second-msid", -1, created.Add(2*time.Hour))
	inc := dumpStore(t, store, dumpname.Incremental, created.Add(3*time.Hour), dest)

	require.NoError(t, db.ResetSchema(ctx, store))
	importer := New(store, tables.Default(), zerolog.Nop())

	_, err := importer.Import(ctx, Request{PrivatePath: inc.Private, PublicPath: inc.Public})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a base")

	_, err = importer.Import(ctx, Request{
		PrivateBasePath: full.Private,
		PrivatePath:     inc.Private,
		PublicBasePath:  full.Public,
		PublicPath:      inc.Public,
		Threads:         2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), dbtest.Count(t, store, "user"))
	assert.Equal(t, int64(2), dbtest.Count(t, store, "recording_feedback"))
	assert.Equal(t, int64(2), dbtest.Count(t, store, "data_dump"))
}

func TestImportRejectsIncrementalWithGap(t *testing.T) {
	ctx := context.Background()
	store, id := seeded(t)
	dest := destinations(t)
	full := dumpStore(t, store, dumpname.Full, created.Add(time.Hour), dest)
	dbtest.AddFeedback(t, store, id, "second-msid", -1, created.Add(2*time.Hour))
	inc2 := dumpStore(t, store, dumpname.Incremental, created.Add(3*time.Hour), dest)
	dbtest.AddFeedback(t, store, id, "third-msid", 1, created.Add(4*time.Hour))
	inc3 := dumpStore(t, store, dumpname.Incremental, created.Add(5*time.Hour), dest)
	require.Equal(t, int64(3), dbtest.Count(t, store, "recording_feedback"))

	require.NoError(t, db.ResetSchema(ctx, store))
	importer := New(store, tables.Default(), zerolog.Nop())

	_, err := importer.Import(ctx, Request{
		PrivateBasePath: full.Private,
		PrivatePath:     inc3.Private,
		PublicBasePath:  full.Public,
		PublicPath:      inc3.Public,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "follows dump "+strconv.FormatInt(inc2.ID, 10))
	assert.Zero(t, dbtest.Count(t, store, "recording_feedback"))

	_, err = importer.Import(ctx, Request{
		PrivateBasePath: full.Private,
		PrivatePath:     inc2.Private,
		PublicBasePath:  full.Public,
		PublicPath:      inc2.Public,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), dbtest.Count(t, store, "recording_feedback"))
}

func TestImportRejectsWrongTier(t *testing.T) {
	ctx := context.Background()
	store, _ := seeded(t)
	res := dumpStore(t, store, dumpname.Full, created.Add(time.Hour), destinations(t))
	require.NoError(t, db.ResetSchema(ctx, store))

	_, err := New(store, tables.Default(), zerolog.Nop()).Import(ctx, Request{PrivatePath: res.Public})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a private archive")
}

func TestImportChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	store, _ := seeded(t)
	res := dumpStore(t, store, dumpname.Full, created.Add(time.Hour), destinations(t))
	require.NoError(t, os.WriteFile(archive.ChecksumPath(res.Public), []byte(strings.Repeat("0", 64)+"  x\n"), 0o600))
	require.NoError(t, db.ResetSchema(ctx, store))

	_, err := New(store, tables.Default(), zerolog.Nop()).Import(ctx, Request{PrivatePath: res.Private, PublicPath: res.Public})
	require.Error(t, err)
	assert.ErrorIs(t, err, archive.ErrChecksumMismatch)
	assert.Zero(t, dbtest.Count(t, store, "user"))
}

// rewriteArchive rebuilds an archive after edit changed its extracted
// members.
func rewriteArchive(t *testing.T, path string, edit func(root string)) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	names, err := archive.Extract(ctx, path, dir, archive.ReadOptions{})
	require.NoError(t, err)
	edit(filepath.Join(dir, strings.Split(names[0], "/")[0]))

	require.NoError(t, os.Remove(archive.ChecksumPath(path)))
	w, err := archive.Create(ctx, path, archive.Options{Compression: compress.Detect(path)})
	require.NoError(t, err)
	for _, n := range names {
		src := filepath.Join(dir, filepath.FromSlash(n))
		if fi, err := os.Stat(src); err == nil && fi.IsDir() {
			continue
		}
		require.NoError(t, w.AddFile(n, src))
	}
	_, err = w.Commit()
	require.NoError(t, err)
}

func TestImportRollsBackOnRowCountMismatch(t *testing.T) {
	ctx := context.Background()
	store, id := seeded(t)
	res := dumpStore(t, store, dumpname.Full, created.Add(time.Hour), destinations(t))
	rewriteArchive(t, res.Public, func(root string) {
		f, err := os.OpenFile(filepath.Join(root, dump.DataDir, "recording_feedback"), os.O_APPEND|os.O_WRONLY, 0)
		require.NoError(t, err)
		_, err = f.WriteString("99\t" + strconv.FormatInt(id, 10) + "\textra\t\\N\t1\t2024-01-01 00:00:00+00:00\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())
	})
	require.NoError(t, db.ResetSchema(ctx, store))

	_, err := New(store, tables.Default(), zerolog.Nop()).Import(ctx, Request{PrivatePath: res.Private, PublicPath: res.Public, Threads: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest lists 1")
	assert.Zero(t, dbtest.Count(t, store, "user"))
	assert.Zero(t, dbtest.Count(t, store, "data_dump"))
}
