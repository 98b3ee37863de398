package db

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/lbdump/internal/config"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	store, err := Open(context.Background(), config.DatabaseConfig{
		Type:       "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, InitSchema(context.Background(), store))
	return store
}

func TestSQLiteCopyOutAndLoad(t *testing.T) {
	ctx := context.Background()
	src := openTestSQLite(t)

	created := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	_, err := src.DB().ExecContext(ctx,
		`INSERT INTO "user" (id, created, musicbrainz_id, musicbrainz_row_id, auth_token, email, is_paused) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		7, created, "rob", 1, "tok\tx", nil, true)
	require.NoError(t, err)

	columns := []string{"id", "created", "musicbrainz_id", "musicbrainz_row_id", "auth_token", "email", "is_paused"}
	var buf bytes.Buffer
	n, err := src.CopyOut(ctx, "user", columns, nil, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), `tok\tx`)
	assert.Contains(t, buf.String(), `\N`)

	dst := openTestSQLite(t)
	err = dst.Load(ctx, func(ctx context.Context, l Loader) error {
		empty, err := l.IsEmpty(ctx, "user")
		require.NoError(t, err)
		assert.True(t, empty)
		loaded, err := l.CopyIn(ctx, "user", columns, bytes.NewReader(buf.Bytes()))
		assert.Equal(t, int64(1), loaded)
		if err != nil {
			return err
		}
		return l.AdvanceSequence(ctx, "user", "id")
	})
	require.NoError(t, err)

	var again bytes.Buffer
	_, err = dst.CopyOut(ctx, "user", columns, nil, &again)
	require.NoError(t, err)
	assert.Equal(t, buf.String(), again.String())

	// New rows continue after the restored id.
	var next int64
	err = dst.DB().QueryRowContext(ctx,
		`INSERT INTO "user" (created, musicbrainz_id, musicbrainz_row_id) VALUES (?, ?, ?) RETURNING id`,
		created, "other", 2).Scan(&next)
	require.NoError(t, err)
	assert.Greater(t, next, int64(7))
}

func TestSQLiteKeepsTimestampOffset(t *testing.T) {
	ctx := context.Background()
	src := openTestSQLite(t)
	login := time.Date(2024, 3, 2, 0, 0, 0, 0, time.FixedZone("CET", 3600))
	_, err := src.DB().ExecContext(ctx,
		`INSERT INTO "user" (id, created, musicbrainz_id, musicbrainz_row_id, last_login) VALUES (?, ?, ?, ?, ?)`,
		3, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "cet", 3, login)
	require.NoError(t, err)

	columns := []string{"id", "musicbrainz_id", "musicbrainz_row_id", "created", "last_login"}
	var buf bytes.Buffer
	_, err = src.CopyOut(ctx, "user", columns, nil, &buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "2024-03-02 00:00:00+01:00")

	dst := openTestSQLite(t)
	require.NoError(t, dst.Load(ctx, func(ctx context.Context, l Loader) error {
		_, err := l.CopyIn(ctx, "user", columns, bytes.NewReader(buf.Bytes()))
		return err
	}))

	text := func(store Store) string {
		var s string
		require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT last_login || '' FROM "user" WHERE id = 3`).Scan(&s))
		return s
	}
	assert.Equal(t, "2024-03-02 00:00:00+01:00", text(dst))
	assert.Equal(t, text(src), text(dst))

	var restored time.Time
	require.NoError(t, dst.DB().QueryRowContext(ctx, `SELECT last_login FROM "user" WHERE id = 3`).Scan(&restored))
	_, offset := restored.Zone()
	assert.Equal(t, 3600, offset)
	assert.True(t, login.Equal(restored))
}

func TestSQLiteCopyOutFilter(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := store.DB().ExecContext(ctx,
			`INSERT INTO data_dump (created, dump_type) VALUES (?, ?)`, base.Add(time.Duration(i)*time.Hour), "full")
		require.NoError(t, err)
	}
	var buf bytes.Buffer
	n, err := store.CopyOut(ctx, "data_dump", []string{"id", "created"}, &Filter{Column: "created", After: base}, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.True(t, strings.HasPrefix(buf.String(), "2\t"))
}

func TestSQLiteLoadRollsBack(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)
	err := store.Load(ctx, func(ctx context.Context, l Loader) error {
		_, err := l.CopyIn(ctx, "data_dump", []string{"id", "created", "dump_type"},
			strings.NewReader("1\t2024-01-01 00:00:00+00:00\tfull\n2\tonly-two-columns\n"))
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "row 2 has 2 columns")

	n, err := CountRows(ctx, store, "data_dump")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResetSchemaEmptiesTables(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)
	_, err := store.DB().ExecContext(ctx, `INSERT INTO data_dump (created, dump_type) VALUES (?, ?)`, time.Now().UTC(), "full")
	require.NoError(t, err)

	require.NoError(t, ResetSchema(ctx, store))
	n, err := CountRows(ctx, store, "data_dump")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTableDDL(t *testing.T) {
	ddl, err := TableDDL(DialectPostgres, "user")
	require.NoError(t, err)
	assert.Contains(t, ddl, "SERIAL PRIMARY KEY")
	_, err = TableDDL(DialectSQLite, "missing")
	assert.Error(t, err)
	_, err = TableDDL("oracle", "user")
	assert.Error(t, err)
	assert.Equal(t, "user", SchemaTables()[0])
}

func TestSelectQuery(t *testing.T) {
	q := selectQuery("user", []string{"id", "created"}, &Filter{Column: "created"}, "?")
	assert.Equal(t, `SELECT "id", "created" FROM "user" WHERE "created" > ? ORDER BY 1, 2`, q)
}
