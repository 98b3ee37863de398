package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/lbdump/internal/db"
	"github.com/rowjay/lbdump/internal/dumpname"
	"github.com/rowjay/lbdump/internal/ledger"
	"github.com/rowjay/lbdump/internal/tables"
)

func newStore(t *testing.T) db.Store {
	t.Helper()
	store, err := db.OpenSQLite(filepath.Join(t.TempDir(), "export.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, db.InitSchema(context.Background(), store))
	return store
}

func ledgerTable(t *testing.T) tables.Table {
	t.Helper()
	table, ok := tables.Default().Lookup(tables.Private, ledger.Table)
	require.True(t, ok)
	return table
}

func TestExportLedgerLineCountMatchesRows(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	now := time.Date(2024, 2, 2, 2, 2, 2, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := l.AddEntry(ctx, now.Add(time.Duration(i)*time.Second), dumpname.Full)
		require.NoError(t, err)
	}

	dir := t.TempDir()
	rows, err := New(store, zerolog.Nop()).Export(ctx, ledgerTable(t), dir, nil)
	require.NoError(t, err)

	count, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, count, rows)

	data, err := os.ReadFile(filepath.Join(dir, ledger.Table))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Len(t, lines, int(count))
	assert.Equal(t, "1\t2024-02-02 02:02:02+00:00\tfull", lines[0])
}

func TestExportTruncatesExistingFile(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	dir := t.TempDir()
	table := ledgerTable(t)
	require.NoError(t, os.WriteFile(Path(dir, table), []byte("stale\nstale\n"), 0o600))

	rows, err := New(store, zerolog.Nop()).Export(ctx, table, dir, nil)
	require.NoError(t, err)
	assert.Zero(t, rows)

	data, err := os.ReadFile(Path(dir, table))
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestExportWritesNullAndEscapes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := store.DB().ExecContext(ctx,
		`INSERT INTO "user" (id, created, musicbrainz_id, musicbrainz_row_id, email) VALUES (1, ?, ?, 1, NULL)`,
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "tab\tname")
	require.NoError(t, err)

	table, ok := tables.Default().Lookup(tables.Private, "user")
	require.True(t, ok)
	dir := t.TempDir()
	_, err = New(store, zerolog.Nop()).Export(ctx, table, dir, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(Path(dir, table))
	require.NoError(t, err)
	fields := strings.Split(strings.TrimSuffix(string(data), "\n"), "\t")
	require.Len(t, fields, len(table.Columns))
	assert.Equal(t, `tab\tname`, fields[2])
	assert.Equal(t, `\N`, fields[6])
}

func TestExportFailureIsWrapped(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	_, err := New(store, zerolog.Nop()).Export(ctx, tables.Table{Name: "missing", Columns: []string{"id"}}, t.TempDir(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExport)
	assert.Contains(t, err.Error(), "missing")
}

func TestExportFilter(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	l := ledger.New(store)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := l.AddEntry(ctx, base, dumpname.Full)
	require.NoError(t, err)
	prev, err := l.Last(ctx, "")
	require.NoError(t, err)
	_, err = l.AddEntry(ctx, base.Add(time.Hour), dumpname.Incremental)
	require.NoError(t, err)

	rows, err := New(store, zerolog.Nop()).Export(ctx, ledgerTable(t), t.TempDir(), &db.Filter{Column: "created", After: prev.Created})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
}
