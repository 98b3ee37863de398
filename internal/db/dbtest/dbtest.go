// Package dbtest provides stores and fixtures for tests.
package dbtest

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rowjay/lbdump/internal/config"
	"github.com/rowjay/lbdump/internal/db"
)

// PostgresDSNEnv names the variable that enables PostgreSQL tests.
const PostgresDSNEnv = "LBDUMP_TEST_POSTGRES_DSN"

// NewSQLite returns an initialized store in a fresh temporary file.
func NewSQLite(t testing.TB) db.Store {
	t.Helper()
	store, err := db.OpenSQLite(filepath.Join(t.TempDir(), "lbdump.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, db.InitSchema(context.Background(), store))
	return store
}

// NewPostgres connects to the database named by LBDUMP_TEST_POSTGRES_DSN
// and resets its schema. The test is skipped when the variable is unset.
func NewPostgres(t testing.TB) db.Store {
	t.Helper()
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	store, err := db.Open(context.Background(), config.DatabaseConfig{Type: db.DialectPostgres, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, db.ResetSchema(context.Background(), store))
	return store
}

func exec(t testing.TB, store db.Store, query string, args ...any) {
	t.Helper()
	if store.Name() == db.DialectPostgres {
		query = rebind(query)
	}
	_, err := store.DB().ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

// rebind turns ? placeholders into $n.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CreateUser inserts a user and returns its generated id.
func CreateUser(t testing.TB, store db.Store, musicbrainzRowID int64, name string, created time.Time) int64 {
	t.Helper()
	query := `INSERT INTO "user" (created, musicbrainz_id, musicbrainz_row_id, auth_token, email) VALUES (?, ?, ?, ?, ?) RETURNING id`
	if store.Name() == db.DialectPostgres {
		query = rebind(query)
	}
	var id int64
	err := store.DB().QueryRowContext(context.Background(), query,
		created.UTC(), name, musicbrainzRowID, name+"-token", name+"@example.org").Scan(&id)
	require.NoError(t, err)
	return id
}

// AddFeedback inserts a recording feedback row.
func AddFeedback(t testing.TB, store db.Store, userID int64, msid string, score int, created time.Time) {
	t.Helper()
	exec(t, store, `INSERT INTO recording_feedback (user_id, recording_msid, score, created) VALUES (?, ?, ?, ?)`,
		userID, msid, score, created.UTC())
}

// AddSetting inserts a user setting row.
func AddSetting(t testing.TB, store db.Store, userID int64, timezone string) {
	t.Helper()
	exec(t, store, `INSERT INTO user_setting (user_id, timezone_name) VALUES (?, ?)`, userID, timezone)
}

// Count returns the row count of table.
func Count(t testing.TB, store db.Store, table string) int64 {
	t.Helper()
	n, err := db.CountRows(context.Background(), store, table)
	require.NoError(t, err)
	return n
}
