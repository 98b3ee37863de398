package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// sqliteTimeLayout is the layout go-sqlite3 uses when binding time.Time
// values. Exported timestamps use it with their stored offset so restored
// rows keep the same text.
var sqliteTimeLayout = sqlite3.SQLiteTimestampFormats[0]

type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database file at path with
// foreign keys enforced.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite_path is required")
	}
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", "5000")
	params.Set("_txlock", "immediate")
	handle, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	// One connection keeps transactions and cursors on the same handle.
	handle.SetMaxOpenConns(1)
	return &SQLite{db: handle, path: path}, nil
}

func (s *SQLite) Name() string { return DialectSQLite }

func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CopyOut(ctx context.Context, table string, columns []string, filter *Filter, w io.Writer) (int64, error) {
	var args []any
	if filter != nil {
		args = append(args, filter.After.UTC())
	}
	rows, err := s.db.QueryContext(ctx, selectQuery(table, columns, filter, "?"), args...)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := NewRowWriter(w)
	values := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	fields := make([]*string, len(columns))
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return out.Rows(), fmt.Errorf("scan %s: %w", table, err)
		}
		for i, v := range values {
			fields[i] = sqliteText(v)
		}
		if err := out.WriteRow(fields); err != nil {
			return out.Rows(), err
		}
	}
	if err := rows.Err(); err != nil {
		return out.Rows(), fmt.Errorf("read %s: %w", table, err)
	}
	return out.Rows(), out.Flush()
}

func sqliteText(v any) *string {
	var s string
	switch t := v.(type) {
	case nil:
		return nil
	case int64:
		s = strconv.FormatInt(t, 10)
	case float64:
		s = strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		s = "0"
		if t {
			s = "1"
		}
	case []byte:
		s = string(t)
	case string:
		s = t
	case time.Time:
		s = t.Format(sqliteTimeLayout)
	default:
		s = fmt.Sprint(t)
	}
	return &s
}

func (s *SQLite) Load(ctx context.Context, fn func(ctx context.Context, l Loader) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, &sqliteLoader{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

type sqliteLoader struct {
	mu sync.Mutex
	tx *sql.Tx
}

func (l *sqliteLoader) Exec(ctx context.Context, query string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.tx.ExecContext(ctx, query)
	return err
}

func (l *sqliteLoader) IsEmpty(ctx context.Context, table string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var exists bool
	err := l.tx.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM "+QuoteIdent(table)+")").Scan(&exists)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (l *sqliteLoader) CopyIn(ctx context.Context, table string, columns []string, r io.Reader) (int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", QuoteIdent(table), quoteColumns(columns), placeholders)

	l.mu.Lock()
	stmt, err := l.tx.PrepareContext(ctx, query)
	l.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("prepare insert into %s: %w", table, err)
	}
	defer stmt.Close()

	in := NewRowReader(r)
	args := make([]any, len(columns))
	var n int64
	for {
		fields, err := in.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%s: %w", table, err)
		}
		if len(fields) != len(columns) {
			return n, fmt.Errorf("%s: row %d has %d columns, expected %d", table, n+1, len(fields), len(columns))
		}
		for i, f := range fields {
			if f == nil {
				args[i] = nil
			} else {
				args[i] = *f
			}
		}
		l.mu.Lock()
		_, err = stmt.ExecContext(ctx, args...)
		l.mu.Unlock()
		if err != nil {
			return n, fmt.Errorf("insert into %s row %d: %w", table, n+1, err)
		}
		n++
	}
}

// AdvanceSequence is a no-op: AUTOINCREMENT tables update sqlite_sequence
// whenever an explicit id larger than the current value is inserted.
func (l *sqliteLoader) AdvanceSequence(ctx context.Context, table, column string) error {
	return nil
}
