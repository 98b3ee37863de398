package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rowjay/lbdump/internal/config"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Store is the relational store the dump pipeline reads from and restores
// into.
type Store interface {
	Name() string
	DB() *sql.DB
	Ping(ctx context.Context) error
	// CopyOut streams the given columns of every selected row of table
	// into w in COPY text format and returns the number of rows written.
	// Rows are read through a server-side cursor, never materialized.
	CopyOut(ctx context.Context, table string, columns []string, filter *Filter, w io.Writer) (int64, error)
	// Load runs fn inside one transaction. The transaction commits only
	// when fn returns nil.
	Load(ctx context.Context, fn func(ctx context.Context, l Loader) error) error
	Close() error
}

// Loader applies schema and rows inside the transaction opened by
// Store.Load. Implementations are safe for concurrent use; calls are
// serialized on the underlying connection.
type Loader interface {
	Exec(ctx context.Context, query string) error
	IsEmpty(ctx context.Context, table string) (bool, error)
	// CopyIn loads COPY text rows from r into table and returns the
	// number of rows loaded.
	CopyIn(ctx context.Context, table string, columns []string, r io.Reader) (int64, error)
	// AdvanceSequence makes the next generated value of column greater
	// than every restored value.
	AdvanceSequence(ctx context.Context, table, column string) error
}

// Filter restricts an export to rows whose Column is after a point in
// time.
type Filter struct {
	Column string
	After  time.Time
}

// Open connects to the store described by cfg.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch strings.ToLower(cfg.Type) {
	case "sqlite", "sqlite3", "":
		store, err = OpenSQLite(cfg.SQLitePath)
	case "postgres", "postgresql":
		store, err = OpenPostgres(postgresDSN(cfg))
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// QuoteIdent quotes an identifier for both supported dialects.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Placeholder returns the n-th (1-based) bind parameter of the dialect.
func Placeholder(dialect string, n int) string {
	if dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func quoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// selectQuery builds the export query. Rows are ordered by every exported
// column so two dumps of the same state produce the same file.
func selectQuery(table string, columns []string, filter *Filter, placeholder string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", quoteColumns(columns), QuoteIdent(table))
	if filter != nil {
		fmt.Fprintf(&b, " WHERE %s > %s", QuoteIdent(filter.Column), placeholder)
	}
	b.WriteString(" ORDER BY ")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d", i+1)
	}
	return b.String()
}
