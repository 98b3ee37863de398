package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/rowjay/lbdump/internal/config"
)

type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens a PostgreSQL store through the pgx database/sql
// driver. COPY streaming uses the underlying pgx connection.
func OpenPostgres(dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn or host/database is required")
	}
	handle, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &Postgres{db: handle}, nil
}

func (p *Postgres) Name() string { return DialectPostgres }

func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// withConn hands fn the pgx connection behind one pooled database/sql
// connection.
func (p *Postgres) withConn(ctx context.Context, fn func(conn *pgx.Conn) error) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		return fn(sc.Conn())
	})
}

func (p *Postgres) CopyOut(ctx context.Context, table string, columns []string, filter *Filter, w io.Writer) (int64, error) {
	literal := ""
	if filter != nil {
		literal = "'" + filter.After.UTC().Format(time.RFC3339Nano) + "'::timestamptz"
	}
	query := "COPY (" + selectQuery(table, columns, filter, literal) + ") TO STDOUT"
	var rows int64
	err := p.withConn(ctx, func(conn *pgx.Conn) error {
		tag, err := conn.PgConn().CopyTo(ctx, w, query)
		if err != nil {
			return fmt.Errorf("copy out %s: %w", table, err)
		}
		rows = tag.RowsAffected()
		return nil
	})
	return rows, err
}

func (p *Postgres) Load(ctx context.Context, fn func(ctx context.Context, l Loader) error) error {
	return p.withConn(ctx, func(conn *pgx.Conn) error {
		return pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			return fn(ctx, &postgresLoader{tx: tx})
		})
	})
}

type postgresLoader struct {
	mu sync.Mutex
	tx pgx.Tx
}

func (l *postgresLoader) Exec(ctx context.Context, query string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.tx.Exec(ctx, query)
	return err
}

func (l *postgresLoader) IsEmpty(ctx context.Context, table string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var exists bool
	if err := l.tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+QuoteIdent(table)+")").Scan(&exists); err != nil {
		return false, err
	}
	return !exists, nil
}

func (l *postgresLoader) CopyIn(ctx context.Context, table string, columns []string, r io.Reader) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	query := fmt.Sprintf("COPY %s (%s) FROM STDIN", QuoteIdent(table), quoteColumns(columns))
	tag, err := l.tx.Conn().PgConn().CopyFrom(ctx, r, query)
	if err != nil {
		return 0, fmt.Errorf("copy into %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func (l *postgresLoader) AdvanceSequence(ctx context.Context, table, column string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	query := fmt.Sprintf(
		"SELECT setval(pg_get_serial_sequence('%s', '%s'), COALESCE((SELECT MAX(%s) FROM %s), 0) + 1, false)",
		QuoteIdent(table), column, QuoteIdent(column), QuoteIdent(table),
	)
	_, err := l.tx.Exec(ctx, query)
	return err
}

// postgresDSN builds a connection URL from the discrete fields unless a
// DSN is configured.
func postgresDSN(cfg config.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	if cfg.Host == "" && cfg.Database == "" {
		return ""
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   cfg.Host + ":" + portOrDefault(cfg.Port, 5432),
		Path:   "/" + cfg.Database,
	}
	if cfg.Username != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.Username, cfg.Password)
		} else {
			u.User = url.User(cfg.Username)
		}
	}
	q := url.Values{}
	for k, v := range cfg.Params {
		q.Set(k, v)
	}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	if cfg.ConnectionTimeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(cfg.ConnectionTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func portOrDefault(port int, def int) string {
	if port == 0 {
		return strconv.Itoa(def)
	}
	return strconv.Itoa(port)
}
