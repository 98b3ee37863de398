// Package ledger records every database dump in the data_dump table. The
// ids it hands out name the dump archives and order them.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rowjay/lbdump/internal/db"
	"github.com/rowjay/lbdump/internal/dumpname"
)

// Table is the name of the ledger table.
const Table = "data_dump"

// ErrNoEntries is returned when no ledger entry matches.
var ErrNoEntries = errors.New("no dump entries")

type Entry struct {
	ID      int64
	Created time.Time
	Type    dumpname.DumpType
}

// Ledger is append-only: entries are never updated or deleted here.
type Ledger struct {
	store db.Store
}

func New(store db.Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) ph(n int) string { return db.Placeholder(l.store.Name(), n) }

// AddEntry records a dump created at created and returns its id. Ids
// strictly increase with insertion order.
func (l *Ledger) AddEntry(ctx context.Context, created time.Time, dumpType dumpname.DumpType) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %s (created, dump_type) VALUES (%s, %s) RETURNING id`,
		db.QuoteIdent(Table), l.ph(1), l.ph(2))
	var id int64
	if err := l.store.DB().QueryRowContext(ctx, query, created.UTC(), string(dumpType)).Scan(&id); err != nil {
		return 0, fmt.Errorf("add dump entry: %w", err)
	}
	return id, nil
}

// Entries returns every entry in ascending id order.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.store.DB().QueryContext(ctx,
		`SELECT id, created, dump_type FROM `+db.QuoteIdent(Table)+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list dump entries: %w", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list dump entries: %w", err)
	}
	return entries, nil
}

// Last returns the most recent entry of dumpType, or of any type when
// dumpType is empty.
func (l *Ledger) Last(ctx context.Context, dumpType dumpname.DumpType) (Entry, error) {
	query := `SELECT id, created, dump_type FROM ` + db.QuoteIdent(Table)
	var args []any
	if dumpType != "" {
		query += ` WHERE dump_type = ` + l.ph(1)
		args = append(args, string(dumpType))
	}
	query += ` ORDER BY id DESC LIMIT 1`
	return l.one(ctx, query, args...)
}

func (l *Ledger) Count(ctx context.Context) (int64, error) {
	return db.CountRows(ctx, l.store, Table)
}

func (l *Ledger) one(ctx context.Context, query string, args ...any) (Entry, error) {
	e, err := scanEntry(l.store.DB().QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNoEntries
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e   Entry
		typ string
	)
	if err := s.Scan(&e.ID, &e.Created, &typ); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("read dump entry: %w", err)
	}
	e.Created = e.Created.UTC()
	e.Type = dumpname.DumpType(typ)
	return e, nil
}
