// Package export streams single tables into flat files.
package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/rowjay/lbdump/internal/db"
	"github.com/rowjay/lbdump/internal/tables"
)

// ErrExport wraps every failure of a table or statistics export.
var ErrExport = errors.New("export failed")

// Exporter writes tables in COPY text format, one row per line.
type Exporter struct {
	Store db.Store
	Log   zerolog.Logger
}

func New(store db.Store, log zerolog.Logger) *Exporter {
	return &Exporter{Store: store, Log: log}
}

// Path returns the file a table is exported to inside dir.
func Path(dir string, table tables.Table) string {
	return filepath.Join(dir, table.Name)
}

// Export writes table.Columns of every row of table (or only the rows
// selected by filter) to dir/<table name>, truncating an existing file.
// Rows are streamed from the store; a failure leaves whatever was written
// in place.
func (e *Exporter) Export(ctx context.Context, table tables.Table, dir string, filter *db.Filter) (int64, error) {
	path := Path(dir, table)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrExport, table.Name, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	rows, err := e.Store.CopyOut(ctx, table.Name, table.Columns, filter, w)
	if err != nil {
		return rows, fmt.Errorf("%w: %s: %w", ErrExport, table.Name, err)
	}
	if err := w.Flush(); err != nil {
		return rows, fmt.Errorf("%w: %s: %w", ErrExport, table.Name, err)
	}
	if err := file.Close(); err != nil {
		return rows, fmt.Errorf("%w: %s: %w", ErrExport, table.Name, err)
	}

	ev := e.Log.Debug().Str("table", table.Name).Int64("rows", rows).Str("path", path)
	if filter != nil {
		ev = ev.Time("since", filter.After)
	}
	ev.Msg("table exported")
	return rows, nil
}
