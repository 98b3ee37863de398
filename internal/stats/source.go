package stats

import (
	"context"
	"fmt"
	"iter"

	"github.com/rowjay/lbdump/internal/db"
)

// RawRow is one pre-aggregated statistics row as the computation engine
// stored it. Data is the JSON payload, not yet validated.
type RawRow struct {
	UserID int64
	Data   []byte
	FromTS int64
	ToTS   int64
}

// Source yields the rows of one (type, range) pair. An error ends the
// sequence.
type Source interface {
	Rows(ctx context.Context, statType, statRange string) iter.Seq2[RawRow, error]
}

// StatisticsTable is where StoreSource reads from.
const StatisticsTable = "statistics"

// StoreSource reads the statistics table of the relational store.
type StoreSource struct {
	Store db.Store
}

func (s StoreSource) Rows(ctx context.Context, statType, statRange string) iter.Seq2[RawRow, error] {
	return func(yield func(RawRow, error) bool) {
		dialect := s.Store.Name()
		query := fmt.Sprintf(
			`SELECT user_id, data, from_ts, to_ts FROM %s WHERE stat_type = %s AND stat_range = %s ORDER BY user_id`,
			db.QuoteIdent(StatisticsTable), db.Placeholder(dialect, 1), db.Placeholder(dialect, 2))
		rows, err := s.Store.DB().QueryContext(ctx, query, statType, statRange)
		if err != nil {
			yield(RawRow{}, fmt.Errorf("query %s_%s: %w", statType, statRange, err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var r RawRow
			if err := rows.Scan(&r.UserID, &r.Data, &r.FromTS, &r.ToTS); err != nil {
				yield(RawRow{}, fmt.Errorf("read %s_%s: %w", statType, statRange, err))
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(RawRow{}, fmt.Errorf("read %s_%s: %w", statType, statRange, err))
		}
	}
}
