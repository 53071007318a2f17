package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/storage"
)

// RecordWriter inserts processed rows into stream tables. Fields the table
// does not have are dropped with a warning instead of failing the batch.
type RecordWriter struct {
	db      *DB
	columns *storage.ColumnCache
	logger  *zap.Logger
}

var _ storage.RecordWriter = (*RecordWriter)(nil)

// NewRecordWriter creates a RecordWriter caching table columns for ttl
func NewRecordWriter(db *DB, ttl time.Duration, clk clock.Clock) *RecordWriter {
	w := &RecordWriter{
		db:     db,
		logger: logger.Get().With(zap.String("component", "record_writer")),
	}
	w.columns = storage.NewColumnCache(w.loadColumns, ttl, clk)
	return w
}

// WriteRecords implements storage.RecordWriter. All rows are inserted in one
// transaction.
func (w *RecordWriter) WriteRecords(ctx context.Context, table string, rows []map[string]any) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	known, err := w.columns.Columns(ctx, table)
	if err != nil {
		return 0, err
	}
	if len(known) == 0 {
		return 0, errors.Newf(errors.ErrorTypeSchema, "UndefinedTable: table %q does not exist", table)
	}

	batch := &pgx.Batch{}
	dropped := map[string]struct{}{}
	for _, row := range rows {
		filtered, lost := storage.FilterColumns(row, known)
		for _, c := range lost {
			dropped[c] = struct{}{}
		}
		if len(filtered) == 0 {
			continue
		}
		sql, args := insertStatement(table, filtered)
		batch.Queue(sql, args...)
	}
	if len(dropped) > 0 {
		w.logger.Warn("dropping fields missing from table",
			zap.String("table", table),
			zap.Strings("fields", sortedNames(dropped)))
	}
	if batch.Len() == 0 {
		return 0, nil
	}

	written := 0
	err = pgx.BeginFunc(ctx, w.db.Pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for i := 0; i < batch.Len(); i++ {
			tag, err := results.Exec()
			if err != nil {
				return err
			}
			written += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		w.columns.Invalidate(table)
		return 0, classify(err, "failed to insert records into "+table)
	}
	return written, nil
}

// insertStatement builds a parameterised INSERT with columns in name order
func insertStatement(table string, row map[string]any) (string, []any) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(), strings.Join(quoted, ", "), strings.Join(params, ", ")), args
}

func (w *RecordWriter) loadColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := w.db.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`, table)
	if err != nil {
		return nil, classify(err, "failed to read table columns")
	}
	defer rows.Close()

	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(err, "failed to read table columns")
	}
	return names, nil
}

func sortedNames(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
