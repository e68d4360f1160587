package commands

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhppoted/db-to-sheets/config"
	"github.com/uhppoted/db-to-sheets/table"
	"github.com/uhppoted/db-to-sheets/workbook"
)

// Writer uploads extracted rows into the destination table in fixed size batches.
type Writer struct {
	workbook  workbook.Workbook
	ref       workbook.Ref
	batchSize int
	delay     time.Duration
	truncate  bool
	sleep     func(context.Context, time.Duration) error
	log       *zap.Logger
}

// Uploaded summarises a completed upload.
type Uploaded struct {
	Table   *workbook.Table
	Rows    int
	Batches int
}

func NewWriter(w workbook.Workbook, c *config.Config, log *zap.Logger) *Writer {
	return &Writer{
		workbook:  w,
		ref:       target(c),
		batchSize: c.Upload.BatchSize,
		delay:     c.Upload.Delay,
		truncate:  c.Upload.Truncate,
		sleep:     pause,
		log:       log,
	}
}

// Write resolves (or creates) the destination table, makes sure it has a header row and then
// appends the rows one batch at a time. Batches already written are not rolled back if a later
// batch fails.
func (w *Writer) Write(ctx context.Context, columns table.Columns, rows []table.Row) (*Uploaded, error) {
	t, err := w.resolve(ctx, columns, rows)
	if err != nil {
		return nil, err
	}

	if err := w.header(ctx, t, columns); err != nil {
		return nil, err
	}

	if w.truncate {
		w.log.Info("Clearing existing rows", zap.String("table", t.Name))
		if err := w.workbook.Clear(ctx, t); err != nil {
			w.log.Error("Error clearing table", zap.String("table", t.Name), zap.Error(err))
			return nil, err
		}
	}

	uploaded := Uploaded{
		Table: t,
	}

	batches := table.Batches(table.FormatRows(rows), w.batchSize)

	for i, batch := range batches {
		if i > 0 {
			if err := w.sleep(ctx, w.delay); err != nil {
				return &uploaded, err
			}
		}

		if err := w.workbook.AppendRows(ctx, t, batch); err != nil {
			w.log.Error("Error uploading batch", zap.Int("batch", i+1), zap.Int("rows", len(batch)), zap.Error(err))
			return &uploaded, err
		}

		uploaded.Rows += len(batch)
		uploaded.Batches++

		w.log.Info("Uploaded batch", zap.Int("batch", i+1), zap.Int("of", len(batches)), zap.Int("rows", len(batch)), zap.Int("total", uploaded.Rows))
	}

	return &uploaded, nil
}

func (w *Writer) resolve(ctx context.Context, columns table.Columns, rows []table.Row) (*workbook.Table, error) {
	t, err := w.workbook.Table(ctx, w.ref)
	if err != nil {
		w.log.Error("Error resolving destination table", zap.String("worksheet", w.ref.Worksheet), zap.String("table", w.ref.Table), zap.Error(err))
		return nil, err
	}

	if t != nil {
		w.log.Info("Found destination table", zap.String("table", t.Name), zap.String("worksheet", t.Worksheet))

		if t.Width < int64(len(columns)) {
			w.log.Warn("Destination table is narrower than the query result", zap.Int64("table", t.Width), zap.Int("columns", len(columns)))
			widened := *t
			widened.Width = int64(len(columns))
			t = &widened
		}

		return t, nil
	}

	address := table.Address(len(columns), len(rows)+1)

	w.log.Info("Creating destination table", zap.String("table", w.ref.Table), zap.String("worksheet", w.ref.Worksheet), zap.String("range", address))

	t, err = w.workbook.CreateTable(ctx, w.ref, address)
	if err != nil {
		w.log.Error("Error creating destination table", zap.String("table", w.ref.Table), zap.Error(err))
		return nil, err
	}

	return t, nil
}

func (w *Writer) header(ctx context.Context, t *workbook.Table, columns table.Columns) error {
	header, err := w.workbook.Header(ctx, t)
	if err != nil {
		w.log.Error("Error reading table header", zap.String("table", t.Name), zap.Error(err))
		return err
	}

	if !blank(header) {
		if !matches(header, columns) {
			w.log.Warn("Table header does not match query columns", zap.Any("header", header), zap.Strings("columns", columns))
		}

		return nil
	}

	if len(columns) == 0 {
		return nil
	}

	w.log.Info("Writing table header", zap.Strings("columns", columns))

	if err := w.workbook.WriteHeader(ctx, t, columns); err != nil {
		w.log.Error("Error writing table header", zap.String("table", t.Name), zap.Error(err))
		return err
	}

	return nil
}

func blank(header []any) bool {
	for _, v := range header {
		if table.Normalise(v) != "" {
			return false
		}
	}

	return true
}

func matches(header []any, columns table.Columns) bool {
	h := table.NormaliseRow(header, len(columns))
	if len(h) != len(columns) {
		return false
	}

	for i, c := range columns {
		if normalise(h[i]) != normalise(c) {
			return false
		}
	}

	return true
}

// pause waits for d unless the context is cancelled first.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("upload interrupted (%w)", ctx.Err())
	case <-timer.C:
		return nil
	}
}
