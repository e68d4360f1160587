package commands

import (
	"context"

	"go.uber.org/zap"

	"github.com/uhppoted/db-to-sheets/config"
	"github.com/uhppoted/db-to-sheets/extract"
	"github.com/uhppoted/db-to-sheets/table"
	"github.com/uhppoted/db-to-sheets/workbook"
)

// Source is the subset of the extractor used to reconcile an upload.
type Source interface {
	Count(ctx context.Context) (int64, error)
	Sample(ctx context.Context, n int) ([]table.Row, error)
}

// Reconciler compares the source query result with the uploaded destination table.
type Reconciler struct {
	source   Source
	workbook workbook.Workbook
	ref      workbook.Ref
	log      *zap.Logger
}

// Result is the outcome of a reconciliation. A missing destination table is reported as a
// mismatch on both counts.
type Result struct {
	CountMatch       bool
	SampleMatch      bool
	SourceCount      int64
	DestinationCount int64
}

func NewReconciler(source Source, w workbook.Workbook, c *config.Config, log *zap.Logger) *Reconciler {
	return &Reconciler{
		source:   source,
		workbook: w,
		ref:      target(c),
		log:      log,
	}
}

// Compare checks the source row count against the number of rows in the destination table and
// then compares the first few rows of each, cell by cell, after normalising both sides to strings.
func (r *Reconciler) Compare(ctx context.Context) (*Result, error) {
	result := Result{}

	count, err := r.source.Count(ctx)
	if err != nil {
		return nil, err
	}

	result.SourceCount = count

	exists, err := r.workbook.Exists(ctx, r.ref)
	if err != nil {
		r.log.Error("Error checking destination file", zap.String("file", r.ref.Drive), zap.Error(err))
		return nil, err
	} else if !exists {
		r.log.Warn("Destination file does not exist", zap.String("file", r.ref.Drive))
		return &result, nil
	}

	t, err := r.workbook.Table(ctx, r.ref)
	if err != nil {
		r.log.Error("Error resolving destination table", zap.String("table", r.ref.Table), zap.Error(err))
		return nil, err
	} else if t == nil {
		r.log.Warn("Destination table does not exist", zap.String("worksheet", r.ref.Worksheet), zap.String("table", r.ref.Table))
		return &result, nil
	}

	rows, err := r.workbook.Rows(ctx, t)
	if err != nil {
		r.log.Error("Error reading destination rows", zap.String("table", t.Name), zap.Error(err))
		return nil, err
	}

	result.DestinationCount = int64(len(rows))
	result.CountMatch = result.SourceCount == result.DestinationCount

	if !result.CountMatch {
		r.log.Warn("Row count mismatch", zap.Int64("source", result.SourceCount), zap.Int64("destination", result.DestinationCount))
	}

	sample, err := r.source.Sample(ctx, extract.SampleSize)
	if err != nil {
		return nil, err
	}

	result.SampleMatch = r.compare(sample, rows[:min(extract.SampleSize, len(rows))])

	return &result, nil
}

func (r *Reconciler) compare(source []table.Row, destination [][]any) bool {
	if len(source) != len(destination) {
		r.log.Warn("Sample size mismatch", zap.Int("source", len(source)), zap.Int("destination", len(destination)))
		return false
	}

	ok := true
	for i := range source {
		width := max(len(source[i]), len(destination[i]))
		p := table.NormaliseRow(source[i], width)
		q := table.NormaliseRow(destination[i], width)

		for j := range p {
			if p[j] != q[j] {
				r.log.Warn("Sample row mismatch", zap.Int("row", i+1), zap.Int("column", j+1), zap.String("source", p[j]), zap.String("destination", q[j]))
				ok = false
			}
		}
	}

	return ok
}
