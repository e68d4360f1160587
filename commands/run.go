package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhppoted/db-to-sheets/config"
	"github.com/uhppoted/db-to-sheets/extract"
	"github.com/uhppoted/db-to-sheets/table"
	"github.com/uhppoted/db-to-sheets/workbook"
)

var RunCmd = Run{
	authorise: destination,
	connect:   connect,
}

// Run is the ETL command: extract the query result, upload it to the destination table and
// reconcile the two.
type Run struct {
	authorise func(context.Context, *config.Config, *zap.Logger) (workbook.Workbook, error)
	connect   func(context.Context, *config.Config, *zap.Logger) (Extractor, error)
}

// Extractor is the source side of a run.
type Extractor interface {
	Source
	Extract(ctx context.Context) (table.Columns, []table.Row, error)
	Close(ctx context.Context) error
}

// Report is logged at the end of every run.
type Report struct {
	Spreadsheet string
	Worksheet   string
	Table       string
	Rows        int
	Batches     int
	CountMatch  bool
	SampleMatch bool
	Revision    string
	Elapsed     time.Duration
	Err         error
}

func (cmd *Run) Name() string {
	return "run"
}

func (cmd *Run) Description() string {
	return "Extracts rows from the database, uploads them to a Google Sheets table and verifies the result"
}

// Execute validates the configuration, authorises the destination and connects to the source
// before doing anything else: a failure at any of those steps is returned. Failures after that are
// logged and reported but are not returned.
func (cmd *Run) Execute(ctx context.Context, c *config.Config, log *zap.Logger) error {
	log = log.With(zap.String("run", uuid.NewString()))

	if err := c.Validate(); err != nil {
		log.Error("Invalid configuration", zap.Error(err))
		return fmt.Errorf("invalid configuration (%w)", err)
	}

	if c.Interactive() {
		log.Warn("CLIENT_SECRET not set - using interactive browser authorisation")
	}

	w, err := cmd.authorise(ctx, c, log)
	if err != nil {
		log.Error("Destination authorisation failed", zap.Error(err))
		return err
	}

	source, err := cmd.connect(ctx, c, log)
	if err != nil {
		return err
	}

	defer source.Close(context.WithoutCancel(ctx))

	report := ETL(ctx, source, w, c, log)

	logReport(report, log)

	return nil
}

// ETL runs the extract, upload and reconcile steps and returns the run report. It does not return
// an error: a failed step stops the run and is recorded in the report.
func ETL(ctx context.Context, source Extractor, w workbook.Workbook, c *config.Config, log *zap.Logger) *Report {
	start := time.Now()
	report := Report{
		Spreadsheet: c.Target.Drive,
		Worksheet:   c.Target.Worksheet,
		Table:       c.Target.Table,
	}

	defer func() {
		report.Elapsed = time.Since(start)
	}()

	columns, rows, err := source.Extract(ctx)
	if err != nil {
		report.Err = fmt.Errorf("extract failed (%w)", err)
		return &report
	}

	uploaded, err := NewWriter(w, c, log).Write(ctx, columns, rows)
	if uploaded != nil {
		report.Rows = uploaded.Rows
		report.Batches = uploaded.Batches
	}

	if err != nil {
		report.Err = fmt.Errorf("upload failed (%w)", err)
		return &report
	}

	result, err := NewReconciler(source, w, c, log).Compare(ctx)
	if err != nil {
		report.Err = fmt.Errorf("reconciliation failed (%w)", err)
		return &report
	}

	report.CountMatch = result.CountMatch
	report.SampleMatch = result.SampleMatch

	if revision, err := w.Revision(ctx, target(c)); err != nil {
		log.Warn("Unable to retrieve spreadsheet revision", zap.Error(err))
	} else {
		report.Revision = fmt.Sprintf("%v (%v)", revision.ID, revision.Modified.Format(table.Timestamp))
	}

	return &report
}

func logReport(report *Report, log *zap.Logger) {
	fields := []zap.Field{
		zap.String("spreadsheet", report.Spreadsheet),
		zap.String("worksheet", report.Worksheet),
		zap.String("table", report.Table),
		zap.Int("rows", report.Rows),
		zap.Int("batches", report.Batches),
		zap.Bool("count-match", report.CountMatch),
		zap.Bool("sample-match", report.SampleMatch),
		zap.String("revision", report.Revision),
		zap.Duration("elapsed", report.Elapsed),
	}

	switch {
	case report.Err != nil:
		log.Error("Export FAILED", append(fields, zap.Error(report.Err))...)

	case !report.CountMatch || !report.SampleMatch:
		log.Warn("Export completed with verification errors", fields...)

	default:
		log.Info("Export completed", fields...)
	}
}

func destination(ctx context.Context, c *config.Config, log *zap.Logger) (workbook.Workbook, error) {
	client, err := Client(ctx, c, log)
	if err != nil {
		return nil, err
	}

	w, err := workbook.New(ctx, client, log)
	if err != nil {
		return nil, err
	}

	return w, nil
}

func connect(ctx context.Context, c *config.Config, log *zap.Logger) (Extractor, error) {
	x, err := extract.Connect(ctx, c, log)
	if err != nil {
		return nil, err
	}

	return x, nil
}
