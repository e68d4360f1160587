// Package workbook locates, creates and reads the destination table in a Google Sheets spreadsheet.
//
// A table is a named range anchored on a worksheet: the first row of the range is the header row
// and the data rows follow directly below it. Rows are appended below the last populated row of
// the table columns, so the table grows with every upload.
package workbook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/uhppoted/db-to-sheets/table"
)

var (
	ErrNoSuchSpreadsheet = errors.New("no such spreadsheet")
	ErrNoSuchWorksheet   = errors.New("no such worksheet")
	ErrInvalidAddress    = errors.New("invalid range address")
)

// Ref identifies a destination table: Drive is the spreadsheet file ID.
type Ref struct {
	Drive     string
	Worksheet string
	Table     string
}

// Table is a resolved destination table. Top and Left are 0-based grid indices of the header row
// and first column, Width is the number of columns and Height the number of rows spanned by the
// named range (header included).
type Table struct {
	Name        string
	ID          string
	Spreadsheet string
	Worksheet   string
	SheetID     int64
	Top         int64
	Left        int64
	Width       int64
	Height      int64

	// 1-based worksheet row at which the next appended batch starts, 0 until the first append
	next int64
}

// Revision is the latest saved revision of a spreadsheet file.
type Revision struct {
	ID       string
	Modified time.Time
}

// Workbook is the set of destination operations used by the writer and the reconciler.
type Workbook interface {
	Exists(ctx context.Context, ref Ref) (bool, error)
	Table(ctx context.Context, ref Ref) (*Table, error)
	CreateTable(ctx context.Context, ref Ref, address string) (*Table, error)
	Header(ctx context.Context, t *Table) ([]any, error)
	WriteHeader(ctx context.Context, t *Table, columns []string) error
	AppendRows(ctx context.Context, t *Table, rows [][]any) error
	Rows(ctx context.Context, t *Table) ([][]any, error)
	Clear(ctx context.Context, t *Table) error
	Revision(ctx context.Context, ref Ref) (*Revision, error)
}

// Sheets implements Workbook on the Google Sheets and Google Drive APIs.
type Sheets struct {
	sheets *sheets.Service
	drive  *drive.Service
	log    *zap.Logger
}

var address = regexp.MustCompile(`^\s*([a-zA-Z]+)([0-9]+):([a-zA-Z]+)([0-9]+)\s*$`)

// New creates the Sheets and Drive services from an authorised HTTP client.
func New(ctx context.Context, client *http.Client, log *zap.Logger, options ...option.ClientOption) (*Sheets, error) {
	opts := append([]option.ClientOption{option.WithHTTPClient(client)}, options...)

	s, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create new Google Sheets client (%w)", err)
	}

	d, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create new Google Drive client (%w)", err)
	}

	return NewWithServices(s, d, log), nil
}

// NewWithServices wraps existing Sheets and Drive services.
func NewWithServices(s *sheets.Service, d *drive.Service, log *zap.Logger) *Sheets {
	return &Sheets{
		sheets: s,
		drive:  d,
		log:    log,
	}
}

// Exists returns false if the spreadsheet file does not exist or has been trashed.
func (w *Sheets) Exists(ctx context.Context, ref Ref) (bool, error) {
	file, err := w.drive.Files.Get(ref.Drive).
		SupportsAllDrives(true).
		Fields("id", "name", "trashed").
		Context(ctx).
		Do()

	if notFound(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("unable to retrieve file %v (%w)", ref.Drive, err)
	}

	if file.Trashed {
		w.log.Warn("Spreadsheet file is in the trash", zap.String("file", file.Name))
		return false, nil
	}

	return true, nil
}

// Table looks up the named table on the worksheet and returns nil if it does not exist.
func (w *Sheets) Table(ctx context.Context, ref Ref) (*Table, error) {
	spreadsheet, err := w.spreadsheet(ctx, ref)
	if err != nil {
		return nil, err
	}

	sheet, err := getSheet(spreadsheet, ref.Worksheet)
	if err != nil {
		return nil, err
	}

	for _, r := range spreadsheet.NamedRanges {
		if r.Range == nil || r.Range.SheetId != sheet.Properties.SheetId {
			continue
		}

		if strings.EqualFold(strings.TrimSpace(r.Name), strings.TrimSpace(ref.Table)) {
			return makeTable(spreadsheet.SpreadsheetId, r, sheet), nil
		}
	}

	return nil, nil
}

// CreateTable creates a named range over the A1 address (e.g. A1:F251) on the worksheet, growing
// the worksheet grid first if it is too small to hold the range.
func (w *Sheets) CreateTable(ctx context.Context, ref Ref, addr string) (*Table, error) {
	grid, err := parseAddress(addr)
	if err != nil {
		return nil, err
	}

	spreadsheet, err := w.spreadsheet(ctx, ref)
	if err != nil {
		return nil, err
	}

	sheet, err := getSheet(spreadsheet, ref.Worksheet)
	if err != nil {
		return nil, err
	}

	grid.SheetId = sheet.Properties.SheetId
	grid.ForceSendFields = []string{"SheetId", "StartRowIndex", "StartColumnIndex"}

	requests := []*sheets.Request{}

	if p := sheet.Properties.GridProperties; p != nil {
		if p.RowCount < grid.EndRowIndex {
			requests = append(requests, &sheets.Request{
				AppendDimension: &sheets.AppendDimensionRequest{
					SheetId:         sheet.Properties.SheetId,
					Dimension:       "ROWS",
					Length:          grid.EndRowIndex - p.RowCount,
					ForceSendFields: []string{"SheetId"},
				},
			})
		}

		if p.ColumnCount < grid.EndColumnIndex {
			requests = append(requests, &sheets.Request{
				AppendDimension: &sheets.AppendDimensionRequest{
					SheetId:         sheet.Properties.SheetId,
					Dimension:       "COLUMNS",
					Length:          grid.EndColumnIndex - p.ColumnCount,
					ForceSendFields: []string{"SheetId"},
				},
			})
		}
	}

	requests = append(requests, &sheets.Request{
		AddNamedRange: &sheets.AddNamedRangeRequest{
			NamedRange: &sheets.NamedRange{
				Name:  ref.Table,
				Range: grid,
			},
		},
	})

	rq := sheets.BatchUpdateSpreadsheetRequest{
		Requests: requests,
	}

	response, err := w.sheets.Spreadsheets.BatchUpdate(spreadsheet.SpreadsheetId, &rq).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("error creating table '%v' (%w)", ref.Table, err)
	}

	for _, reply := range response.Replies {
		if reply != nil && reply.AddNamedRange != nil && reply.AddNamedRange.NamedRange != nil {
			return makeTable(spreadsheet.SpreadsheetId, reply.AddNamedRange.NamedRange, sheet), nil
		}
	}

	return nil, fmt.Errorf("error creating table '%v' (no named range in response)", ref.Table)
}

// Header returns the first row of the table, or nil if the header row is empty.
func (w *Sheets) Header(ctx context.Context, t *Table) ([]any, error) {
	response, err := w.sheets.Spreadsheets.Values.Get(t.Spreadsheet, t.HeaderRange()).
		ValueRenderOption("UNFORMATTED_VALUE").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve header row (%w)", err)
	}

	if len(response.Values) == 0 {
		return nil, nil
	}

	return response.Values[0], nil
}

// WriteHeader writes the column names into the header row of the table.
func (w *Sheets) WriteHeader(ctx context.Context, t *Table, columns []string) error {
	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}

	values := sheets.ValueRange{
		Range:  t.HeaderRange(),
		Values: [][]any{header},
	}

	if _, err := w.sheets.Spreadsheets.Values.Update(t.Spreadsheet, t.HeaderRange(), &values).
		ValueInputOption("RAW").
		Context(ctx).
		Do(); err != nil {
		return fmt.Errorf("error writing header row (%w)", err)
	}

	return nil
}

// AppendRows appends the rows below the last populated row of the table in a single call. Once a
// batch has been appended, subsequent batches are anchored on the row following it so that a blank
// (all NULL) row in an earlier batch does not end the table as detected by Sheets.
func (w *Sheets) AppendRows(ctx context.Context, t *Table, rows [][]any) error {
	values := sheets.ValueRange{
		MajorDimension: "ROWS",
		Values:         rows,
	}

	response, err := w.sheets.Spreadsheets.Values.Append(t.Spreadsheet, t.appendRange(), &values).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("error appending %v rows (%w)", len(rows), err)
	}

	t.next = 0
	if response.Updates != nil {
		if start, ok := firstRow(response.Updates.UpdatedRange); ok {
			t.next = start + int64(len(rows))
		} else {
			w.log.Warn("Unrecognised appended range", zap.String("range", response.Updates.UpdatedRange))
		}
	}

	return nil
}

// Rows returns every row below the header row, as unformatted values.
func (w *Sheets) Rows(ctx context.Context, t *Table) ([][]any, error) {
	response, err := w.sheets.Spreadsheets.Values.Get(t.Spreadsheet, t.DataRange()).
		ValueRenderOption("UNFORMATTED_VALUE").
		DateTimeRenderOption("FORMATTED_STRING").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve data from sheet (%w)", err)
	}

	if response.Values == nil {
		return [][]any{}, nil
	}

	return response.Values, nil
}

// Clear removes all data rows from the table, leaving the header row in place.
func (w *Sheets) Clear(ctx context.Context, t *Table) error {
	rq := sheets.BatchClearValuesRequest{
		Ranges: []string{t.DataRange()},
	}

	if _, err := w.sheets.Spreadsheets.Values.BatchClear(t.Spreadsheet, &rq).Context(ctx).Do(); err != nil {
		return fmt.Errorf("error clearing table '%v' (%w)", t.Name, err)
	}

	t.next = 0

	return nil
}

// Revision returns the most recently modified revision of the spreadsheet file.
func (w *Sheets) Revision(ctx context.Context, ref Ref) (*Revision, error) {
	page := ""
	latest := Revision{}

	for {
		call := w.drive.Revisions.List(ref.Drive).
			Fields("nextPageToken", "revisions(id,modifiedTime)").
			Context(ctx)

		if page != "" {
			call.PageToken(page)
		}

		revisions, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("unable to list revisions for file %v (%w)", ref.Drive, err)
		}

		for _, revision := range revisions.Revisions {
			modified, err := time.Parse(time.RFC3339Nano, revision.ModifiedTime)
			if err != nil {
				return nil, err
			}

			if latest.Modified.Before(modified) {
				latest.ID = revision.Id
				latest.Modified = modified
			}
		}

		if page = revisions.NextPageToken; page == "" {
			break
		}
	}

	if latest.Modified.IsZero() {
		return nil, fmt.Errorf("unable to identify latest revision for file %v", ref.Drive)
	}

	return &latest, nil
}

func (w *Sheets) spreadsheet(ctx context.Context, ref Ref) (*sheets.Spreadsheet, error) {
	spreadsheet, err := w.sheets.Spreadsheets.Get(ref.Drive).
		Fields("spreadsheetId", "sheets.properties", "namedRanges").
		Context(ctx).
		Do()

	if notFound(err) {
		return nil, fmt.Errorf("%w (%v)", ErrNoSuchSpreadsheet, ref.Drive)
	} else if err != nil {
		return nil, fmt.Errorf("failed to fetch spreadsheet (%w)", err)
	}

	return spreadsheet, nil
}

func getSheet(spreadsheet *sheets.Spreadsheet, name string) (*sheets.Sheet, error) {
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties == nil {
			continue
		}

		if strings.EqualFold(strings.TrimSpace(sheet.Properties.Title), strings.TrimSpace(name)) {
			return sheet, nil
		}
	}

	return nil, fmt.Errorf("%w '%v'", ErrNoSuchWorksheet, name)
}

func makeTable(spreadsheet string, r *sheets.NamedRange, sheet *sheets.Sheet) *Table {
	g := r.Range

	width := g.EndColumnIndex - g.StartColumnIndex
	height := g.EndRowIndex - g.StartRowIndex

	if g.EndColumnIndex == 0 && sheet.Properties.GridProperties != nil {
		width = sheet.Properties.GridProperties.ColumnCount - g.StartColumnIndex
	}

	if g.EndRowIndex == 0 && sheet.Properties.GridProperties != nil {
		height = sheet.Properties.GridProperties.RowCount - g.StartRowIndex
	}

	return &Table{
		Name:        r.Name,
		ID:          r.NamedRangeId,
		Spreadsheet: spreadsheet,
		Worksheet:   sheet.Properties.Title,
		SheetID:     sheet.Properties.SheetId,
		Top:         g.StartRowIndex,
		Left:        g.StartColumnIndex,
		Width:       width,
		Height:      height,
	}
}

// HeaderRange is the A1 range of the header row, e.g. 'Sheet1'!A1:F1.
func (t *Table) HeaderRange() string {
	return fmt.Sprintf("%v!%v%v:%v%v", quote(t.Worksheet), t.left(), t.Top+1, t.right(), t.Top+1)
}

// DataRange is the open ended A1 range of the rows below the header, e.g. 'Sheet1'!A2:F.
func (t *Table) DataRange() string {
	return fmt.Sprintf("%v!%v%v:%v", quote(t.Worksheet), t.left(), t.Top+2, t.right())
}

// Range is the open ended A1 range of the table including the header, e.g. 'Sheet1'!A1:F.
func (t *Table) Range() string {
	return fmt.Sprintf("%v!%v%v:%v", quote(t.Worksheet), t.left(), t.Top+1, t.right())
}

func (t *Table) appendRange() string {
	if t.next > t.Top+1 {
		return fmt.Sprintf("%v!%v%v:%v", quote(t.Worksheet), t.left(), t.next, t.right())
	}

	return t.Range()
}

func (t *Table) left() string {
	return table.ColumnName(int(t.Left))
}

func (t *Table) right() string {
	width := t.Width
	if width < 1 {
		width = 1
	}

	return table.ColumnName(int(t.Left + width - 1))
}

func quote(worksheet string) string {
	return "'" + strings.ReplaceAll(worksheet, "'", "''") + "'"
}

// firstRow returns the 1-based first row of an A1 range returned by the API, e.g. 'Sheet1'!A12:F111.
func firstRow(rng string) (int64, bool) {
	if i := strings.LastIndex(rng, "!"); i >= 0 {
		rng = rng[i+1:]
	}

	r, err := parseAddress(rng)
	if err != nil {
		return 0, false
	}

	return r.StartRowIndex + 1, true
}

// parseAddress converts an A1 address (e.g. B2:F10) to a 0-based, end-exclusive grid range.
func parseAddress(addr string) (*sheets.GridRange, error) {
	match := address.FindStringSubmatch(addr)
	if len(match) < 5 {
		return nil, fmt.Errorf("%w '%v' - expected something like 'A1:F251'", ErrInvalidAddress, addr)
	}

	left := columnIndex(match[1])
	top, _ := strconv.ParseInt(match[2], 10, 64)
	right := columnIndex(match[3])
	bottom, _ := strconv.ParseInt(match[4], 10, 64)

	if top < 1 || bottom < top || right < left {
		return nil, fmt.Errorf("%w '%v'", ErrInvalidAddress, addr)
	}

	return &sheets.GridRange{
		StartRowIndex:    top - 1,
		EndRowIndex:      bottom,
		StartColumnIndex: left,
		EndColumnIndex:   right + 1,
	}, nil
}

func columnIndex(letters string) int64 {
	index := int64(0)
	for _, ch := range strings.ToUpper(letters) {
		index = index*26 + int64(ch-'A'+1)
	}

	return index - 1
}

func notFound(err error) bool {
	var e *googleapi.Error

	return errors.As(err, &e) && e.Code == http.StatusNotFound
}
