package workbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const spreadsheetID = "1x2y3z"

type request struct {
	method string
	path   string
	query  map[string][]string
	body   map[string]any
}

type fakeGoogle struct {
	sync.Mutex
	spreadsheet *sheets.Spreadsheet
	file        *drive.File
	revisions   [][]*drive.Revision
	header      [][]any
	rows        [][]any
	requests    []request
}

func (f *fakeGoogle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.Lock()
	defer f.Unlock()

	body := map[string]any{}
	if b, _ := io.ReadAll(r.Body); len(b) > 0 {
		json.Unmarshal(b, &body)
	}

	f.requests = append(f.requests, request{
		method: r.Method,
		path:   r.URL.Path,
		query:  r.URL.Query(),
		body:   body,
	})

	path := r.URL.Path

	switch {
	case strings.HasPrefix(path, "/drive/v3/files/") && strings.HasSuffix(path, "/revisions"):
		page := 0
		if token := r.URL.Query().Get("pageToken"); token != "" {
			page = 1
		}

		list := drive.RevisionList{Revisions: f.revisions[page]}
		if page+1 < len(f.revisions) {
			list.NextPageToken = "next"
		}

		reply(w, &list)

	case strings.HasPrefix(path, "/drive/v3/files/"):
		if f.file == nil {
			replyNotFound(w)
		} else {
			reply(w, f.file)
		}

	case path == "/v4/spreadsheets/"+spreadsheetID+":batchUpdate":
		rq := body["requests"].([]any)
		last := rq[len(rq)-1].(map[string]any)["addNamedRange"].(map[string]any)["namedRange"].(map[string]any)

		b, _ := json.Marshal(last)
		named := sheets.NamedRange{}
		json.Unmarshal(b, &named)
		named.NamedRangeId = "nr-created"

		replies := make([]*sheets.Response, len(rq))
		for i := range replies {
			replies[i] = &sheets.Response{}
		}
		replies[len(rq)-1].AddNamedRange = &sheets.AddNamedRangeResponse{NamedRange: &named}

		reply(w, &sheets.BatchUpdateSpreadsheetResponse{SpreadsheetId: spreadsheetID, Replies: replies})

	case path == "/v4/spreadsheets/"+spreadsheetID+"/values:batchClear":
		f.rows = nil
		reply(w, &sheets.BatchClearValuesResponse{SpreadsheetId: spreadsheetID})

	case strings.HasSuffix(path, ":append"):
		var values sheets.ValueRange
		b, _ := json.Marshal(body)
		json.Unmarshal(b, &values)
		start := len(f.rows) + 2
		f.rows = append(f.rows, values.Values...)
		reply(w, &sheets.AppendValuesResponse{
			SpreadsheetId: spreadsheetID,
			Updates: &sheets.UpdateValuesResponse{
				UpdatedRange: fmt.Sprintf("'Requests'!A%v:C%v", start, start+len(values.Values)-1),
			},
		})

	case strings.HasPrefix(path, "/v4/spreadsheets/"+spreadsheetID+"/values/") && r.Method == http.MethodPut:
		var values sheets.ValueRange
		b, _ := json.Marshal(body)
		json.Unmarshal(b, &values)
		f.header = values.Values
		reply(w, &sheets.UpdateValuesResponse{SpreadsheetId: spreadsheetID})

	case strings.HasPrefix(path, "/v4/spreadsheets/"+spreadsheetID+"/values/"):
		rng := strings.TrimPrefix(path, "/v4/spreadsheets/"+spreadsheetID+"/values/")
		if strings.HasSuffix(rng, "1") {
			reply(w, &sheets.ValueRange{Range: rng, Values: f.header})
		} else {
			reply(w, &sheets.ValueRange{Range: rng, Values: f.rows})
		}

	case path == "/v4/spreadsheets/"+spreadsheetID:
		if f.spreadsheet == nil {
			replyNotFound(w)
		} else {
			reply(w, f.spreadsheet)
		}

	default:
		replyNotFound(w)
	}
}

func (f *fakeGoogle) last() request {
	f.Lock()
	defer f.Unlock()

	return f.requests[len(f.requests)-1]
}

func reply(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func replyNotFound(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	io.WriteString(w, `{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`)
}

func spreadsheet() *sheets.Spreadsheet {
	return &sheets.Spreadsheet{
		SpreadsheetId: spreadsheetID,
		Sheets: []*sheets.Sheet{
			{Properties: &sheets.SheetProperties{SheetId: 0, Title: "Summary", GridProperties: &sheets.GridProperties{RowCount: 1000, ColumnCount: 26}}},
			{Properties: &sheets.SheetProperties{SheetId: 77, Title: "Requests", GridProperties: &sheets.GridProperties{RowCount: 100, ColumnCount: 5}}},
		},
		NamedRanges: []*sheets.NamedRange{
			{NamedRangeId: "nr-summary", Name: "ProductRequests", Range: &sheets.GridRange{SheetId: 0, StartRowIndex: 0, EndRowIndex: 10, StartColumnIndex: 0, EndColumnIndex: 2}},
			{NamedRangeId: "nr-requests", Name: "ProductRequests", Range: &sheets.GridRange{SheetId: 77, StartRowIndex: 2, EndRowIndex: 12, StartColumnIndex: 1, EndColumnIndex: 4}},
		},
	}
}

func setup(t *testing.T, fake *fakeGoogle) *Sheets {
	t.Helper()

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	ctx := context.Background()

	s, err := sheets.NewService(ctx, option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	d, err := drive.NewService(ctx, option.WithEndpoint(srv.URL+"/drive/v3/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	return NewWithServices(s, d, zaptest.NewLogger(t))
}

var ref = Ref{
	Drive:     spreadsheetID,
	Worksheet: "Requests",
	Table:     "ProductRequests",
}

func TestExists(t *testing.T) {
	tests := []struct {
		file     *drive.File
		expected bool
	}{
		{&drive.File{Id: spreadsheetID, Name: "requests"}, true},
		{&drive.File{Id: spreadsheetID, Name: "requests", Trashed: true}, false},
		{nil, false},
	}

	for _, test := range tests {
		w := setup(t, &fakeGoogle{file: test.file})

		exists, err := w.Exists(context.Background(), ref)

		require.NoError(t, err)
		assert.Equal(t, test.expected, exists)
	}
}

func TestExistsSupportsSharedDrives(t *testing.T) {
	fake := &fakeGoogle{file: &drive.File{Id: spreadsheetID}}
	w := setup(t, fake)

	_, err := w.Exists(context.Background(), ref)

	require.NoError(t, err)
	assert.Equal(t, "/drive/v3/files/"+spreadsheetID, fake.last().path)
	assert.Equal(t, "true", fake.last().query["supportsAllDrives"][0])
}

func TestTable(t *testing.T) {
	w := setup(t, &fakeGoogle{spreadsheet: spreadsheet()})

	tbl, err := w.Table(context.Background(), ref)
	require.NoError(t, err)

	expected := Table{
		Name:        "ProductRequests",
		ID:          "nr-requests",
		Spreadsheet: spreadsheetID,
		Worksheet:   "Requests",
		SheetID:     77,
		Top:         2,
		Left:        1,
		Width:       3,
		Height:      10,
	}

	assert.Equal(t, &expected, tbl)
}

func TestTableNotFound(t *testing.T) {
	w := setup(t, &fakeGoogle{spreadsheet: spreadsheet()})

	tbl, err := w.Table(context.Background(), Ref{Drive: spreadsheetID, Worksheet: "Requests", Table: "Other"})

	assert.NoError(t, err)
	assert.Nil(t, tbl)
}

func TestTableWithMissingWorksheet(t *testing.T) {
	w := setup(t, &fakeGoogle{spreadsheet: spreadsheet()})

	_, err := w.Table(context.Background(), Ref{Drive: spreadsheetID, Worksheet: "Sheet9", Table: "ProductRequests"})

	assert.True(t, errors.Is(err, ErrNoSuchWorksheet))
}

func TestTableWithMissingSpreadsheet(t *testing.T) {
	w := setup(t, &fakeGoogle{})

	_, err := w.Table(context.Background(), ref)

	assert.True(t, errors.Is(err, ErrNoSuchSpreadsheet))
}

func TestCreateTable(t *testing.T) {
	fake := &fakeGoogle{spreadsheet: spreadsheet()}
	w := setup(t, fake)

	tbl, err := w.CreateTable(context.Background(), Ref{Drive: spreadsheetID, Worksheet: "Summary", Table: "Requests"}, "A1:C251")
	require.NoError(t, err)

	assert.Equal(t, "nr-created", tbl.ID)
	assert.Equal(t, int64(0), tbl.SheetID)
	assert.Equal(t, int64(0), tbl.Top)
	assert.Equal(t, int64(3), tbl.Width)
	assert.Equal(t, int64(251), tbl.Height)

	rq := fake.last()
	assert.Equal(t, http.MethodPost, rq.method)

	requests := rq.body["requests"].([]any)
	require.Len(t, requests, 1)

	grid := requests[0].(map[string]any)["addNamedRange"].(map[string]any)["namedRange"].(map[string]any)["range"].(map[string]any)
	assert.Equal(t, float64(0), grid["sheetId"])
	assert.Equal(t, float64(0), grid["startRowIndex"])
	assert.Equal(t, float64(251), grid["endRowIndex"])
	assert.Equal(t, float64(0), grid["startColumnIndex"])
	assert.Equal(t, float64(3), grid["endColumnIndex"])
}

func TestCreateTableGrowsWorksheet(t *testing.T) {
	fake := &fakeGoogle{spreadsheet: spreadsheet()}
	w := setup(t, fake)

	_, err := w.CreateTable(context.Background(), Ref{Drive: spreadsheetID, Worksheet: "Requests", Table: "Requests"}, "A1:F251")
	require.NoError(t, err)

	requests := fake.last().body["requests"].([]any)
	require.Len(t, requests, 3)

	rows := requests[0].(map[string]any)["appendDimension"].(map[string]any)
	assert.Equal(t, "ROWS", rows["dimension"])
	assert.Equal(t, float64(151), rows["length"])

	columns := requests[1].(map[string]any)["appendDimension"].(map[string]any)
	assert.Equal(t, "COLUMNS", columns["dimension"])
	assert.Equal(t, float64(1), columns["length"])
}

func TestCreateTableWithInvalidAddress(t *testing.T) {
	w := setup(t, &fakeGoogle{spreadsheet: spreadsheet()})

	_, err := w.CreateTable(context.Background(), ref, "A1")

	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestHeader(t *testing.T) {
	fake := &fakeGoogle{header: [][]any{{"id", "name", "comment"}}}
	w := setup(t, fake)
	tbl := &Table{Spreadsheet: spreadsheetID, Worksheet: "Requests", Width: 3}

	header, err := w.Header(context.Background(), tbl)

	require.NoError(t, err)
	assert.Equal(t, []any{"id", "name", "comment"}, header)
	assert.Equal(t, "/v4/spreadsheets/"+spreadsheetID+"/values/'Requests'!A1:C1", fake.last().path)
	assert.Equal(t, "UNFORMATTED_VALUE", fake.last().query["valueRenderOption"][0])
}

func TestHeaderWhenEmpty(t *testing.T) {
	w := setup(t, &fakeGoogle{})
	tbl := &Table{Spreadsheet: spreadsheetID, Worksheet: "Requests", Width: 3}

	header, err := w.Header(context.Background(), tbl)

	require.NoError(t, err)
	assert.Nil(t, header)
}

func TestWriteHeader(t *testing.T) {
	fake := &fakeGoogle{}
	w := setup(t, fake)
	tbl := &Table{Spreadsheet: spreadsheetID, Worksheet: "Requests", Width: 3}

	require.NoError(t, w.WriteHeader(context.Background(), tbl, []string{"id", "name", "comment"}))

	assert.Equal(t, http.MethodPut, fake.last().method)
	assert.Equal(t, "RAW", fake.last().query["valueInputOption"][0])
	assert.Equal(t, [][]any{{"id", "name", "comment"}}, fake.header)
}

func TestAppendRows(t *testing.T) {
	fake := &fakeGoogle{}
	w := setup(t, fake)
	tbl := &Table{Spreadsheet: spreadsheetID, Worksheet: "Requests", Width: 3}

	rows := [][]any{
		{float64(1), "request 1", nil},
		{float64(2), "request 2", "urgent"},
	}

	require.NoError(t, w.AppendRows(context.Background(), tbl, rows))

	rq := fake.last()
	assert.Equal(t, http.MethodPost, rq.method)
	assert.Equal(t, "/v4/spreadsheets/"+spreadsheetID+"/values/'Requests'!A1:C:append", rq.path)
	assert.Equal(t, "RAW", rq.query["valueInputOption"][0])
	assert.Equal(t, "INSERT_ROWS", rq.query["insertDataOption"][0])
	assert.Equal(t, rows, fake.rows)
}

func TestAppendRowsAfterBlankRow(t *testing.T) {
	fake := &fakeGoogle{}
	w := setup(t, fake)
	tbl := &Table{Spreadsheet: spreadsheetID, Worksheet: "Requests", Width: 3}

	require.NoError(t, w.AppendRows(context.Background(), tbl, [][]any{
		{float64(1), "request 1", nil},
		{nil, nil, nil},
	}))

	assert.Equal(t, "/v4/spreadsheets/"+spreadsheetID+"/values/'Requests'!A1:C:append", fake.last().path)

	require.NoError(t, w.AppendRows(context.Background(), tbl, [][]any{
		{float64(3), "request 3", "urgent"},
	}))

	assert.Equal(t, "/v4/spreadsheets/"+spreadsheetID+"/values/'Requests'!A4:C:append", fake.last().path)

	require.NoError(t, w.Clear(context.Background(), tbl))
	require.NoError(t, w.AppendRows(context.Background(), tbl, [][]any{
		{float64(4), "request 4", nil},
	}))

	assert.Equal(t, "/v4/spreadsheets/"+spreadsheetID+"/values/'Requests'!A1:C:append", fake.last().path)
}

func TestFirstRow(t *testing.T) {
	tests := []struct {
		rng   string
		row   int64
		valid bool
	}{
		{"'Requests'!A12:F111", 12, true},
		{"'Q1!Requests'!B2:C2", 2, true},
		{"Sheet1!A2:C3", 2, true},
		{"'Requests'!A:C", 0, false},
		{"", 0, false},
	}

	for _, test := range tests {
		row, ok := firstRow(test.rng)

		assert.Equal(t, test.valid, ok, test.rng)
		assert.Equal(t, test.row, row, test.rng)
	}
}

func TestRows(t *testing.T) {
	fake := &fakeGoogle{rows: [][]any{{float64(1), "request 1"}, {float64(2), "request 2"}}}
	w := setup(t, fake)
	tbl := &Table{Spreadsheet: spreadsheetID, Worksheet: "Requests", Width: 2}

	rows, err := w.Rows(context.Background(), tbl)

	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, "/v4/spreadsheets/"+spreadsheetID+"/values/'Requests'!A2:B", fake.last().path)
}

func TestRowsWhenEmpty(t *testing.T) {
	w := setup(t, &fakeGoogle{})
	tbl := &Table{Spreadsheet: spreadsheetID, Worksheet: "Requests", Width: 2}

	rows, err := w.Rows(context.Background(), tbl)

	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestClear(t *testing.T) {
	fake := &fakeGoogle{rows: [][]any{{"x"}}}
	w := setup(t, fake)
	tbl := &Table{Spreadsheet: spreadsheetID, Worksheet: "Requests", Width: 2}

	require.NoError(t, w.Clear(context.Background(), tbl))

	assert.Nil(t, fake.rows)
	assert.Equal(t, []any{"'Requests'!A2:B"}, fake.last().body["ranges"])
}

func TestRevision(t *testing.T) {
	fake := &fakeGoogle{
		revisions: [][]*drive.Revision{
			{
				{Id: "r1", ModifiedTime: "2024-05-01T10:00:00.000Z"},
				{Id: "r3", ModifiedTime: "2024-05-03T10:00:00.000Z"},
			},
			{
				{Id: "r2", ModifiedTime: "2024-05-02T10:00:00.000Z"},
			},
		},
	}

	w := setup(t, fake)

	revision, err := w.Revision(context.Background(), ref)

	require.NoError(t, err)
	assert.Equal(t, "r3", revision.ID)
	assert.Equal(t, time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC), revision.Modified)
}

func TestRanges(t *testing.T) {
	tbl := Table{Worksheet: "Bob's Requests", Top: 2, Left: 1, Width: 3}

	assert.Equal(t, "'Bob''s Requests'!B3:D3", tbl.HeaderRange())
	assert.Equal(t, "'Bob''s Requests'!B4:D", tbl.DataRange())
	assert.Equal(t, "'Bob''s Requests'!B3:D", tbl.Range())
}

func TestParseAddress(t *testing.T) {
	grid, err := parseAddress("B2:AA10")

	require.NoError(t, err)
	assert.Equal(t, int64(1), grid.StartRowIndex)
	assert.Equal(t, int64(10), grid.EndRowIndex)
	assert.Equal(t, int64(1), grid.StartColumnIndex)
	assert.Equal(t, int64(27), grid.EndColumnIndex)

	for _, addr := range []string{"", "A1", "A0:B2", "B2:A1", "A10:B2"} {
		_, err := parseAddress(addr)
		assert.ErrorIs(t, err, ErrInvalidAddress, addr)
	}
}
