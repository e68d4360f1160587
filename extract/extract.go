// Package extract reads the source rows from PostgreSQL.
package extract

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/uhppoted/db-to-sheets/config"
	"github.com/uhppoted/db-to-sheets/table"
)

// SampleSize is the number of leading rows logged after an extract and compared by the reconciler.
const SampleSize = 5

// Conn is the subset of *pgx.Conn used by the Extractor.
type Conn interface {
	BeginTx(ctx context.Context, options pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// Extractor runs the configured query against a single source connection.
type Extractor struct {
	conn       Conn
	query      string
	countQuery string
	limit      int
	cursor     string
	fetch      int
	log        *zap.Logger
}

var limitClause = regexp.MustCompile(`(?i)\blimit\b`)
var orderClause = regexp.MustCompile(`(?i)\border\s+by\b`)

// Connect opens the source database connection described by c.
func Connect(ctx context.Context, c *config.Config, log *zap.Logger) (*Extractor, error) {
	log.Info("Connecting to database", zap.String("host", c.DB.Host), zap.Int("port", c.DB.Port), zap.String("database", c.DB.Name))

	cfg, err := pgx.ParseConfig(DSN(c))
	if err != nil {
		return nil, fmt.Errorf("invalid database configuration (%w)", err)
	}

	if c.DB.ConnectTimeout > 0 {
		cfg.ConnectTimeout = c.DB.ConnectTimeout
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		log.Error("Database connection failed", zap.Error(err))
		return nil, fmt.Errorf("error connecting to database (%w)", err)
	}

	log.Info("Connected to database")

	return New(conn, c, log), nil
}

// New wraps an existing connection.
func New(conn Conn, c *config.Config, log *zap.Logger) *Extractor {
	fetch := c.Upload.BatchSize
	if fetch <= 0 {
		fetch = config.DefaultBatchSize
	}

	return &Extractor{
		conn:       conn,
		query:      c.DB.Query,
		countQuery: c.DB.CountQuery,
		limit:      c.DB.RowLimit,
		cursor:     c.DB.Cursor,
		fetch:      fetch,
		log:        log,
	}
}

// DSN returns the connection URL for the configured database.
func DSN(c *config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DB.User, c.DB.Password),
		Host:   fmt.Sprintf("%v:%v", c.DB.Host, c.DB.Port),
		Path:   "/" + c.DB.Name,
	}

	if c.DB.ConnectTimeout > 0 {
		u.RawQuery = url.Values{"connect_timeout": {strconv.Itoa(int(c.DB.ConnectTimeout.Seconds()))}}.Encode()
	}

	return u.String()
}

// WithLimit appends a LIMIT clause to the query unless it already has one.
func WithLimit(query string, limit int) string {
	q := strings.TrimRight(strings.TrimSpace(query), "; \t\n")
	if limitClause.MatchString(q) {
		return q
	}

	return fmt.Sprintf("%v LIMIT %d", q, limit)
}

// Close releases the source connection.
func (x *Extractor) Close(ctx context.Context) error {
	if err := x.conn.Close(ctx); err != nil {
		x.log.Warn("Error closing database connection", zap.Error(err))
		return err
	}

	x.log.Info("Database connection closed")

	return nil
}

// Extract executes the query and returns the column names and all rows. The rows are streamed
// through a server-side cursor in chunks of the upload batch size. An empty result is not an error.
func (x *Extractor) Extract(ctx context.Context) (table.Columns, []table.Row, error) {
	query := WithLimit(x.query, x.limit)

	x.log.Info("Extracting rows", zap.Int("limit", x.limit))
	x.log.Debug("Query", zap.String("sql", query))

	columns, rows, err := x.extract(ctx, query)
	if err != nil {
		x.log.Error("Error extracting rows", zap.Error(err))
		if limitClause.MatchString(err.Error()) {
			x.log.Warn("Query LIMIT clause rejected by database - check the LIMIT syntax for this database")
		}

		return nil, nil, err
	}

	if len(rows) == 0 {
		x.log.Warn("Query returned no rows", zap.Int("columns", len(columns)))
		return columns, rows, nil
	}

	x.log.Info("Extracted rows", zap.Int("rows", len(rows)), zap.Int("columns", len(columns)))
	for i, row := range rows[:min(SampleSize, len(rows))] {
		x.log.Info("Row", zap.Int("row", i+1), zap.Any("values", []any(row)))
	}

	return columns, rows, nil
}

func (x *Extractor) extract(ctx context.Context, query string) (table.Columns, []table.Row, error) {
	tx, err := x.conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, nil, fmt.Errorf("error starting read transaction (%w)", err)
	}

	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			x.log.Warn("Error rolling back read transaction", zap.Error(err))
		}
	}()

	cursor := pgx.Identifier{x.cursor}.Sanitize()

	if _, err := tx.Exec(ctx, fmt.Sprintf("DECLARE %s NO SCROLL CURSOR FOR %s", cursor, query)); err != nil {
		return nil, nil, fmt.Errorf("error executing query (%w)", err)
	}

	fetch := fmt.Sprintf("FETCH FORWARD %d FROM %s", x.fetch, cursor)
	var columns table.Columns
	data := []table.Row{}

	for {
		cols, chunk, err := x.fetchChunk(ctx, tx, fetch)
		if err != nil {
			return nil, nil, err
		}

		if columns == nil {
			columns = cols
		}

		data = append(data, chunk...)

		if len(chunk) < x.fetch {
			break
		}
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("CLOSE %s", cursor)); err != nil {
		return nil, nil, fmt.Errorf("error closing cursor (%w)", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("error committing read transaction (%w)", err)
	}

	if columns == nil {
		columns = table.Columns{}
	}

	return columns, data, nil
}

func (x *Extractor) fetchChunk(ctx context.Context, tx pgx.Tx, fetch string) (table.Columns, []table.Row, error) {
	rows, err := tx.Query(ctx, fetch)
	if err != nil {
		return nil, nil, fmt.Errorf("error fetching rows (%w)", err)
	}

	defer rows.Close()

	columns := table.Columns{}
	for _, f := range rows.FieldDescriptions() {
		columns = append(columns, f.Name)
	}

	chunk := []table.Row{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, nil, fmt.Errorf("error reading row (%w)", err)
		}

		chunk = append(chunk, scalars(values))
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error fetching rows (%w)", err)
	}

	return columns, chunk, nil
}

// Count returns the number of rows the primary query yields. A configured count query takes
// precedence, otherwise the (limited) primary query is wrapped in a COUNT(*).
func (x *Extractor) Count(ctx context.Context) (int64, error) {
	query := x.countQuery
	if query == "" {
		query = fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS q", WithLimit(x.query, x.limit))
	}

	x.log.Debug("Count query", zap.String("sql", query))

	var count int64
	if err := x.conn.QueryRow(ctx, query).Scan(&count); err != nil {
		x.log.Error("Error counting source rows", zap.Error(err))
		return 0, fmt.Errorf("error counting source rows (%w)", err)
	}

	return count, nil
}

// Sample returns the first n rows of the primary query. The sample is a separate query from the
// extract cursor, so the rows are only guaranteed to be the first rows extracted if the primary
// query is ordered.
func (x *Extractor) Sample(ctx context.Context, n int) ([]table.Row, error) {
	query := fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", WithLimit(x.query, x.limit), n)

	if !orderClause.MatchString(x.query) {
		x.log.Warn("Query has no ORDER BY clause, sample rows may not match the extracted rows", zap.String("query", x.query))
	}

	rows, err := x.conn.Query(ctx, query)
	if err != nil {
		x.log.Error("Error sampling source rows", zap.Error(err))
		return nil, fmt.Errorf("error sampling source rows (%w)", err)
	}

	defer rows.Close()

	sample := []table.Row{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("error reading row (%w)", err)
		}

		sample = append(sample, scalars(values))
	}

	if err := rows.Err(); err != nil {
		x.log.Error("Error sampling source rows", zap.Error(err))
		return nil, fmt.Errorf("error sampling source rows (%w)", err)
	}

	return sample, nil
}

func scalars(values []any) table.Row {
	row := make(table.Row, len(values))
	for i, v := range values {
		row[i] = Scalar(v)
	}

	return row
}

// Scalar converts a value decoded by pgx into a plain Go scalar that can be written to a worksheet:
// nil, string, bool, integer, float64 or time.Time. Anything else is rendered as a string.
func Scalar(v any) any {
	switch x := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, time.Time:
		return v

	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}

		if f, err := x.Float64Value(); err == nil && f.Valid {
			return f.Float64
		}

		if s, err := x.Value(); err == nil {
			return Scalar(s)
		}

		return nil

	case [16]byte:
		return uuid.UUID(x).String()

	case []byte:
		return string(x)

	case driver.Valuer:
		if value, err := x.Value(); err == nil {
			if value == nil {
				return nil
			}

			if _, ok := value.(driver.Valuer); !ok {
				return Scalar(value)
			}
		}

		return fmt.Sprint(v)

	case fmt.Stringer:
		return x.String()
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}

	return fmt.Sprint(v)
}
