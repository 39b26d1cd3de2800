// Package catalog provides the database/sql granule catalog.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// metaTable lists the coverages of the catalog.
const metaTable = "tessera_coverages"

// DefaultBatchSize is the number of granules inserted per page.
const DefaultBatchSize = 1000

// Config configures a catalog store.
type Config struct {
	Driver       string // sqlite or postgres
	DSN          string // file path for sqlite, connection string for postgres
	BatchSize    int
	MaxOpenConns int
}

// Store implements the GranuleCatalog port over database/sql.
type Store struct {
	db        *sql.DB
	dialect   dialect
	batchSize int
	logger    *slog.Logger
	writer    chan struct{}
	disposed  atomic.Bool
}

var _ output.GranuleCatalog = (*Store)(nil)

// Open connects to the catalog database and creates the coverage table.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, &domain.ConfigError{Field: "catalog.dsn", Message: "catalog DSN is required"}
	}

	db, err := sql.Open(d.DriverName(), d.DSN(cfg.DSN))
	if err != nil {
		return nil, &domain.CatalogError{Op: "open", Err: err}
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &domain.CatalogError{Op: "open", Err: fmt.Errorf("%w: %w", domain.ErrUnavailable, err)}
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		name TEXT PRIMARY KEY,
		schema_json TEXT NOT NULL,
		revision BIGINT NOT NULL DEFAULT 0
	)`, d.Quote(metaTable)) //#nosec G201 -- constant table name
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, &domain.CatalogError{Op: "init", Err: err}
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	logger.Info("catalog opened", "driver", d.Name(), "batch_size", batch)

	return &Store{
		db:        db,
		dialect:   d,
		batchSize: batch,
		logger:    logger,
		writer:    make(chan struct{}, 1),
	}, nil
}

// queryer is implemented by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func (s *Store) check() error {
	if s.disposed.Load() {
		return domain.ErrCatalogDisposed
	}
	return nil
}

// GetType returns the committed schema of a coverage.
func (s *Store) GetType(ctx context.Context, coverage string) (domain.Schema, error) {
	if err := s.check(); err != nil {
		return domain.Schema{}, err
	}
	return s.loadSchema(ctx, s.db, coverage)
}

func (s *Store) loadSchema(ctx context.Context, q queryer, coverage string) (domain.Schema, error) {
	query := fmt.Sprintf("SELECT schema_json FROM %s WHERE name = %s",
		s.dialect.Quote(metaTable), s.dialect.Placeholder(1)) //#nosec G201 -- constant table name

	var raw string
	err := q.QueryRowContext(ctx, query, coverage).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schema{}, &domain.CatalogError{Coverage: coverage, Op: "get_type", Err: domain.ErrUnknownCoverage}
	}
	if err != nil {
		return domain.Schema{}, &domain.CatalogError{Coverage: coverage, Op: "get_type", Err: err}
	}

	var schema domain.Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return domain.Schema{}, &domain.CatalogError{Coverage: coverage, Op: "get_type", Err: fmt.Errorf("decoding schema: %w", err)}
	}
	return schema, nil
}

// TypeNames returns the sorted names of all committed coverages.
func (s *Store) TypeNames(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT name FROM %s ORDER BY name", s.dialect.Quote(metaTable)) //#nosec G201 -- constant table name
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &domain.CatalogError{Op: "type_names", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &domain.CatalogError{Op: "type_names", Err: err}
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateType registers a coverage in its own transaction.
func (s *Store) CreateType(ctx context.Context, schema domain.Schema) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.CreateType(ctx, schema); err != nil {
		return err
	}
	return tx.Commit()
}

// Begin opens the write transaction, waiting for a running one to finish.
func (s *Store) Begin(ctx context.Context) (output.CatalogTx, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		<-s.writer
		return nil, &domain.CatalogError{Op: "begin", Err: err}
	}

	return &Tx{
		store:   s,
		tx:      sqlTx,
		touched: make(map[string]bool),
	}, nil
}

// GetGranules returns the granules matching q.
func (s *Store) GetGranules(ctx context.Context, q output.Query) ([]domain.GranuleRecord, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	schema, err := s.loadSchema(ctx, s.db, q.Coverage)
	if err != nil {
		return nil, err
	}
	where, args, err := s.where(q.Filter, schema, 0)
	if err != nil {
		return nil, err
	}
	order, err := s.orderBy(q.SortBy, schema)
	if err != nil {
		return nil, err
	}

	cols := selectColumns(s.dialect, schema)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s%s",
		strings.Join(cols, ", "), s.dialect.Quote(schema.Coverage), where, order,
		s.page(q.Offset, q.Limit)) //#nosec G201 -- identifiers validated by the schema

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.CatalogError{Coverage: q.Coverage, Op: "query", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []domain.GranuleRecord
	for rows.Next() {
		rec, err := scanGranule(rows, schema)
		if err != nil {
			return nil, &domain.CatalogError{Coverage: q.Coverage, Op: "query", Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.CatalogError{Coverage: q.Coverage, Op: "query", Err: err}
	}
	return out, nil
}

// Count returns the number of granules matching q.
func (s *Store) Count(ctx context.Context, q output.Query) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	schema, err := s.loadSchema(ctx, s.db, q.Coverage)
	if err != nil {
		return 0, err
	}
	where, args, err := s.where(q.Filter, schema, 0)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s",
		s.dialect.Quote(schema.Coverage), where) //#nosec G201 -- identifiers validated by the schema

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, &domain.CatalogError{Coverage: q.Coverage, Op: "count", Err: err}
	}
	return n, nil
}

// Distinct returns distinct non-null tuples of attrs in ascending order.
func (s *Store) Distinct(ctx context.Context, coverage string, attrs []string, f filter.Expr, offset, limit int) ([][]any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, &domain.ValidationError{Field: "attributes", Value: attrs, Constraint: ">=1", Message: "distinct needs at least one attribute"}
	}

	schema, err := s.loadSchema(ctx, s.db, coverage)
	if err != nil {
		return nil, err
	}

	types := make([]domain.AttributeType, len(attrs))
	quoted := make([]string, len(attrs))
	notNull := make([]string, len(attrs))
	for i, a := range attrs {
		t, err := attributeType(schema, a)
		if err != nil {
			return nil, err
		}
		types[i] = t
		quoted[i] = s.dialect.Quote(a)
		notNull[i] = quoted[i] + " IS NOT NULL"
	}

	where, args, err := s.where(f, schema, 0)
	if err != nil {
		return nil, err
	}

	cols := strings.Join(quoted, ", ")
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s AND %s ORDER BY %s%s",
		cols, s.dialect.Quote(coverage), strings.Join(notNull, " AND "), where, cols,
		s.page(offset, limit)) //#nosec G201 -- identifiers validated by the schema

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &domain.CatalogError{Coverage: coverage, Op: "distinct", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out [][]any
	for rows.Next() {
		raw := make([]any, len(attrs))
		ptrs := make([]any, len(attrs))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &domain.CatalogError{Coverage: coverage, Op: "distinct", Err: err}
		}
		tuple := make([]any, len(attrs))
		for i, v := range raw {
			if tuple[i], err = decodeValue(types[i], v); err != nil {
				return nil, &domain.CatalogError{Coverage: coverage, Op: "distinct", Err: err}
			}
		}
		out = append(out, tuple)
	}
	return out, rows.Err()
}

// Aggregate computes min, max or distinct count of an attribute.
func (s *Store) Aggregate(ctx context.Context, coverage, attr string, fn output.AggregateFunc) (any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	schema, err := s.loadSchema(ctx, s.db, coverage)
	if err != nil {
		return nil, err
	}
	t, err := attributeType(schema, attr)
	if err != nil {
		return nil, err
	}

	var expr string
	col := s.dialect.Quote(attr)
	switch fn {
	case output.AggMin:
		expr = "MIN(" + col + ")"
	case output.AggMax:
		expr = "MAX(" + col + ")"
	case output.AggCountDistinct:
		expr = "COUNT(DISTINCT " + col + ")"
	default:
		return nil, &domain.ValidationError{Field: "aggregate", Value: fn, Constraint: "min|max|count_distinct", Message: "unknown aggregate"}
	}

	query := fmt.Sprintf("SELECT %s FROM %s", expr, s.dialect.Quote(coverage)) //#nosec G201 -- identifiers validated by the schema

	var raw any
	if err := s.db.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		return nil, &domain.CatalogError{Coverage: coverage, Op: "aggregate", Err: err}
	}
	if fn == output.AggCountDistinct {
		return decodeValue(domain.AttrInteger, raw)
	}
	return decodeValue(t, raw)
}

// ComputeBounds returns the union of the committed footprints of a coverage.
func (s *Store) ComputeBounds(ctx context.Context, coverage string) (domain.Envelope, error) {
	if err := s.check(); err != nil {
		return domain.Envelope{}, err
	}
	if _, err := s.loadSchema(ctx, s.db, coverage); err != nil {
		return domain.Envelope{}, err
	}

	query := fmt.Sprintf("SELECT COUNT(*), MIN(%s), MIN(%s), MAX(%s), MAX(%s) FROM %s",
		s.dialect.Quote(filter.ColMinX), s.dialect.Quote(filter.ColMinY),
		s.dialect.Quote(filter.ColMaxX), s.dialect.Quote(filter.ColMaxY),
		s.dialect.Quote(coverage)) //#nosec G201 -- identifiers validated by the schema

	var (
		n                      int64
		minX, minY, maxX, maxY sql.NullFloat64
	)
	if err := s.db.QueryRowContext(ctx, query).Scan(&n, &minX, &minY, &maxX, &maxY); err != nil {
		return domain.Envelope{}, &domain.CatalogError{Coverage: coverage, Op: "bounds", Err: err}
	}
	if n == 0 {
		return domain.Envelope{}, &domain.CatalogError{Coverage: coverage, Op: "bounds", Err: domain.ErrEmptyCatalog}
	}
	return domain.NewEnvelope(minX.Float64, minY.Float64, maxX.Float64, maxY.Float64, domain.CRS{}), nil
}

// Revision returns the commit counter of a coverage.
func (s *Store) Revision(ctx context.Context, coverage string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	query := fmt.Sprintf("SELECT revision FROM %s WHERE name = %s",
		s.dialect.Quote(metaTable), s.dialect.Placeholder(1)) //#nosec G201 -- constant table name

	var rev int64
	err := s.db.QueryRowContext(ctx, query, coverage).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &domain.CatalogError{Coverage: coverage, Op: "revision", Err: domain.ErrUnknownCoverage}
	}
	if err != nil {
		return 0, &domain.CatalogError{Coverage: coverage, Op: "revision", Err: err}
	}
	return rev, nil
}

// RemoveCoverage drops a coverage in its own transaction.
func (s *Store) RemoveCoverage(ctx context.Context, coverage string) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.RemoveCoverage(ctx, coverage); err != nil {
		return err
	}
	return tx.Commit()
}

// Dispose closes the database. It is safe to call more than once.
func (s *Store) Dispose() error {
	if s.disposed.Swap(true) {
		return nil
	}
	s.logger.Info("catalog disposed")
	return s.db.Close()
}

// where binds f to the schema and renders it.
func (s *Store) where(f filter.Expr, schema domain.Schema, argOffset int) (string, []any, error) {
	bound, err := filter.Bind(f, schema)
	if err != nil {
		return "", nil, err
	}
	clause, args := filter.ToSQL(bound, s.dialect, argOffset)
	return clause, args, nil
}

func (s *Store) orderBy(fields []output.SortField, schema domain.Schema) (string, error) {
	if len(fields) == 0 {
		return "id", nil
	}
	parts := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		if f.Attribute != "id" {
			if _, err := attributeType(schema, f.Attribute); err != nil {
				return "", err
			}
		}
		dir := "ASC"
		if f.Descending {
			dir = "DESC"
		}
		parts = append(parts, s.dialect.Quote(f.Attribute)+" "+dir)
	}
	parts = append(parts, "id")
	return strings.Join(parts, ", "), nil
}

// page renders LIMIT/OFFSET; negative limits are unbounded.
func (s *Store) page(offset, limit int) string {
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		if offset == 0 {
			return ""
		}
		return fmt.Sprintf(" LIMIT %s OFFSET %d", s.dialect.Unbounded(), offset)
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func attributeType(schema domain.Schema, attr string) (domain.AttributeType, error) {
	if attr == schema.Location() {
		return domain.AttrString, nil
	}
	a, ok := schema.Attribute(attr)
	if !ok {
		return "", &domain.FilterError{Attribute: attr, Owner: schema.Coverage, Err: domain.ErrInvalidFilterAttribute}
	}
	return a.Type, nil
}
