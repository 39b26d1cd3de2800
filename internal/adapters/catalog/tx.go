package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// Tx is the write transaction of a Store. It is not safe for concurrent use.
type Tx struct {
	store   *Store
	tx      *sql.Tx
	touched map[string]bool
	hooks   []func()
	done    bool
}

var _ output.CatalogTx = (*Tx)(nil)

func (t *Tx) check() error {
	if t.done {
		return sql.ErrTxDone
	}
	return t.store.check()
}

// CreateType registers a coverage and creates its granule table.
func (t *Tx) CreateType(ctx context.Context, schema domain.Schema) error {
	if err := t.check(); err != nil {
		return err
	}
	if err := schema.Validate(); err != nil {
		return &domain.CatalogError{Coverage: schema.Coverage, Op: "create_type", Err: err}
	}
	if strings.EqualFold(schema.Coverage, metaTable) {
		return &domain.CatalogError{Coverage: schema.Coverage, Op: "create_type", Err: &domain.ValidationError{
			Field: "coverage", Value: schema.Coverage, Constraint: "not reserved", Message: "coverage name is reserved",
		}}
	}

	_, err := t.store.loadSchema(ctx, t.tx, schema.Coverage)
	switch {
	case err == nil:
		return &domain.CatalogError{Coverage: schema.Coverage, Op: "create_type", Err: domain.ErrDuplicateCoverage}
	case !errors.Is(err, domain.ErrUnknownCoverage):
		return err
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return &domain.CatalogError{Coverage: schema.Coverage, Op: "create_type", Err: err}
	}

	d := t.store.dialect
	insert := fmt.Sprintf("INSERT INTO %s (name, schema_json, revision) VALUES (%s, %s, 0)",
		d.Quote(metaTable), d.Placeholder(1), d.Placeholder(2)) //#nosec G201 -- constant table name
	if _, err := t.tx.ExecContext(ctx, insert, schema.Coverage, string(raw)); err != nil {
		return &domain.CatalogError{Coverage: schema.Coverage, Op: "create_type", Err: err}
	}

	for _, stmt := range createStatements(d, schema) {
		if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
			return &domain.CatalogError{Coverage: schema.Coverage, Op: "create_type", Err: err}
		}
	}

	t.touched[schema.Coverage] = true
	t.store.logger.Debug("coverage created", "coverage", schema.Coverage, "attributes", len(schema.Attributes))
	return nil
}

// GetType returns the schema of a coverage, including ones created by t.
func (t *Tx) GetType(ctx context.Context, coverage string) (domain.Schema, error) {
	if err := t.check(); err != nil {
		return domain.Schema{}, err
	}
	return t.store.loadSchema(ctx, t.tx, coverage)
}

// AddGranules inserts records one page at a time. Cancellation is checked
// between pages; the caller rolls back on error.
func (t *Tx) AddGranules(ctx context.Context, coverage string, records []domain.GranuleRecord) (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	schema, err := t.store.loadSchema(ctx, t.tx, coverage)
	if err != nil {
		return 0, err
	}

	stmt, err := t.tx.PrepareContext(ctx, insertStatement(t.store.dialect, schema))
	if err != nil {
		return 0, &domain.CatalogError{Coverage: coverage, Op: "add_granules", Err: err}
	}
	defer func() { _ = stmt.Close() }()

	written := 0
	for i := range records {
		if i%t.store.batchSize == 0 {
			if err := ctx.Err(); err != nil {
				return written, err
			}
		}

		args, err := t.insertArgs(schema, &records[i])
		if err != nil {
			return written, &domain.CatalogError{Coverage: coverage, Op: "add_granules", Err: err}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return written, &domain.CatalogError{Coverage: coverage, Op: "add_granules", Err: err}
		}
		written++
	}

	t.touched[coverage] = true
	return written, nil
}

func (t *Tx) insertArgs(schema domain.Schema, rec *domain.GranuleRecord) ([]any, error) {
	if rec.Location == "" {
		return nil, &domain.ValidationError{Field: "location", Message: "granule location is required"}
	}
	if len(rec.Footprint) == 0 {
		return nil, &domain.ValidationError{Field: "footprint", Value: rec.Location, Message: "granule footprint is required"}
	}
	for name := range rec.Attributes {
		if _, ok := schema.Attribute(name); !ok {
			return nil, &domain.FilterError{Attribute: name, Owner: schema.Coverage, Err: domain.ErrInvalidFilterAttribute}
		}
	}

	fp, err := encodeFootprint(rec.Footprint)
	if err != nil {
		return nil, fmt.Errorf("encoding footprint of %s: %w", rec.Location, err)
	}

	b := rec.Bound()
	d := t.store.dialect
	args := make([]any, 0, 6+len(schema.Attributes))
	args = append(args, rec.Location, b.Min[0], b.Min[1], b.Max[0], b.Max[1], fp)

	for _, a := range schema.Attributes {
		v, err := domain.NormalizeValue(a.Type, rec.Attributes[a.Name])
		if err != nil {
			return nil, err
		}
		if v == nil {
			args = append(args, nil)
			continue
		}
		args = append(args, d.Value(v))
	}
	return args, nil
}

// RemoveGranules deletes the granules matching f and returns their number.
func (t *Tx) RemoveGranules(ctx context.Context, coverage string, f filter.Expr) (int64, error) {
	if err := t.check(); err != nil {
		return 0, err
	}

	schema, err := t.store.loadSchema(ctx, t.tx, coverage)
	if err != nil {
		return 0, err
	}
	where, args, err := t.store.where(f, schema, 0)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", t.store.dialect.Quote(coverage), where) //#nosec G201 -- identifiers validated by the schema
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &domain.CatalogError{Coverage: coverage, Op: "remove_granules", Err: err}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, &domain.CatalogError{Coverage: coverage, Op: "remove_granules", Err: err}
	}
	if n > 0 {
		t.touched[coverage] = true
	}
	return n, nil
}

// RemoveCoverage drops the granule table and the registration of a coverage.
func (t *Tx) RemoveCoverage(ctx context.Context, coverage string) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, err := t.store.loadSchema(ctx, t.tx, coverage); err != nil {
		return err
	}

	d := t.store.dialect
	drop := fmt.Sprintf("DROP TABLE %s", d.Quote(coverage)) //#nosec G201 -- registered coverage name
	if _, err := t.tx.ExecContext(ctx, drop); err != nil {
		return &domain.CatalogError{Coverage: coverage, Op: "remove_coverage", Err: err}
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE name = %s", d.Quote(metaTable), d.Placeholder(1)) //#nosec G201 -- constant table name
	if _, err := t.tx.ExecContext(ctx, del, coverage); err != nil {
		return &domain.CatalogError{Coverage: coverage, Op: "remove_coverage", Err: err}
	}

	delete(t.touched, coverage)
	t.store.logger.Debug("coverage removed", "coverage", coverage)
	return nil
}

// Commit bumps the revision of every touched coverage, commits and runs the
// commit hooks.
func (t *Tx) Commit() error {
	if t.done {
		return sql.ErrTxDone
	}
	defer t.finish()

	if err := t.store.check(); err != nil {
		_ = t.tx.Rollback()
		return err
	}

	d := t.store.dialect
	bump := fmt.Sprintf("UPDATE %s SET revision = revision + 1 WHERE name = %s",
		d.Quote(metaTable), d.Placeholder(1)) //#nosec G201 -- constant table name
	for coverage := range t.touched {
		if _, err := t.tx.Exec(bump, coverage); err != nil {
			_ = t.tx.Rollback()
			return &domain.CatalogError{Coverage: coverage, Op: "commit", Err: err}
		}
	}

	if err := t.tx.Commit(); err != nil {
		return &domain.CatalogError{Op: "commit", Err: err}
	}
	for _, fn := range t.hooks {
		fn()
	}
	return nil
}

// OnCommit registers fn to run after a successful Commit, while the writer
// slot is still held.
func (t *Tx) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// Rollback discards the transaction. It is a no-op after Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	defer t.finish()

	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return &domain.CatalogError{Op: "rollback", Err: err}
	}
	return nil
}

func (t *Tx) finish() {
	t.done = true
	<-t.store.writer
}
