package catalog

import (
	"fmt"
	"strings"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
)

// createStatements returns the DDL creating the granule table of a coverage
// and its indexes.
func createStatements(d dialect, schema domain.Schema) []string {
	table := d.Quote(schema.Coverage)

	cols := []string{
		d.IDColumn(),
		d.Quote(schema.Location()) + " TEXT NOT NULL",
		d.Quote(filter.ColMinX) + " DOUBLE PRECISION NOT NULL",
		d.Quote(filter.ColMinY) + " DOUBLE PRECISION NOT NULL",
		d.Quote(filter.ColMaxX) + " DOUBLE PRECISION NOT NULL",
		d.Quote(filter.ColMaxY) + " DOUBLE PRECISION NOT NULL",
		d.Quote(filter.FootprintAttribute) + " " + d.BlobType() + " NOT NULL",
	}
	for _, a := range schema.Attributes {
		cols = append(cols, d.Quote(a.Name)+" "+columnType(a.Type))
	}

	stmts := []string{
		fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(cols, ", ")),
		fmt.Sprintf("CREATE INDEX %s ON %s (%s, %s, %s, %s)",
			d.Quote(indexName(schema.Coverage, "bbox")), table,
			d.Quote(filter.ColMinX), d.Quote(filter.ColMaxX), d.Quote(filter.ColMinY), d.Quote(filter.ColMaxY)),
		fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			d.Quote(indexName(schema.Coverage, "location")), table, d.Quote(schema.Location())),
	}

	seen := make(map[string]bool)
	for _, dim := range schema.Dimensions {
		for _, attr := range dim.Attributes() {
			if seen[attr] {
				continue
			}
			seen[attr] = true
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
				d.Quote(indexName(schema.Coverage, attr)), table, d.Quote(attr)))
		}
	}
	return stmts
}

func indexName(coverage, suffix string) string {
	return coverage + "_" + suffix + "_idx"
}

// insertStatement returns the single-row insert of a coverage. Arguments are
// the location, the bbox, the footprint WKB and the attributes in
// declaration order.
func insertStatement(d dialect, schema domain.Schema) string {
	cols := []string{
		d.Quote(schema.Location()),
		d.Quote(filter.ColMinX), d.Quote(filter.ColMinY),
		d.Quote(filter.ColMaxX), d.Quote(filter.ColMaxY),
		d.Quote(filter.FootprintAttribute),
	}
	for _, a := range schema.Attributes {
		cols = append(cols, d.Quote(a.Name))
	}

	params := make([]string, len(cols))
	for i := range params {
		params[i] = d.Placeholder(i + 1)
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(schema.Coverage), strings.Join(cols, ", "), strings.Join(params, ", "))
}

// selectColumns lists the columns read by scanGranule.
func selectColumns(d dialect, schema domain.Schema) []string {
	cols := []string{
		"id",
		d.Quote(schema.Location()),
		d.Quote(filter.FootprintAttribute),
	}
	for _, a := range schema.Attributes {
		cols = append(cols, d.Quote(a.Name))
	}
	return cols
}
