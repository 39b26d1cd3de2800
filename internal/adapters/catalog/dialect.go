package catalog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver
	"github.com/mattn/go-sqlite3"

	"github.com/jobrunner/tessera/internal/domain"
)

const sqliteDriverName = "sqlite3_tessera"

// Register the sqlite driver with per-connection tuning for WAL mode.
func init() {
	sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			_, err := conn.Exec("PRAGMA synchronous = NORMAL", nil)
			return err
		},
	})
}

// dialect captures the SQL differences between the supported databases.
type dialect interface {
	Name() string
	DriverName() string
	DSN(dsn string) string
	Quote(ident string) string
	Placeholder(n int) string
	Value(v any) any
	IDColumn() string
	BlobType() string
	Unbounded() string
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql":
		return postgresDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported catalog driver %q: %w", driver, domain.ErrInvalidInput)
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// storageValue converts normalized attribute values into driver values.
// Times are stored as UTC unix milliseconds.
func storageValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC().UnixMilli()
	}
	return v
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string       { return "sqlite" }
func (sqliteDialect) DriverName() string { return sqliteDriverName }

// DSN turns a file path into a DSN with WAL journaling, a busy timeout and
// immediate write transactions. DSNs starting with "file:" are used as is.
func (sqliteDialect) DSN(dsn string) string {
	if strings.HasPrefix(dsn, "file:") {
		return dsn
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", dsn)
}

func (sqliteDialect) Quote(ident string) string { return quoteIdent(ident) }
func (sqliteDialect) Placeholder(int) string    { return "?" }
func (sqliteDialect) Value(v any) any           { return storageValue(v) }
func (sqliteDialect) IDColumn() string          { return "id INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) BlobType() string          { return "BLOB" }
func (sqliteDialect) Unbounded() string         { return "-1" }

type postgresDialect struct{}

func (postgresDialect) Name() string              { return "postgres" }
func (postgresDialect) DriverName() string        { return "postgres" }
func (postgresDialect) DSN(dsn string) string     { return dsn }
func (postgresDialect) Quote(ident string) string { return quoteIdent(ident) }
func (postgresDialect) Placeholder(n int) string  { return fmt.Sprintf("$%d", n) }
func (postgresDialect) Value(v any) any           { return storageValue(v) }
func (postgresDialect) IDColumn() string          { return "id BIGSERIAL PRIMARY KEY" }
func (postgresDialect) BlobType() string          { return "BYTEA" }
func (postgresDialect) Unbounded() string         { return "ALL" }

// columnType maps attribute types to portable column types.
func columnType(t domain.AttributeType) string {
	switch t {
	case domain.AttrInteger, domain.AttrTime:
		return "BIGINT"
	case domain.AttrDouble:
		return "DOUBLE PRECISION"
	default:
		return "TEXT"
	}
}
