// Package store is the event-store gateway: parameterized SQL over the
// submissions, turnstile_validations, and blacklist tables, with the
// datetime normalization the window predicates depend on.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	_ "modernc.org/sqlite"
)

// ErrDuplicateToken is returned when a validation insert hits the unique
// token_hash index. This is the sole replay guard.
var ErrDuplicateToken = errors.New("token hash already recorded")

// TimeLayout is the SQL-native timestamp format used for every stored
// instant and every window predicate. ISO-8601 "T" separators must never
// reach a query parameter: the tables store TEXT timestamps and range
// comparisons are string comparisons.
const TimeLayout = "2006-01-02 15:04:05"

// SQLTime normalizes an instant to the stored representation (UTC,
// second precision, space separator).
func SQLTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseSQLTime parses a stored timestamp back into a UTC instant.
func ParseSQLTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.UTC)
}

// DB wraps the sqlx handle with the selected dialect. Queries are written
// with "?" placeholders and rebound per dialect.
type DB struct {
	*sqlx.DB
	driver string
}

// Open connects to the configured backend. Driver is one of "postgres",
// "mysql", "sqlite".
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return &DB{DB: db, driver: driver}, nil
}

// Wrap adopts an existing handle (used by tests with sqlmock).
func Wrap(db *sqlx.DB, driver string) *DB {
	return &DB{DB: db, driver: driver}
}

// Driver returns the active dialect name.
func (d *DB) Driver() string { return d.driver }

// q rebinds a "?" query for the active dialect.
func (d *DB) q(query string) string {
	return d.Rebind(query)
}

// isUniqueViolation reports whether err is a row-uniqueness error from any
// of the supported drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	// modernc.org/sqlite reports constraint failures by message.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
