package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Driver names a supported source database.
type Driver string

const (
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

func ParseDriver(s string) (Driver, error) {
	switch d := Driver(strings.ToLower(strings.TrimSpace(s))); d {
	case DriverMySQL, DriverPostgres, DriverSQLite:
		return d, nil
	case "mariadb":
		return DriverMySQL, nil
	case "postgresql", "pgx":
		return DriverPostgres, nil
	}
	return "", fmt.Errorf("unsupported SOURCE_DRIVER %q (want mysql, postgres or sqlite)", s)
}

// DB is the query surface shared by all drivers. Query materializes the
// result; rows are keyed by column name and hold driver values unchanged.
// Queries use '?' placeholders regardless of driver.
type DB interface {
	Driver() Driver
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, query string, args ...any) error
	Ping(ctx context.Context) error
	Stats() *PoolStats
	Close()
}

// Open connects to the source database and verifies the connection.
func Open(ctx context.Context, driver Driver, url string, maxConns, minConns int32) (DB, error) {
	switch driver {
	case DriverPostgres:
		pool, err := NewPool(ctx, url, maxConns, minConns)
		if err != nil {
			return nil, err
		}
		return &pgxDB{pool: pool}, nil
	case DriverMySQL:
		return openMySQL(ctx, url, maxConns, minConns)
	case DriverSQLite:
		return openSQLite(ctx, url)
	}
	return nil, fmt.Errorf("unsupported driver %q", driver)
}

// Rebind rewrites '?' placeholders to the driver's syntax.
func Rebind(driver Driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Placeholders returns n comma separated '?' placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
