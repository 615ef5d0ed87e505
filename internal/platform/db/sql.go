package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

var (
	ErrAccessDenied    = errors.New("database access denied")
	ErrUnknownDatabase = errors.New("unknown database")
)

// sqlDB serves MariaDB/MySQL and SQLite through database/sql.
type sqlDB struct {
	db     *sql.DB
	driver Driver
}

func openMySQL(ctx context.Context, dsn string, maxConns, minConns int32) (DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("create connector: %w", err)
	}

	conn := sql.OpenDB(connector)
	if maxConns > 0 {
		conn.SetMaxOpenConns(int(maxConns))
	}
	if minConns > 0 {
		conn.SetMaxIdleConns(int(minConns))
	}
	conn.SetConnMaxLifetime(30 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", ClassifyMySQL(err))
	}
	return &sqlDB{db: conn, driver: DriverMySQL}, nil
}

func openSQLite(ctx context.Context, path string) (DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps in-memory databases shared across queries.
	conn.SetMaxOpenConns(1)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &sqlDB{db: conn, driver: DriverSQLite}, nil
}

// ClassifyMySQL maps server errors for bad credentials or database names
// to sentinel errors; other errors are returned unchanged.
func ClassifyMySQL(err error) error {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return err
	}
	switch me.Number {
	case 1044, 1045:
		return fmt.Errorf("%w: %s", ErrAccessDenied, me.Message)
	case 1049:
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, me.Message)
	}
	return err
}

func (s *sqlDB) Driver() Driver { return s.driver }

func (s *sqlDB) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.classify(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *sqlDB) Exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return s.classify(err)
}

func (s *sqlDB) Ping(ctx context.Context) error { return s.classify(s.db.PingContext(ctx)) }

func (s *sqlDB) classify(err error) error {
	if err == nil || s.driver != DriverMySQL {
		return err
	}
	return ClassifyMySQL(err)
}

func (s *sqlDB) Stats() *PoolStats {
	st := s.db.Stats()
	return &PoolStats{
		Driver:          string(s.driver),
		TotalConns:      int32(st.OpenConnections),
		IdleConns:       int32(st.Idle),
		AcquiredConns:   int32(st.InUse),
		MaxConns:        int32(st.MaxOpenConnections),
		AcquireCount:    st.WaitCount,
		AcquireDuration: st.WaitDuration.String(),
		Healthy:         st.OpenConnections > 0,
	}
}

func (s *sqlDB) Close() { s.db.Close() }
