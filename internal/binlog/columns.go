package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"sync"

	driver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
)

// Columns describes a table's columns in ordinal order
type Columns struct {
	Names []string
	Types []string
	// Primary is the index of the first primary key column, or -1.
	Primary int
}

// ColumnResolver looks up column metadata for a table
type ColumnResolver interface {
	Columns(ctx context.Context, database, table string) (Columns, error)
}

// SchemaColumns reads column metadata from INFORMATION_SCHEMA and caches it
// per table.
type SchemaColumns struct {
	db     *sql.DB
	logger *logrus.Logger

	mu    sync.Mutex
	cache map[string]Columns
}

// OpenSchemaColumns opens a single-connection pool to the source server
func OpenSchemaColumns(cfg config.MySQLConfig, logger *logrus.Logger) (*SchemaColumns, error) {
	dsn := driver.NewConfig()
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return NewSchemaColumns(db, logger), nil
}

// NewSchemaColumns resolves columns through db, caching per table
func NewSchemaColumns(db *sql.DB, logger *logrus.Logger) *SchemaColumns {
	return &SchemaColumns{
		db:     db,
		logger: logger,
		cache:  make(map[string]Columns),
	}
}

// Columns fetches column names, types and the primary key position
func (s *SchemaColumns) Columns(ctx context.Context, database, table string) (Columns, error) {
	cacheKey := database + "." + table

	s.mu.Lock()
	defer s.mu.Unlock()
	if cols, ok := s.cache[cacheKey]; ok {
		return cols, nil
	}

	query := `
		SELECT COLUMN_NAME, COLUMN_TYPE, COLUMN_KEY
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`
	rows, err := s.db.QueryContext(ctx, query, database, table)
	if err != nil {
		return Columns{}, fmt.Errorf("failed to query column info: %w", err)
	}
	defer rows.Close()

	cols := Columns{Primary: -1}
	for rows.Next() {
		var name, columnType, key string
		if err := rows.Scan(&name, &columnType, &key); err != nil {
			return Columns{}, fmt.Errorf("failed to scan column info: %w", err)
		}
		if key == "PRI" && cols.Primary < 0 {
			cols.Primary = len(cols.Names)
		}
		cols.Names = append(cols.Names, name)
		cols.Types = append(cols.Types, columnType)
	}
	if err := rows.Err(); err != nil {
		return Columns{}, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(cols.Names) == 0 {
		return Columns{}, fmt.Errorf("no columns found for %s", cacheKey)
	}

	s.cache[cacheKey] = cols
	s.logger.Debugf("Fetched %d columns for %s", len(cols.Names), cacheKey)

	return cols, nil
}

// Close closes the metadata connection
func (s *SchemaColumns) Close() error {
	return s.db.Close()
}
