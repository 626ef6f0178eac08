package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
)

// NewPool opens and pings a connection pool. The acquire timeout bounds the
// initial connect and ping.
func NewPool(ctx context.Context, cfg config.PostgresConfig, logger *logrus.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns

	ctx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	logger.WithField("max_conns", poolConfig.MaxConns).Infof("Connected to Postgres at %s", poolConfig.ConnConfig.Host)
	return pool, nil
}

// TriggerInstalled reports whether the notify trigger exists on table
func TriggerInstalled(ctx context.Context, pool *pgxpool.Pool, table string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_trigger t
			JOIN pg_class c ON c.oid = t.tgrelid
			JOIN pg_proc p ON p.oid = t.tgfoid
			WHERE c.relname = $1 AND p.proname = 'notify_table_update' AND NOT t.tgisinternal
		)`, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up trigger: %w", err)
	}
	return exists, nil
}
