package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/store"
)

// PostgresChecker validates the database the change feed listens on
type PostgresChecker struct {
	cfg    config.PostgresConfig
	table  string
	logger *logrus.Logger
}

// NewPostgresChecker checks the notify trigger on table
func NewPostgresChecker(cfg config.PostgresConfig, table string, logger *logrus.Logger) *PostgresChecker {
	return &PostgresChecker{cfg: cfg, table: table, logger: logger}
}

// Check pings the database and makes sure the notify trigger is installed
func (c *PostgresChecker) Check(ctx context.Context) error {
	pool, err := store.NewPool(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	ok, err := store.TriggerInstalled(ctx, pool, c.table)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("notify trigger missing on table %q, run the migrate command", c.table)
	}

	c.logger.Infof("Notify trigger installed on %s", c.table)
	// The installed trigger always notifies table_update.
	if c.cfg.Channel != "table_update" {
		c.logger.Warnf("Listening on channel %q, but the trigger notifies %q", c.cfg.Channel, "table_update")
	}
	return nil
}
