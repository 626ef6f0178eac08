package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"

	driver "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"cdc-fanout/internal/config"
)

// MySQLChecker validates MySQL connection and required permissions
type MySQLChecker struct {
	cfg    config.MySQLConfig
	logger *logrus.Logger
}

// NewMySQLChecker creates a new MySQL checker
func NewMySQLChecker(cfg config.MySQLConfig, logger *logrus.Logger) *MySQLChecker {
	return &MySQLChecker{cfg: cfg, logger: logger}
}

// Check verifies the connection, replication grants and binlog settings
func (c *MySQLChecker) Check(ctx context.Context) error {
	dsn := driver.NewConfig()
	dsn.User = c.cfg.User
	dsn.Passwd = c.cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}

	c.logger.Info("Successfully connected to MySQL server")

	if err := c.checkGrants(ctx, db); err != nil {
		return err
	}
	if err := c.checkBinlog(ctx, db); err != nil {
		return err
	}
	return nil
}

func (c *MySQLChecker) checkGrants(ctx context.Context, db *sql.DB) error {
	requiredPrivs := []string{
		"REPLICATION SLAVE",
		"REPLICATION CLIENT",
		"SELECT",
	}

	// SHOW GRANTS can return multiple rows
	rows, err := db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// MySQL 5.6
		rows, err = db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	var grants []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating grants: %w", err)
	}

	if missing := missingPrivileges(grants, requiredPrivs); len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s", strings.Join(missing, ", "), strings.Join(grants, "; "))
	}

	c.logger.Info("All required permissions verified")
	return nil
}

// missingPrivileges returns the required privileges no grant mentions.
// ALL PRIVILEGES covers everything.
func missingPrivileges(grants, required []string) []string {
	joined := strings.ToUpper(strings.Join(grants, "; "))
	if strings.Contains(joined, "ALL PRIVILEGES") {
		return nil
	}
	var missing []string
	for _, priv := range required {
		if !strings.Contains(joined, priv) {
			missing = append(missing, priv)
		}
	}
	return missing
}

func (c *MySQLChecker) checkBinlog(ctx context.Context, db *sql.DB) error {
	logBin, err := variable(ctx, db, "log_bin")
	if err != nil {
		c.logger.Warn("Could not verify binlog status")
	} else {
		if logBin != "ON" && logBin != "1" {
			return fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s. Enable it in MySQL configuration", logBin)
		}
		c.logger.Info("Binary logging is enabled")
	}

	binlogFormat, err := variable(ctx, db, "binlog_format")
	switch {
	case err != nil:
		c.logger.Warn("Could not verify binlog_format")
	case binlogFormat != "ROW":
		c.logger.Warnf("binlog_format is set to '%s', but ROW format is required for row change events", binlogFormat)
	default:
		c.logger.Info("binlog_format is set to ROW")
	}
	return nil
}

// variable reads a server variable, falling back to @@name
func variable(ctx context.Context, db *sql.DB, name string) (string, error) {
	var key, value string
	err := db.QueryRowContext(ctx, "SHOW VARIABLES LIKE ?", name).Scan(&key, &value)
	if err == nil {
		return value, nil
	}
	if err := db.QueryRowContext(ctx, "SELECT @@"+name).Scan(&value); err != nil {
		return "", err
	}
	return value, nil
}
