package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cdc-fanout/internal/binlog"
	"cdc-fanout/internal/config"
	"cdc-fanout/internal/fanout"
	"cdc-fanout/internal/feed"
	"cdc-fanout/internal/models"
	"cdc-fanout/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:          "cdc-fanout",
		Short:        "Fan database change notifications out to websocket subscribers",
		SilenceUsage: true,
		RunE:         runServe,
	}
	command.PersistentFlags().String("config", "config.yaml", "path to config file")

	command.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the task API and the change stream (default)",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "tail",
			Short: "Print every change event of the configured source as JSON lines",
			RunE:  runTail,
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the tasks table and the table_update notify trigger",
			RunE:  runMigrate,
		},
		newCheckCommand(),
	)
	return command
}

// setup loads the config named by --config and builds the logger
func setup(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, fmt.Errorf("read config flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.Logging), nil
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	logger.SetLevel(logrus.InfoLevel)

	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Unknown log level %q, using info", cfg.Level)
	}
	return logger
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
}

// openSource opens the configured change source. pool is only used by the
// postgres source.
func openSource(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *logrus.Logger) (fanout.Source, func(), error) {
	switch cfg.Source {
	case config.SourceMySQL:
		if cfg.MySQL.Version != "" {
			logger.Infof("MySQL version: %s", cfg.MySQL.Version)
		}
		columns, err := binlog.OpenSchemaColumns(cfg.MySQL, logger)
		if err != nil {
			return nil, nil, err
		}
		reader, err := binlog.NewReader(cfg.MySQL, cfg.Binlog, columns, logger)
		if err != nil {
			columns.Close()
			return nil, nil, fmt.Errorf("failed to create binlog reader: %w", err)
		}
		return reader, func() {
			reader.Close()
			columns.Close()
		}, nil

	default:
		reader, err := feed.Open(ctx, pool, feed.Options{
			Channel:      cfg.Postgres.Channel,
			PollInterval: cfg.Postgres.PollInterval,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open change feed: %w", err)
		}
		return reader, func() {
			if err := reader.Close(context.Background()); err != nil {
				logger.Warnf("Failed to close change feed: %v", err)
			}
		}, nil
	}
}

func runTail(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	emit := func(ev *models.ChangeEvent) error {
		data, err := ev.Encode()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	if cfg.Source == config.SourceMySQL {
		src, closeSrc, err := openSource(ctx, cfg, nil, logger)
		if err != nil {
			return err
		}
		defer closeSrc()
		for {
			ev, err := src.Next(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}
			if ev == nil {
				continue
			}
			if err := emit(ev); err != nil {
				return err
			}
		}
	}

	pool, err := store.NewPool(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	reader, err := feed.Open(ctx, pool, feed.Options{
		Channel:      cfg.Postgres.Channel,
		PollInterval: cfg.Postgres.PollInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open change feed: %w", err)
	}
	defer reader.Close(context.Background())

	for ev, err := range reader.All(ctx) {
		if err != nil {
			return err
		}
		if err := emit(ev); err != nil {
			return err
		}
	}
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	return store.Migrate(cfg.Postgres.URL, logger)
}

func newCheckCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "check",
		Short: "Verify the configured source is ready to stream changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			table, err := cmd.Flags().GetString("table")
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()

			if cfg.Source == config.SourceMySQL {
				return NewMySQLChecker(cfg.MySQL, logger).Check(ctx)
			}
			return NewPostgresChecker(cfg.Postgres, table, logger).Check(ctx)
		},
	}
	command.Flags().String("table", "tasks", "table whose notify trigger to check (postgres)")
	return command
}
