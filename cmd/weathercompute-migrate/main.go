package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	catalogmigrations "weathercompute/internal/catalog/migrations"
	"weathercompute/pkg/config"
	"weathercompute/pkg/database"
	"weathercompute/pkg/logger"
)

func main() {
	logger.Init("info")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:   "weathercompute-migrate",
		Short: "Applies or rolls back the catalog schema migrations",
	}
	root.AddCommand(
		newMigrateCmd(ctx, "up", "Apply all pending migrations", (*database.Migrator).Up),
		newMigrateCmd(ctx, "down", "Roll back the most recent migration", (*database.Migrator).Down),
		newStatusCmd(ctx),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Log.Error("weathercompute-migrate exited with error", "error", err)
		os.Exit(1)
	}
}

func newMigrateCmd(ctx context.Context, use, short string, run func(*database.Migrator, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeDB, err := buildMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeDB()
			return run(migrator, ctx)
		},
	}
}

func newStatusCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the applied/pending state of each migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeDB, err := buildMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeDB()
			return migrator.Status(ctx)
		},
	}
}

func buildMigrator(ctx context.Context) (*database.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to catalog database: %w", err)
	}

	migrator := database.NewMigrator(db.Pool(), catalogmigrations.FS, ".")
	return migrator, db.Close, nil
}
