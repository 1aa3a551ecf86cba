package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/topicbridge/internal/config"
	"github.com/topicbridge/internal/database"
	"github.com/topicbridge/internal/jobqueue"
	"github.com/topicbridge/internal/logging"
	"github.com/topicbridge/internal/mapping"
	"github.com/topicbridge/internal/retry"
)

// MigrateCommand creates the mapping table and applies River's schema.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Create the thread mapping table and job queue schema (postgres only)",
		Action: runMigrate,
	}
}

func runMigrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, nil); err != nil {
		return err
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("migrate requires the postgres driver, got %q", cfg.Database.Driver)
	}

	ctx := c.Context
	db, err := database.NewDB(ctx, config.DriverPostgres, cfg.Database.URL, retry.DefaultRetryConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := mapping.NewPostgresStore(db).Init(ctx); err != nil {
		return err
	}
	log.Info().Msg("thread_mappings table ready")

	pool, err := database.NewPool(ctx, cfg.Database.URL, retry.DefaultRetryConfig())
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := jobqueue.Migrate(ctx, pool); err != nil {
		return err
	}
	log.Info().Msg("job queue schema ready")
	return nil
}
