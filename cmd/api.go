package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/topicbridge/internal/api"
	"github.com/topicbridge/internal/api/auth"
	"github.com/topicbridge/internal/logging"
)

// APICommand returns the CLI command for starting the API server
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the topicbridge API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides server.port)",
			},
		},
		Action: runAPI,
	}
}

func runAPI(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, nil); err != nil {
		return err
	}
	if port := c.Int("port"); port > 0 {
		cfg.Server.Port = port
	}

	ctx := c.Context
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	if a.jobs != nil {
		if err := a.jobs.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job queue: %w", err)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.jobs.Stop(stopCtx); err != nil {
				log.Warn().Err(err).Msg("job queue did not stop cleanly")
			}
		}()
	}

	server := api.NewServer(cfg.Server.Port, api.Deps{
		Threads: a.orchestrator,
		Forum:   a.gateway,
		Auth:    auth.NewTokenValidator(cfg.Auth.Secret, cfg.Auth.HandleClaim),
		Health:  a.health,
	})
	return server.Start(ctx)
}
