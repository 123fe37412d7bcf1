package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bolagsdata/registryd/internal/cache"
	"github.com/bolagsdata/registryd/internal/config"
)

// sweepCmd deletes expired cache rows. Expired entries are normally
// served stale and refreshed lazily; the sweep is for reclaiming space
// on keys nobody asks about anymore. Run it from cron, not a loop.
func sweepCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired cache entries from the details and documents tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			db, err := sqlx.Open("postgres", cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("open postgres: %w", err)
			}
			defer db.Close()
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("ping postgres: %w", err)
			}

			store := cache.NewPostgresStore(db, cfg.Postgres.QueryTimeout)

			if dryRun {
				sizes, err := store.Sizes(ctx)
				if err != nil {
					return err
				}
				for class, n := range sizes {
					log.Info().Str("class", string(class)).Int64("rows", n).Msg("cache size")
				}
				return nil
			}

			removed, err := store.SweepExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			log.Info().Int64("removed", removed).Msg("sweep complete")
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report cache sizes without deleting")
	return cmd
}
