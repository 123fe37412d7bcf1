package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bolagsdata/registryd/internal/config"
	"github.com/bolagsdata/registryd/internal/interfaces/stdio"
)

// stdioCmd serves the frame protocol over stdin/stdout for shell
// pipelines. Logs go to stderr so stdout stays parseable.
func stdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve newline-delimited JSON requests on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries response frames only.
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := buildWiring(ctx, cfg)
			if err != nil {
				return err
			}
			defer w.close()

			return stdio.NewRunner(w.svc, os.Stdin, os.Stdout).Run(ctx)
		},
	}
}
