package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/rivet/config"
	srv "github.com/mohammad-safakhou/rivet/internal/server"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var source string
	var steps int
	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or roll back the Postgres schema (default up)",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			return srv.Migrate(source, dsn, direction, steps)
		},
	}
	cmd.Flags().StringVar(&source, "dir", "file://migrations", "migrations source")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply or roll back (0 = all)")
	return cmd
}
