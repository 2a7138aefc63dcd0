package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/runtime"
	"github.com/mohammad-safakhou/rivet/internal/scheduler"
)

func sweepCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired conversation state from every tier once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a := &app{cfg: cfg}
			if err := buildState(ctx, cfg, a); err != nil {
				return err
			}
			defer a.states.Close()

			rdb, err := runtime.OpenRedis(ctx, cfg.Storage.Redis)
			if err != nil {
				return err
			}
			var locker scheduler.Locker
			if rdb != nil {
				defer rdb.Close()
				locker = rdb
			}
			sched, err := scheduler.New(a.states, cfg.Maintenance.SweepCron, locker, cfg.Maintenance.LockTTL, newLogger("SCHED"))
			if err != nil {
				return err
			}
			n, err := sched.RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired records\n", n)
			if errors.Is(err, scheduler.ErrLocked) {
				fmt.Fprintln(cmd.OutOrStdout(), "shared tier skipped: another instance holds the sweep lock")
				return nil
			}
			return err
		},
	}
}
