package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/rivet/config"
	"github.com/mohammad-safakhou/rivet/internal/queue/streams"
	"github.com/mohammad-safakhou/rivet/internal/runtime"
)

func gapsCMD(cfgPath *string) *cobra.Command {
	var group, consumer string
	var count int64
	var noAck bool
	var gaps = &cobra.Command{
		Use:   "gaps",
		Short: "Print unanswered queries recorded as knowledge gaps (JSON lines)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rdb, err := runtime.OpenRedis(ctx, cfg.Storage.Redis)
			if err != nil {
				return err
			}
			if rdb == nil {
				return errors.New("storage.redis not configured")
			}
			defer rdb.Close()

			reg := streams.NewSchemaRegistry()
			if err := streams.RegisterBaseSchemas(reg); err != nil {
				return err
			}
			c := streams.NewConsumer(rdb, reg, group, consumer)
			if err := c.EnsureGroup(ctx, cfg.Maintenance.GapStream); err != nil {
				return err
			}
			msgs, err := c.Read(ctx, cfg.Maintenance.GapStream, count, 0)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, gap := range streams.KnowledgeGaps(msgs) {
				if err := enc.Encode(gap); err != nil {
					return err
				}
			}
			if noAck {
				return nil
			}
			ids := make([]string, 0, len(msgs))
			for _, m := range msgs {
				ids = append(ids, m.ID)
			}
			return c.Ack(ctx, cfg.Maintenance.GapStream, ids...)
		},
	}
	host, _ := os.Hostname()
	gaps.Flags().StringVar(&group, "group", "knowledge-authors", "consumer group")
	gaps.Flags().StringVar(&consumer, "consumer", host, "consumer name")
	gaps.Flags().Int64Var(&count, "count", 100, "maximum gaps to read")
	gaps.Flags().BoolVar(&noAck, "no-ack", false, "leave read gaps pending")
	return gaps
}
