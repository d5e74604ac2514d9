package main

import (
	"github.com/spf13/cobra"

	"github.com/dmitrymomot/bedwatch/migrations"
	"github.com/dmitrymomot/bedwatch/pkg/pg"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the development schema of the facilities relation",
		Long:  "migrate creates the facilities relation the poller reads. Production databases own this schema and should not need it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			var cfg pg.Config
			if err := load(into(&cfg)); err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := pg.Connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			return pg.Migrate(ctx, pool, cfg, migrations.FS, log)
		},
	}
}
