package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ha1tch/ledgersync/pkg/engine"
	"github.com/ha1tch/ledgersync/pkg/models"
)

func syncCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "sync <stream>",
		Short: "Run one sync cycle for a stream in the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := models.ParseStream(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			e, err := engine.New(cfg, logger)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			if err := e.Preflight(ctx); err != nil {
				return fmt.Errorf("preflight failed: %w", err)
			}
			report, err := e.Scheduler.RunOnce(ctx, stream, force)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "re-read the whole table without moving the cursor")
	return cmd
}
