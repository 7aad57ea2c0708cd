package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ha1tch/ledgersync/pkg/cursor"
	"github.com/ha1tch/ledgersync/pkg/engine"
	"github.com/ha1tch/ledgersync/pkg/models"
)

func cursorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect, reset or migrate stream cursors",
	}
	cmd.AddCommand(cursorGetCmd())
	cmd.AddCommand(cursorResetCmd())
	cmd.AddCommand(cursorMigrateCmd())
	return cmd
}

// withCursors runs fn against the configured cursor store
func withCursors(fn func(e *engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, err := engine.New(cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

func cursorGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [stream...]",
		Short: "Print stream watermarks (all streams when none is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			streams, err := parseStreams(args)
			if err != nil {
				return err
			}
			return withCursors(func(e *engine.Engine) error {
				for _, stream := range streams {
					wm, err := e.Cursors.Get(cmd.Context(), stream)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", stream, cursor.FormatWatermark(wm))
				}
				return nil
			})
		},
	}
}

func cursorResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <stream>",
		Short: "Clear a stream's cursor so the next cycle re-reads from the epoch",
		Long: `Clear a stream's cursor so the next cycle re-reads from the epoch.

A running "serve" re-reads the cursor at the start of every incremental cycle
and picks the reset up without a restart. The badger backend is locked by the
running process, so stop "serve" before resetting a badger cursor.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stream, err := models.ParseStream(args[0])
			if err != nil {
				return err
			}
			return withCursors(func(e *engine.Engine) error {
				if err := e.Cursors.Reset(cmd.Context(), stream); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cursor for %s reset\n", stream)
				return nil
			})
		},
	}
}

func cursorMigrateCmd() *cobra.Command {
	var fromType, fromPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy cursors from another backend into the configured one",
		Long: `Copy every stored watermark from a file-based backend into the configured cursor store.

Example:
  ledgersync cursor migrate --from jsonfile --from-path ./cursors.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromType == "redis" {
				return fmt.Errorf("migrating from redis is not supported; use it as the target")
			}
			if fromPath == "" {
				return fmt.Errorf("--from-path is required")
			}
			return withCursors(func(e *engine.Engine) error {
				if fromType == e.Config.CursorType && fromPath == e.Config.CursorPath {
					return fmt.Errorf("source and target are the same store")
				}
				src, err := cursor.New(fromType, cursor.Options{Path: fromPath})
				if err != nil {
					return fmt.Errorf("failed to open source: %w", err)
				}
				defer src.Close()

				n, err := cursor.Migrate(cmd.Context(), src, e.Cursors, models.AllStreams)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d cursor(s) from %s\n", n, fromType)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&fromType, "from", "jsonfile", "source backend ("+strings.Join(cursor.ListBackends(), ", ")+")")
	cmd.Flags().StringVar(&fromPath, "from-path", "", "source backend path")
	return cmd
}

func parseStreams(args []string) ([]models.Stream, error) {
	if len(args) == 0 {
		return models.AllStreams, nil
	}
	streams := make([]models.Stream, 0, len(args))
	for _, arg := range args {
		s, err := models.ParseStream(arg)
		if err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}
	return streams, nil
}
