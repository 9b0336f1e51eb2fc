package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"naskahsync/internal/bootstrap"
	"naskahsync/internal/cache"
)

func newBootstrapCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Load a path from the server and the local caches",
		Long: `Read one path from the server, the durable sqlite cache and the
in-memory cache, keep the most complete copy and refresh the caches from
the server.`,
		Args:    cobra.NoArgs,
		PreRunE: opts.bindLocal,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.v.GetDuration("timeout"))
			defer cancel()

			durable, err := cache.OpenSQLite(opts.cachePath())
			if err != nil {
				return err
			}
			defer durable.Close()

			conn, err := opts.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			var count bootstrap.Counter
			if field := opts.v.GetString("field"); field != "" {
				count = bootstrap.CountField(field)
			}
			loader := bootstrap.New(conn, durable, cache.NewMemory(), opts.v.GetString("path"), count)

			out := cmd.OutOrStdout()
			res, err := loader.Load(ctx)
			if err != nil {
				return err
			}
			if res.Source == bootstrap.SourceNone {
				fmt.Fprintln(out, "nothing found remotely or in the caches")
			} else {
				fmt.Fprintf(out, "loaded %d entries from %s\n", res.Count, res.Source)
			}

			res, replaced, err := loader.RefreshFromRemote(ctx)
			if err != nil {
				return err
			}
			if replaced {
				fmt.Fprintf(out, "refreshed %d entries from %s\n", res.Count, res.Source)
			}
			return nil
		},
	}
	cmd.Flags().String("path", "settings/bootstrap", "feed path to load")
	cmd.Flags().String("field", "", "count entries of this top level field instead of the whole value")
	cmd.Flags().String("cache", "", "sqlite cache file (default CACHE_PATH)")
	cmd.Flags().Duration("timeout", 15*time.Second, "give up after this long")
	return cmd
}
