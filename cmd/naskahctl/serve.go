package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"naskahsync/server"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the feed server",
		Long: `Run the feed server. Configuration comes from .env and the
environment (DATABASE_URL, SUPABASE_JWT_SECRET, LISTEN_ADDR, ...).
Without a database documents are kept in memory.`,
		Args:    cobra.NoArgs,
		PreRunE: opts.bindLocal,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if addr := opts.v.GetString("listen"); addr != "" {
				cfg.ListenAddr = addr
			}
			if cfg.JWTSecret == "" {
				cfg.JWTSecret = opts.secret()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return server.Run(ctx, cfg)
		},
	}
	cmd.Flags().String("listen", "", "listen address, overrides LISTEN_ADDR")
	return cmd
}
