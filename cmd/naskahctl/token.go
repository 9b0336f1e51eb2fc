package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"naskahsync/middleware"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "token <userID>",
		Short:   "Mint a development token",
		Args:    cobra.ExactArgs(1),
		PreRunE: opts.bindLocal,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.secret() == "" {
				return errors.New("--secret (or NASKAH_SECRET) is required")
			}
			token, err := middleware.MintToken(opts.secret(), args[0], opts.v.GetDuration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	return cmd
}
