package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"naskahsync/config"
	"naskahsync/internal/feed/wsfeed"
	"naskahsync/internal/session"
	"naskahsync/internal/shoplist"
	"naskahsync/middleware"
	"naskahsync/pkg/logger"
)

// rootOptions carries the global flags, resolved through viper so every
// flag can also come from a NASKAH_* environment variable. Engine timings
// and the cache path come from the process configuration.
type rootOptions struct {
	v   *viper.Viper
	cfg config.Config
}

func (o *rootOptions) server() string   { return o.v.GetString("server") }
func (o *rootOptions) user() string     { return o.v.GetString("user") }
func (o *rootOptions) secret() string   { return o.v.GetString("secret") }
func (o *rootOptions) logLevel() string { return o.v.GetString("log-level") }

func (o *rootOptions) sessionConfig() session.Config { return session.ConfigFrom(o.cfg) }
func (o *rootOptions) listConfig() shoplist.Config   { return shoplist.ConfigFrom(o.cfg) }

// cachePath prefers --cache over CACHE_PATH.
func (o *rootOptions) cachePath() string {
	if p := o.v.GetString("cache"); p != "" {
		return p
	}
	return o.cfg.CachePath
}

// load reads the process configuration (.env and environment).
func (o *rootOptions) load() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// token returns the configured token, or mints one for --user when a
// secret is known.
func (o *rootOptions) token() (string, error) {
	if t := o.v.GetString("token"); t != "" {
		return t, nil
	}
	if o.user() == "" || o.secret() == "" {
		return "", errors.New("set --token, or --user together with --secret")
	}
	return middleware.MintToken(o.secret(), o.user(), time.Hour)
}

// userID is the identity the feed server will see.
func (o *rootOptions) userID() (string, error) {
	if o.user() != "" {
		return o.user(), nil
	}
	t := o.v.GetString("token")
	if t == "" || o.secret() == "" {
		return "", errors.New("set --user")
	}
	return middleware.ParseToken(o.secret(), t)
}

// bindLocal binds the running command's own flags. Subcommands share
// flag names, so only the one being executed is bound.
func (o *rootOptions) bindLocal(cmd *cobra.Command, _ []string) error {
	return o.v.BindPFlags(cmd.LocalFlags())
}

func (o *rootOptions) dial(ctx context.Context) (*wsfeed.Conn, error) {
	token, err := o.token()
	if err != nil {
		return nil, err
	}
	return wsfeed.Dial(ctx, o.server(), token)
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{v: viper.New(), cfg: config.Default()}

	cmd := &cobra.Command{
		Use:           "naskahctl",
		Short:         "Run and talk to the naskah feed server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Init(opts.logLevel())
			return opts.load()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("server", "ws://localhost:8080/ws", "feed server websocket URL")
	flags.String("token", "", "bearer token for the feed server")
	flags.String("user", "", "user ID, used to mint a token when --secret is set")
	flags.String("secret", "", "JWT secret shared with the server")
	flags.String("log-level", "warn", "log level (debug|info|warn|error)")

	opts.v.SetEnvPrefix("NASKAH")
	opts.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	opts.v.AutomaticEnv()
	if err := opts.v.BindPFlags(flags); err != nil {
		panic(fmt.Sprintf("binding flags: %v", err))
	}

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newWatchCommand(opts))
	cmd.AddCommand(newEditCommand(opts))
	cmd.AddCommand(newBootstrapCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	return cmd
}
