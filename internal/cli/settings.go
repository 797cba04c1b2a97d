package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gallerydl/gdlsync/internal/config"
	"github.com/gallerydl/gdlsync/internal/state"
)

// NewSettingsCommand creates the settings command group.
func NewSettingsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the service address and token",
		Long: `Show or change the service address and token. Values set here are
stored in the state database and take precedence over the environment.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current settings with the token masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd, rootOpts, func(ctx context.Context, s *config.Settings) error {
				v := s.View()
				p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
				return p.print(v, fmt.Sprintf("api_base:  %s\napi_token: %s", v.Base, v.Token))
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-base <url>",
		Short: "Set the service address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd, rootOpts, func(ctx context.Context, s *config.Settings) error {
				if err := s.SetBase(ctx, args[0]); err != nil {
					return WrapExitError(ExitCommandError, "set-base", err)
				}
				p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
				return p.print(s.View(), "api_base: "+s.Base())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-token <token>",
		Short: "Set the service bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd, rootOpts, func(ctx context.Context, s *config.Settings) error {
				if err := s.SetToken(ctx, args[0]); err != nil {
					return WrapExitError(ExitCommandError, "set-token", err)
				}
				v := s.View()
				p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
				return p.print(v, "api_token: "+v.Token)
			})
		},
	})

	return cmd
}

func withSettings(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, s *config.Settings) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open state", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	s, err := config.NewSettings(ctx, cfg, db)
	if err != nil {
		return WrapExitError(ExitCommandError, "load settings", err)
	}
	return fn(ctx, s)
}
