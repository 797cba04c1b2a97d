package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gallerydl/gdlsync/internal/engine"
	"github.com/gallerydl/gdlsync/internal/job"
	"github.com/gallerydl/gdlsync/internal/view"
)

// withRuntime runs fn against a started, non-live runtime and tears it
// down afterwards.
func withRuntime(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, rt *runtime) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, opts.Verbose)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := newRuntime(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.start(ctx); err != nil {
		return err
	}
	defer rt.wait()
	defer cancel()
	return fn(ctx, rt)
}

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Title string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <url>",
		Short: "Send a url to the download service",
		Long: `Send a url to the download service. The folder is named after --title,
or after the url's gdl_title parameter when no title is given.

Example:
  gdlsync submit https://pixeldrain.com/u/abc --title "My thread"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts.RootOptions, func(ctx context.Context, rt *runtime) error {
				rec, err := rt.engine.Submit(ctx, engine.SubmitRequest{Locator: args[0], PostTitle: opts.Title})
				if err != nil {
					return serviceError("submit", err)
				}
				p := printer{format: opts.Format, w: cmd.OutOrStdout()}
				return p.print(rec, fmt.Sprintf("%s %s", rec.ID, rec.Status))
			})
		},
	}

	cmd.Flags().StringVar(&opts.Title, "title", "", "folder name for the download")

	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the jobs the service knows about",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, rootOpts, func(ctx context.Context, rt *runtime) error {
				ps, err := rt.client.List(ctx)
				if err != nil {
					return serviceError("list", err)
				}
				p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
				proj := listProjection(ps, rt.logger)
				return p.print(proj, strings.TrimRight(view.Renderer{NoColor: true}.Render(proj, nil), "\n"))
			})
		},
	}
}

// listProjection folds a job listing into the all-jobs view.
func listProjection(ps []job.Partial, logger *slog.Logger) view.Projection {
	store := job.NewStore()
	for _, p := range ps {
		if _, err := store.Merge(p); err != nil {
			logger.Debug("list entry skipped", "error", err)
		}
	}
	return view.Project(store.All(), view.ModeAll, "", nil)
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Run a finished job again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, rootOpts, func(ctx context.Context, rt *runtime) error {
				rec, err := rt.engine.Retry(ctx, args[0])
				if err != nil {
					return serviceError("retry", err)
				}
				p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
				return p.print(rec, fmt.Sprintf("%s %s", rec.ID, rec.Status))
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a finished job from the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, rootOpts, func(ctx context.Context, rt *runtime) error {
				if err := rt.engine.Delete(ctx, args[0]); err != nil {
					return serviceError("delete", err)
				}
				p := printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
				return p.print(map[string]string{"deleted": args[0]}, "deleted "+args[0])
			})
		},
	}
}
