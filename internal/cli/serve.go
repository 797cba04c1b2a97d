package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gallerydl/gdlsync/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and the local bridge",
		Long: `Run the sync engine, follow the download service over its notification
socket and poll, and serve the local bridge that pages use to bind their
download links and buttons.

Example:
  gdlsync serve
  gdlsync serve --listen 127.0.0.1:9000 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "bridge listen address (default GDLSYNC_LISTEN_ADDR)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.ListenAddr = opts.Listen
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogFormat, opts.Verbose)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "start", err)
	}

	h := api.NewHandler(rt.engine, api.NewHub(), rt.settings,
		api.WithPushState(func() string { return rt.channel.State().String() }),
		api.WithSettingsHook(rt.channel.Reconnect),
		api.WithHandlerLogger(logger),
	)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(logger),
		api.Auth(cfg.BridgeKeys),
		api.RateLimit(ctx, cfg.SubmitRPS),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("gdlsync bridge listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		stop()
		rt.wait()
		return WrapExitError(ExitFailure, "bridge server", err)
	}
	rt.wait()
	return nil
}
