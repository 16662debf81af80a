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

	"github.com/jacksonlee411/dirsync/internal/server"
)

type ServeOptions struct {
	*RootOptions
	Addr     string
	Store    string
	Schedule bool
}

func NewServeCommand(root *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync HTTP API",
		Long: `Serve POST /sync, GET /sync-logs, GET /sync-stats and
POST /sync/test-connection for the companies in the config.

Example:
  dirsync serve --store postgres --schedule`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	addr := os.Getenv("DIRSYNC_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", addr, "listen address")
	cmd.Flags().BoolVar(&opts.Schedule, "schedule", false, "run providers with a sync_interval on a timer")
	storeFlag(cmd, &opts.Store)

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	logger := opts.Logger
	app, err := openApp(ctx, opts.RootOptions, opts.Store)
	if err != nil {
		return err
	}
	defer app.Close()

	authorizer, err := server.LoadAuthorizer()
	if err != nil {
		return WrapExitError(ExitCommandError, "load authz policy", err)
	}
	handler, err := app.Handler(authorizer, ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "build handler", err)
	}

	if opts.Schedule {
		go server.NewScheduler(opts.Config, app.Orchestrator, logger).Run(ctx)
	}

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", opts.Addr, "store", opts.Store, "authz_mode", authorizer.Mode(), "schedule", opts.Schedule)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "http server", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "http shutdown", err)
	}
	return nil
}
