package cli

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/jacksonlee411/dirsync/internal/config"
	"github.com/jacksonlee411/dirsync/internal/server"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

// storeFlag registers --store on cmd, defaulting to $DIRSYNC_STORE.
func storeFlag(cmd *cobra.Command, dst *string) {
	def := os.Getenv("DIRSYNC_STORE")
	if def == "" {
		def = string(server.StoreMemory)
	}
	cmd.Flags().StringVar(dst, "store", def, "directory store memory|postgres")
}

func openApp(ctx context.Context, root *RootOptions, store string) (*server.App, error) {
	app, err := server.NewApp(ctx, root.Config, server.AppOptions{Store: server.StoreKind(store), Logger: root.Logger})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "initialize", err)
	}
	return app, nil
}

// resolveCompany accepts a company id or domain; with a single configured
// company the reference may be empty.
func resolveCompany(cfg *config.Config, ref string) (config.Company, error) {
	if ref == "" {
		if len(cfg.Companies) == 1 {
			return cfg.Companies[0], nil
		}
		return config.Company{}, NewUsageError("--company is required when more than one company is configured")
	}
	if c, ok := cfg.Company(ref); ok {
		return c, nil
	}
	if c, ok := cfg.CompanyByDomain(ref); ok {
		return c, nil
	}
	return config.Company{}, NewUsageError("unknown company " + ref)
}

func parseProviderFlag(raw string) (types.Provider, error) {
	p, ok := types.ParseProvider(raw)
	if !ok {
		return "", NewUsageError("--provider must be wecom, dingtalk or feishu")
	}
	return p, nil
}

func NewUsageError(msg string) *ExitError {
	return &ExitError{Code: ExitCommandError, Message: msg}
}

func exitForRunError(err error) error {
	switch {
	case errors.Is(err, types.ErrSyncAlreadyRunning):
		return WrapExitError(ExitConflict, "sync rejected", err)
	case errors.Is(err, types.ErrProviderNotConfigured):
		return WrapExitError(ExitCommandError, "sync rejected", err)
	default:
		return WrapExitError(ExitFailure, "sync failed", err)
	}
}
