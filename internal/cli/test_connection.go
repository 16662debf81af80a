package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jacksonlee411/dirsync/internal/server"
	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

func NewTestConnectionCommand(root *RootOptions) *cobra.Command {
	var company, provider string

	cmd := &cobra.Command{
		Use:   "test-connection",
		Short: "Check provider credentials and department access",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := resolveCompany(root.Config, company)
			if err != nil {
				return err
			}
			p, err := parseProviderFlag(provider)
			if err != nil {
				return err
			}
			app, err := openApp(cmd.Context(), root, string(server.StoreMemory))
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Queries.TestConnection(cmd.Context(), c.ID, p, server.RetryPolicy(root.Config.Sync))
			if errors.Is(err, types.ErrProviderNotConfigured) {
				return WrapExitError(ExitCommandError, "test connection", err)
			}
			if err != nil {
				return WrapExitError(ExitFailure, "connection failed", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "connection ok: %s reports %d departments\n", p, n)
			return err
		},
	}
	cmd.Flags().StringVar(&company, "company", "", "company id or domain")
	cmd.Flags().StringVar(&provider, "provider", "", "wecom|dingtalk|feishu (required)")
	_ = cmd.MarkFlagRequired("provider")

	return cmd
}
