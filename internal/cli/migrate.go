package cli

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/jacksonlee411/dirsync/internal/config"
	"github.com/jacksonlee411/dirsync/modules/directory/infrastructure/persistence"
)

func NewMigrateCommand(root *RootOptions) *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:         "migrate",
		Short:       "Manage the directory schema",
		Annotations: map[string]string{annotationNoConfig: "true"},
	}
	cmd.PersistentFlags().StringVar(&dsn, "database-url", "", "postgres url (default $DATABASE_URL or DB_* variables)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(dsn, func(db *sql.DB) error {
				if err := persistence.MigrateUp(db); err != nil {
					return WrapExitError(ExitFailure, "migrate up", err)
				}
				root.Logger.Info("schema up to date")
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Fail unless the schema is at the newest migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDB(dsn, func(db *sql.DB) error {
				if err := persistence.CheckMigrationStatus(db); err != nil {
					return WrapExitError(ExitFailure, "migrate status", err)
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return err
			})
		},
	})

	return cmd
}

func withDB(dsn string, fn func(db *sql.DB) error) error {
	if dsn == "" {
		dsn = config.DatabaseURL()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return WrapExitError(ExitCommandError, "open database", err)
	}
	defer db.Close()
	return fn(db)
}
