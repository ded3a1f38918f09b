package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return eris.Wrap(err, "migrate")
		}
		defer st.Close()

		fmt.Println(migrateMessage(cfg.Store.Driver))
		return nil
	},
}

// migrateMessage reports what openStore just did: tables and indexes are
// applied on open, so reaching here means the DDL ran.
func migrateMessage(driver string) string {
	return fmt.Sprintf("Schema applied (%s)", driver)
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
