package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/d60-Lab/linkpilot/internal/repository"
	"github.com/d60-Lab/linkpilot/pkg/database"
)

func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := database.InitDB(cfg)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			if err := repository.NewStore(db, nil).Migrate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}
