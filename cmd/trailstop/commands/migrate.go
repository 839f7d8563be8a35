package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tradekit/trailstop/internal/position"
	"github.com/tradekit/trailstop/pkg/config"
	"github.com/tradekit/trailstop/pkg/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := database.New(cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if err := position.EnsureSchema(ctx, db.Pool); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	fmt.Println("Schema is up to date")
	return nil
}
