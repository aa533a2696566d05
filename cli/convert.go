package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mockmate-ai/mockmate/billing"
	"github.com/mockmate-ai/mockmate/config"
	"github.com/mockmate-ai/mockmate/store"
)

// newConvertLegacyCmd rewrites residual unlimited-wallet sentinel rows to the
// allocation model. One-shot maintenance command; safe to re-run.
func newConvertLegacyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert-legacy [config-file]",
		Short: "Convert legacy unlimited-wallet accounts to the monthly allocation model",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := resolveConfigPath(cmd, args, "mockmate.json")
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}

			db, err := store.New(cfg.Storage)
			if err != nil {
				return fmt.Errorf("init storage: %w", err)
			}
			defer db.Close()

			n, err := db.ConvertLegacyUnlimited(context.Background(), billing.PlanPro, cfg.Billing.ProMonthlyMinutes)
			if err != nil {
				return fmt.Errorf("convert legacy accounts: %w", err)
			}

			fmt.Printf("Converted %d legacy account(s) to %d minutes/month\n", n, cfg.Billing.ProMonthlyMinutes)
			return nil
		},
	}
}
