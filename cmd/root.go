package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-images/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "listing-images",
	Short: "Listing image probe, classification and hero pipeline",
	Long:  "Probes every logo and gallery URL attached to a provider, classifies and scores each image, picks one hero per provider, and optionally reviews low-confidence rows with a vision model.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
