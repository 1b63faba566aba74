package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/listing-images/internal/checkpoint"
)

var checkpointFile string

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or clear the resume checkpoint",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		if checkpointFile != "" {
			cfg.Pipeline.CheckpointFile = checkpointFile
		}
		return cfg.Validate("checkpoint")
	},
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showCheckpoint(cmd.OutOrStdout(), checkpoint.NewFileStore(cfg.Pipeline.CheckpointFile))
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the checkpoint so the next --resume starts from the beginning",
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := checkpoint.NewFileStore(cfg.Pipeline.CheckpointFile)
		if err := fs.Clear(); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "checkpoint %s cleared\n", fs.Path())
		return nil
	},
}

func init() {
	checkpointCmd.PersistentFlags().StringVar(&checkpointFile, "checkpoint-file", "", "checkpoint file path (empty uses config)")
	checkpointCmd.AddCommand(checkpointShowCmd, checkpointResetCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func showCheckpoint(out io.Writer, fs *checkpoint.FileStore) error {
	cp, err := fs.Load()
	if err != nil {
		return err
	}
	if cp == nil {
		_, _ = fmt.Fprintf(out, "no checkpoint at %s\n", fs.Path())
		return nil
	}
	_, _ = fmt.Fprintf(out, "Checkpoint:          %s\n", fs.Path())
	_, _ = fmt.Fprintf(out, "Last provider ID:    %d\n", cp.LastProviderID)
	_, _ = fmt.Fprintf(out, "Providers processed: %d\n", cp.ProvidersProcessed)
	_, _ = fmt.Fprintf(out, "Saved at:            %s\n", cp.Timestamp.Format(time.RFC3339))
	return nil
}
