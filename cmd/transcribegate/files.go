package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/transcribegate/transcribegate/internal/files"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Print the merged state of every job as JSON",
	Args:  cobra.NoArgs,
	RunE:  runFiles,
}

var resetMessage string

var resetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Mark a job stuck in processing as failed so it can be transcribed again",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

func init() {
	resetCmd.Flags().StringVar(&resetMessage, "message", "reset by operator", "error message recorded on the job")
	rootCmd.AddCommand(filesCmd, resetCmd)
}

func runFiles(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, blobs, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	views, err := files.NewService(store, blobs, nil).List(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openStores(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ok, err := store.Abandon(cmd.Context(), args[0], resetMessage)
	if err != nil {
		return fmt.Errorf("reset %s: %w", args[0], err)
	}
	if !ok {
		return fmt.Errorf("job %s is not processing", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s marked as failed\n", args[0])
	return nil
}
