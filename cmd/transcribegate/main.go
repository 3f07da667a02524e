// Command transcribegate runs the transcription gateway and its operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "transcribegate",
	Short: "Asynchronous audio transcription over HTTP",
	Long:  "transcribegate accepts audio uploads, transcribes them in the background with whisper.cpp or an OpenAI-compatible server, and serves the results.",
	// Without a subcommand the server starts.
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
