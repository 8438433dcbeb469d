package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ailab",
		Short: "Photo analysis labs backed by vision language models",
		Long: `ailab analyzes photos of a bookshelf, fridge, closet or whisky collection
with a vision language model and keeps a short per-device history of results.

Configuration is read from the environment. A .env file in the working
directory is loaded first when present.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(
		newServeCmd(),
		newAnalyzeCmd(),
		newHistoryCmd(),
		newLabsCmd(),
	)
	return cmd
}
