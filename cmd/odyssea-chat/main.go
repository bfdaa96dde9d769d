package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "odyssea-chat",
	Short: "Odyssea chat CLI",
	Long:  "Command-line client for the Odyssea logistics chat platform.\nManage configuration, list rooms, send messages, and watch live events.",
}

func main() {
	// Local overrides for development; a missing .env is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
