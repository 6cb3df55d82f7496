package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

func main() {
	root := &cobra.Command{
		Use:           "bot",
		Short:         "Twitch chat bot backed by a GPT completion API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if exists
			if err := godotenv.Load(envFile); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: .env file not loaded: %v\n", err)
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&envFile, "env", ".env", "Path to .env file")

	root.AddCommand(newRunCommand(), newModelsCommand(), newValidateCommand(), newTranscriptsCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
