package cmd

import (
	"os"

	"github.com/GetStream/event-chat/config"
	"github.com/GetStream/event-chat/logging"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "eventchat",
	Short: "Chat backend for volunteer events",
	Long: `eventchat serves the event and chat API.

Available commands:
  serve      Run the HTTP server
  migrate    Create the database tables
  user add   Create or update a user

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the configuration and installs the default logger.
func setup() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, err
	}
	logging.New()
	return cfg, nil
}
