package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weddingbazaar/chatsync"
)

var (
	initURL         string
	initKey         string
	initToken       string
	initUser        string
	initSide        string
	initDatabaseURL string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initURL, "url", "", "Base URL of the data service")
	initCmd.Flags().StringVar(&initKey, "key", "", "Public API key of the data service")
	initCmd.Flags().StringVar(&initToken, "token", "", "Access token of the signed-in user")
	initCmd.Flags().StringVar(&initUser, "user", "", "User ID of the signed-in user")
	initCmd.Flags().StringVar(&initSide, "side", "client", "Side of the signed-in user (vendor or client)")
	initCmd.Flags().StringVar(&initDatabaseURL, "database-url", "", "Use the postgres gateway with this DSN instead of the REST API")
	_ = initCmd.MarkFlagRequired("user")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Store connection settings in ~/.chatsync/config.toml",
	Long:  "Initialize the chatsync CLI by storing the data service endpoint and the signed-in user.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !chatsync.Side(initSide).Valid() {
			return fmt.Errorf("--side must be vendor or client, got %q", initSide)
		}
		if initURL == "" && initDatabaseURL == "" {
			return fmt.Errorf("one of --url or --database-url is required")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if initDatabaseURL != "" {
			cfg.Default.Gateway = "postgres"
			cfg.Default.DatabaseURL = initDatabaseURL
		} else {
			cfg.Default.Gateway = "rest"
		}
		if initURL != "" {
			cfg.Default.BaseURL = initURL
		}
		if initKey != "" {
			cfg.Default.APIKey = initKey
		}
		if initToken != "" {
			cfg.Auth.AccessToken = initToken
		}
		cfg.Auth.UserID = initUser
		cfg.Auth.Side = initSide

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Settings saved to %s\n", path)
		return nil
	},
}
