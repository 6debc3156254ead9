package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration and check that the room list can be read.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Gateway:     %s\n", valueOrDefault(cfg.Default.Gateway, "rest"))
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.APIKey != "" {
			fmt.Fprintf(out, "  API Key:     %s\n", maskKey(cfg.Default.APIKey))
		} else {
			fmt.Fprintln(out, "  API Key:     (not set)")
		}
		if cfg.Default.DatabaseURL != "" {
			fmt.Fprintln(out, "  Database:    configured")
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Fprintf(out, "  Side:        %s\n", valueOrDefault(cfg.Auth.Side, "(not set)"))
		if cfg.Auth.AccessToken != "" {
			fmt.Fprintln(out, "  Token:       present")
		} else {
			fmt.Fprintln(out, "  Token:       none (API key used as bearer)")
		}

		if _, err := actorFrom(cfg); err != nil {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		s, closeSession, err := openSession(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		defer closeSession()

		rooms, err := s.LoadRooms(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error loading rooms: %v\n", err)
			return nil
		}
		unread := 0
		for _, r := range rooms {
			unread += r.UnreadFor(s.Actor().Side)
		}
		fmt.Fprintf(out, "  Rooms:       %d\n", len(rooms))
		fmt.Fprintf(out, "  Unread:      %d\n", unread)
		return nil
	},
}
