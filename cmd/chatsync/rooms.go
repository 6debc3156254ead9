package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/weddingbazaar/chatsync"
)

var roomsJSON bool

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "Output raw JSON")
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List your chat rooms, most recently active first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		s, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		rooms, err := s.LoadRooms(ctx)
		if err != nil {
			return fmt.Errorf("failed to load rooms: %w", err)
		}

		out := cmd.OutOrStdout()
		if roomsJSON {
			b, _ := json.MarshalIndent(rooms, "", "  ")
			fmt.Fprintln(out, string(b))
			return nil
		}
		if len(rooms) == 0 {
			fmt.Fprintln(out, "No rooms yet.")
			return nil
		}

		side := s.Actor().Side
		for _, r := range rooms {
			other := r.ClientID
			if side == chatsync.SideClient {
				other = r.VendorID
			}
			unread := ""
			if n := r.UnreadFor(side); n > 0 {
				unread = fmt.Sprintf(" (%d unread)", n)
			}
			fmt.Fprintf(out, "%s  with %s  %s%s\n", r.ID, other, timeOrDash(r.LastMessageAt), unread)
			if r.LastMessage != "" {
				fmt.Fprintf(out, "    %s\n", r.LastMessage)
			}
		}
		return nil
	},
}
