package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/weddingbazaar/chatsync"
)

var (
	sendType     string
	sendFileURL  string
	sendFileName string
	sendReplyTo  string
	sendJSON     bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendType, "type", "text", "Message type (text, image, file, service_preview)")
	sendCmd.Flags().StringVar(&sendFileURL, "attach", "", "URL of an uploaded attachment")
	sendCmd.Flags().StringVar(&sendFileName, "attach-name", "", "Display name of the attachment")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "ID of the message being answered")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
}

var sendCmd = &cobra.Command{
	Use:   "send <room-id> [text...]",
	Short: "Send one message to a room",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		req := chatsync.SendRequest{
			Content: strings.Join(args[1:], " "),
			Type:    chatsync.MessageType(sendType),
		}
		if sendFileURL != "" {
			req.Attachment = &chatsync.Attachment{URL: sendFileURL, Name: sendFileName}
		}
		if sendReplyTo != "" {
			req.ReplyToID = &sendReplyTo
		}

		s, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		if err := s.OpenRoom(ctx, args[0]); err != nil {
			return err
		}
		msg, err := s.Send(ctx, req)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if sendJSON {
			b, _ := json.MarshalIndent(msg, "", "  ")
			fmt.Fprintln(out, string(b))
			return nil
		}
		fmt.Fprintf(out, "Sent %s\n", msg.ID)
		return nil
	},
}
