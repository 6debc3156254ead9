package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weddingbazaar/chatsync"
)

func init() {
	rootCmd.AddCommand(openCmd)
}

var openCmd = &cobra.Command{
	Use:   "open <room-id>",
	Short: "Follow a room live and send messages from stdin",
	Long: "Open a room, print its messages as they arrive, and send every line typed on stdin.\n" +
		"A failed send prints the error; type the line again to retry.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		s, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		roomID := args[0]
		if err := s.OpenRoom(ctx, roomID); err != nil {
			if !chatsync.IsTransient(err) {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "initial load failed, retrying in the background: %v\n", err)
		}

		v := newRoomView(cmd.OutOrStdout(), s.Actor().ID)
		v.render(s.Messages(), s.Disconnected())

		lines := make(chan string)
		go readLines(os.Stdin, lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-s.Changes():
				v.render(s.Messages(), s.Disconnected())
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if _, err := s.Send(ctx, chatsync.SendRequest{Content: line}); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "not sent: %v\n  %s\n", err, line)
				}
			}
		}
	},
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// roomView prints each message once and connection changes as they
// happen. A pending send is printed with a sending marker and printed again
// without it once the server confirms it.
type roomView struct {
	w       io.Writer
	self    string
	printed map[string]bool
	offline bool
}

const sendingMarker = "  (sending…)"

func newRoomView(w io.Writer, self string) *roomView {
	return &roomView{w: w, self: self, printed: make(map[string]bool)}
}

func (v *roomView) render(entries []chatsync.Entry, disconnected bool) {
	if disconnected != v.offline {
		v.offline = disconnected
		if disconnected {
			fmt.Fprintln(v.w, "-- disconnected, messages may be delayed --")
		} else {
			fmt.Fprintln(v.w, "-- live --")
		}
	}
	for _, e := range entries {
		key := e.Key()
		if v.printed[key] {
			continue
		}
		v.printed[key] = true
		switch e := e.(type) {
		case chatsync.PendingSend:
			fmt.Fprintln(v.w, formatMessage(e.Message, v.self)+sendingMarker)
		case chatsync.ConfirmedMessage:
			fmt.Fprintln(v.w, formatMessage(e.Message, v.self))
		}
	}
}
