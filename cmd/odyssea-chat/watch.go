package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	odyssea "github.com/tarzan-1984/odyssea-chat-go"
)

var watchRoom string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchRoom, "room", "", "Focus a room and print its messages")
}

// cliNotifier prints incoming background messages.
type cliNotifier struct{}

func (cliNotifier) IncomingMessage(room odyssea.ChatRoom, msg odyssea.Message) {
	fmt.Printf("* %s: new message from %s\n", roomLabel(room), msg.SenderID)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch live chat events",
	Long:  "Connect to the live socket and print events until interrupted.\nWith --room, the room is focused and its messages stream to stdout.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()
		s, err := buildStack(cfg, cliNotifier{})
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sig
			cancel()
		}()

		if err := s.engine.Bootstrap(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		if watchRoom != "" {
			if err := s.engine.OpenRoom(ctx, watchRoom); err != nil {
				return fmt.Errorf("cannot open room: %w", err)
			}
			seen := make(map[string]bool)
			unsub := s.store.Subscribe(func(snap odyssea.Snapshot) {
				for _, m := range snap.Messages {
					if !seen[m.ID] {
						seen[m.ID] = true
						printMessage(m)
					}
				}
			})
			defer unsub()
		}

		fmt.Println("Watching. Ctrl-C to stop.")
		if err := s.engine.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}
