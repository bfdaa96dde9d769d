package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	odyssea "github.com/tarzan-1984/odyssea-chat-go"
)

var sendWait time.Duration

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "How long to wait for the server echo")
}

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <content>",
	Short: "Send a message to a room",
	Long:  "Send a message and wait for the server-confirmed echo before exiting.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, content := args[0], args[1]

		cfg := requireAuth()
		s, err := buildStack(cfg, nil)
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), sendWait)
		defer cancel()

		if err := s.engine.Bootstrap(ctx); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}
		go func() { _ = s.engine.Run(ctx) }()

		if err := s.engine.OpenRoom(ctx, roomID); err != nil {
			return fmt.Errorf("cannot open room: %w", err)
		}
		if err := s.engine.SendMessage(roomID, content, nil); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		// The message is only real once the echo lands in the store.
		echoed := make(chan struct{})
		unsub := s.store.Subscribe(func(snap odyssea.Snapshot) {
			for _, m := range snap.Messages {
				if m.SenderID == cfg.Auth.UserID && m.Content == content {
					select {
					case <-echoed:
					default:
						close(echoed)
					}
					return
				}
			}
		})
		defer unsub()

		select {
		case <-echoed:
			fmt.Println("Sent.")
			return nil
		case <-ctx.Done():
			return fmt.Errorf("no confirmation within %s", sendWait)
		}
	},
}
