package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	odyssea "github.com/tarzan-1984/odyssea-chat-go"
)

var (
	roomsJSONOutput bool

	historyLimit  int
	historyOffset int
	historyJSON   bool

	searchLimit int
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.Flags().BoolVar(&roomsJSONOutput, "json", false, "Output raw JSON")

	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Messages per page")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "Offset back from the newest message")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Maximum matches")
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()
		client := getAPIClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rooms, err := client.ListChatRooms(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if roomsJSONOutput {
			data, err := json.MarshalIndent(rooms, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(rooms) == 0 {
			fmt.Println("No chat rooms.")
			return nil
		}
		for _, r := range rooms {
			fmt.Printf("%-36s  %-6s  unread=%-3d  %s\n", r.ID, r.Type, r.UnreadCount, roomLabel(r))
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Show recent messages in a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()
		client := getAPIClient(cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.GetMessages(ctx, args[0], historyLimit, historyOffset)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if historyJSON {
			data, err := json.MarshalIndent(page, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		for _, m := range page.Messages {
			printMessage(m)
		}
		if page.HasMore {
			fmt.Printf("(%d of %d, use --offset %d for older)\n", len(page.Messages), page.Total, historyOffset+len(page.Messages))
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <room-id> <query>",
	Short: "Search a room's locally cached messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := requireAuth()

		dir, err := cacheDir(cfg)
		if err != nil {
			return err
		}
		cache := odyssea.NewCache(dir, newLogger(cfg))
		defer cache.Close()

		msgs, err := cache.SearchMessages(args[0], args[1], searchLimit)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No matches in the local cache.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

// roomLabel picks a human-readable name for a room.
func roomLabel(r odyssea.ChatRoom) string {
	if r.Name != "" {
		return r.Name
	}
	if r.LoadID != "" {
		return "load " + r.LoadID
	}
	var names []string
	for _, p := range r.Participants {
		names = append(names, p.User.FirstName)
	}
	if len(names) == 0 {
		return r.ID
	}
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}

func printMessage(m odyssea.Message) {
	when := m.CreatedAt.Local().Format("2006-01-02 15:04")
	body := m.Content
	if m.FileName != "" {
		body = fmt.Sprintf("[file: %s] %s", m.FileName, body)
	}
	fmt.Printf("%s  %-12s  %s\n", when, m.SenderID, body)
}
