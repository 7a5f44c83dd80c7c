package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"chatrelay/internal/store"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent stored messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logClose, err := loadRuntimeConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			defer logClose.Close()

			if _, err := os.Stat(cfg.Store.DBPath); err != nil {
				return fmt.Errorf("no database at %s: %w", cfg.Store.DBPath, err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			messages, err := store.Open(ctx, cfg.Store.DBPath, logger)
			if err != nil {
				return err
			}
			defer messages.Close()

			recent, err := messages.Recent(ctx, limit)
			if err != nil {
				return err
			}
			if len(recent) == 0 {
				fmt.Println("No messages yet.")
				return nil
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"ID", "Time (UTC)", "Type", "User", "Content"})
			table.SetAutoWrapText(false)
			for _, m := range recent {
				table.Append([]string{
					strconv.FormatInt(m.ID, 10),
					m.Timestamp.Format("2006-01-02 15:04:05"),
					string(m.Type),
					shortID(m.UserID),
					truncate(m.Content, 60),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of messages to show")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
