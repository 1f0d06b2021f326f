package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatfeed-sync/internal/api"
	"github.com/dgnsrekt/chatfeed-sync/internal/feed"
)

func sendCmd() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "send CHAT_ID MESSAGE...",
		Short: "Send a message and show it once the server has stored it",
		Long: `Send a message to a chat.

The recent history is printed first, then the message is shown immediately
as "(sending)" and replaced by the stored copy after one more sync.

Examples:
  feedsync send 42 "see you at noon"`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			chatID, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			content := strings.Join(args[1:], " ")

			client := newClient(cfg, logger)
			user, err := client.CurrentUser(ctx)
			if err != nil {
				return fmt.Errorf("resolving current user: %w", err)
			}

			out := newPrinter(os.Stdout, user.ID)
			render := out.Print
			if quiet {
				render = func(feed.Item) {}
			}

			opts := append(feedOptions(cfg.Sync, logger),
				feed.WithRetractHandler(out.Retracted),
				feed.WithErrorHandler(func(err error) {
					logger.Warn("sync failed", zap.Error(err))
				}),
			)
			s, err := feed.New(feedID(chatID), api.NewFetcher(client, chatID, logger), render, opts...)
			if err != nil {
				return err
			}

			// Absorb the current window so only the new message follows.
			s.Sync(ctx)

			sender := api.NewSender(client, s, chatID, *user, logger)
			if err := sender.Send(ctx, content); err != nil {
				return err
			}

			s.Sync(ctx)
			if quiet {
				fmt.Fprintln(os.Stdout, "sent")
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only report success or failure")

	return cmd
}
