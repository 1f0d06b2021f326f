package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/chatfeed-sync/internal/api"
	"github.com/dgnsrekt/chatfeed-sync/internal/feed"
	"github.com/dgnsrekt/chatfeed-sync/internal/notify"
	"github.com/dgnsrekt/chatfeed-sync/internal/relay"
)

func watchCmd() *cobra.Command {
	var (
		relayOn  bool
		addr     string
		interval time.Duration
		window   int
	)

	cmd := &cobra.Command{
		Use:   "watch CHAT_ID",
		Short: "Follow a chat and print new messages as they arrive",
		Long: `Follow a chat by polling its most recent messages.

New messages are printed in timestamp order, each exactly once. With the
relay enabled, messages are also pushed to websocket clients on /ws, and
the feed counts as hidden while no client is looking. Messages that arrive
while hidden trigger a push notification when ntfy is configured.

Examples:
  # Print new messages of chat 42
  feedsync watch 42

  # Serve websocket clients and poll every 2 seconds
  feedsync watch --relay --addr :8090 --interval 2s 42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			chatID, err := parseChatID(args[0])
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("relay") {
				cfg.Relay.Enabled = relayOn
			}
			if cmd.Flags().Changed("addr") {
				cfg.Relay.Addr = addr
			}
			if cmd.Flags().Changed("interval") {
				cfg.Sync.Interval = interval
			}
			if cmd.Flags().Changed("window") {
				cfg.Sync.Window = window
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			client := newClient(cfg, logger)

			user, err := client.CurrentUser(ctx)
			if err != nil {
				return fmt.Errorf("resolving current user: %w", err)
			}
			chat, err := client.GetChat(ctx, chatID, 1)
			if err != nil {
				return fmt.Errorf("loading chat %d: %w", chatID, err)
			}
			title := chat.Title(user.ID)

			logger.Info("watching chat",
				zap.Int64("chat_id", chatID),
				zap.String("title", title),
				zap.String("user", user.Username),
			)

			return runWatch(ctx, client, chatID, title, *user)
		},
	}

	cmd.Flags().BoolVar(&relayOn, "relay", false, "serve websocket clients (overrides relay.enabled)")
	cmd.Flags().StringVar(&addr, "addr", "", "relay listen address (overrides relay.addr)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (overrides sync.interval)")
	cmd.Flags().IntVar(&window, "window", 0, "messages fetched per poll (overrides sync.window)")

	return cmd
}

func runWatch(ctx context.Context, client api.Client, chatID int64, title string, user api.UserInfo) error {
	out := newPrinter(os.Stdout, user.ID)
	out.keep = cfg.Sync.BacklogLimit
	notifier := notify.New(&cfg.Notify, logger)
	alerts := newAlertQueue(64, logger)
	id := feedID(chatID)
	started := time.Now()

	var hub *relay.Hub

	stall := &stallDetector{
		threshold: cfg.Sync.StallAfter,
		onStall: func(failures int, err error) {
			logger.Error("feed stalled", zap.Int("failures", failures), zap.Error(err))
			alerts.Enqueue(func(ctx context.Context) error {
				return notifier.SendStalled(ctx, id, failures, err)
			})
		},
	}

	render := func(item feed.Item) {
		out.Print(item)
		if hub != nil {
			hub.RenderItem(item)
		}
	}

	opts := append(feedOptions(cfg.Sync, logger),
		feed.WithErrorHandler(stall.Failed),
		feed.WithRetractHandler(func(item feed.Item) {
			out.Retracted(item)
			if hub != nil {
				hub.RetractItem(item)
			}
		}),
		feed.WithHiddenHandler(func(item feed.Item) {
			// The terminal is always looking, even when no relay client is.
			out.Early(item)

			// History loaded on start is not news.
			if item.Provisional || item.Timestamp.Before(started) {
				return
			}
			msg, err := api.DecodeMessage(item)
			if err != nil || msg.Author.ID == user.ID {
				return
			}
			alerts.Enqueue(func(ctx context.Context) error {
				return notifier.SendItem(ctx, title, notify.Item{
					Author:  msg.Author.DisplayName(),
					Content: msg.Content,
					HasFile: msg.FileURL != "",
				})
			})
		}),
	)

	s, err := feed.New(id, stall.Wrap(api.NewFetcher(client, chatID, logger)), render, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		alerts.Run(gctx)
		return nil
	})

	if cfg.Relay.Enabled {
		sender := api.NewSender(client, s, chatID, user, logger)
		hub = relay.NewHub(s.OnVisibilityChange, sender.Send, logger)

		// Nobody is looking until the first client connects.
		s.OnVisibilityChange(true)

		httpServer := &http.Server{
			Addr:              cfg.Relay.Addr,
			Handler:           relay.NewRouter(hub, s.State, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
		g.Go(func() error {
			logger.Info("starting relay", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("relay server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()

			// Graceful HTTP server shutdown
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		s.Start(gctx)
		<-gctx.Done()
		s.Stop()
		s.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("watch stopped", zap.Any("state", s.State()))
	return nil
}
