package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatfeed-sync/internal/feed"
	"github.com/dgnsrekt/chatfeed-sync/internal/optimistic"
)

// naiveLayout matches the backend's zone-less timestamps.
const naiveLayout = "2006-01-02T15:04:05.999999"

// Optimist is the part of feed.Synchronizer a Sender needs.
type Optimist interface {
	SubmitOptimistic(payload json.RawMessage) string
	Reconcile(provisionalID string, confirmed feed.Item) error
	Retract(provisionalID string, cause error) error
}

// Sender posts messages to a chat and shows them in the feed before the
// backend has confirmed them.
type Sender struct {
	client Client
	feed   Optimist
	chatID int64
	author UserInfo
	now    func() time.Time
	logger *zap.Logger
}

func NewSender(client Client, f Optimist, chatID int64, author UserInfo, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		client: client,
		feed:   f,
		chatID: chatID,
		author: author,
		now:    time.Now,
		logger: logger,
	}
}

// Send renders content as a provisional item, posts it, and reconciles the
// provisional item with the stored message. When the post fails the
// provisional item is retracted and the error is returned.
func (s *Sender) Send(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	var (
		provisionalID string
		stored        *Message
	)
	err := optimistic.Run(ctx, optimistic.Mutation{
		Apply: func() error {
			payload, err := json.Marshal(Message{
				Content:   content,
				Author:    s.author,
				ChatID:    s.chatID,
				Timestamp: s.now().UTC().Format(naiveLayout),
			})
			if err != nil {
				return err
			}
			provisionalID = s.feed.SubmitOptimistic(payload)
			return nil
		},
		Commit: func(ctx context.Context) error {
			msg, err := s.client.SendMessage(ctx, s.chatID, content)
			if err != nil {
				return err
			}
			stored = msg
			return nil
		},
		Revert: func(cause error) {
			if err := s.feed.Retract(provisionalID, cause); err != nil {
				// Already expired and retracted by the feed.
				s.logger.Debug("retract skipped", zap.Error(err))
			}
		},
	})
	if err != nil {
		var commitErr *optimistic.CommitError
		if errors.As(err, &commitErr) {
			return fmt.Errorf("sending message: %w", commitErr.Err)
		}
		return err
	}

	item, err := ToItem(*stored)
	if err != nil {
		s.logger.Debug("stored message with bad timestamp", zap.Int64("message_id", stored.ID), zap.Error(err))
	}
	if err := s.feed.Reconcile(provisionalID, item); err != nil {
		s.logger.Warn("reconcile failed",
			zap.String("provisional_id", provisionalID),
			zap.String("id", item.ID),
			zap.Error(err),
		)
	}
	return nil
}
