package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/chatfeed-sync/internal/feed"
)

// The backend serializes naive datetimes without a zone; those are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a message timestamp as sent by the backend.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ToItem converts a message into a feed item. A timestamp that cannot be
// parsed leaves the item's timestamp zero, which marks it malformed.
func ToItem(m Message) (feed.Item, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return feed.Item{}, fmt.Errorf("encoding message %d: %w", m.ID, err)
	}

	item := feed.Item{
		ID:      strconv.FormatInt(m.ID, 10),
		Payload: payload,
	}
	ts, err := ParseTimestamp(m.Timestamp)
	if err != nil {
		return item, err
	}
	item.Timestamp = ts
	return item, nil
}

// NewFetcher returns a feed.FetchFunc reading the latest messages of a chat.
func NewFetcher(client Client, chatID int64, logger *zap.Logger) feed.FetchFunc {
	return func(ctx context.Context, window int) ([]feed.Item, error) {
		msgs, err := client.ListMessages(ctx, chatID, window)
		if err != nil {
			return nil, err
		}

		items := make([]feed.Item, 0, len(msgs))
		for _, m := range msgs {
			item, err := ToItem(m)
			if err != nil {
				logger.Debug("message with bad timestamp",
					zap.Int64("chat_id", chatID),
					zap.Int64("message_id", m.ID),
					zap.Error(err),
				)
			}
			items = append(items, item)
		}
		return items, nil
	}
}

// DecodeMessage recovers the message carried by an item's payload.
func DecodeMessage(item feed.Item) (Message, error) {
	var m Message
	if err := json.Unmarshal(item.Payload, &m); err != nil {
		return Message{}, fmt.Errorf("decoding item %s: %w", item.ID, err)
	}
	return m, nil
}
