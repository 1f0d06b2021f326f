package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Item is one entry of a feed.
type Item struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Provisional marks an optimistic item that the server has not confirmed.
	Provisional bool `json:"provisional,omitempty"`
}

// Malformed reports whether the item carries no usable ordering key.
func (it Item) Malformed() bool {
	return it.Timestamp.IsZero()
}

// dedupKey returns the identity used for deduplication. Items without an id
// fall back to a digest of their content so they are still delivered once.
func (it Item) dedupKey() string {
	if it.ID != "" {
		return it.ID
	}
	h := sha256.New()
	h.Write([]byte(it.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write(it.Payload)
	return "anon:" + hex.EncodeToString(h.Sum(nil))
}

// FetchFunc retrieves the most recent window items of a feed. The result may
// be unordered. It must not have side effects visible to the Synchronizer.
type FetchFunc func(ctx context.Context, window int) ([]Item, error)

// RenderFunc receives each newly delivered item.
type RenderFunc func(Item)

// ErrorFunc receives one error per failed fetch cycle.
type ErrorFunc func(error)

// WarningFunc receives non-fatal problems such as malformed items.
type WarningFunc func(error)
