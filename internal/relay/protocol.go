package relay

import (
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/chatfeed-sync/internal/feed"
)

// Message types exchanged with browser clients.
const (
	TypeConnected  = "connected"
	TypeItem       = "item"
	TypeRetract    = "retract"
	TypeError      = "error"
	TypePong       = "pong"
	TypeVisibility = "visibility"
	TypeSend       = "send"
	TypePing       = "ping"
)

// Envelope is the JSON frame used in both directions. Only the fields that
// belong to Type are set.
type Envelope struct {
	Type         string     `json:"type"`
	ConnectionID string     `json:"connection_id,omitempty"`
	Item         *feed.Item `json:"item,omitempty"`
	ID           string     `json:"id,omitempty"`
	Hidden       *bool      `json:"hidden,omitempty"`
	Content      string     `json:"content,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Upstream message types for internal routing
type (
	visibilityRequest struct {
		hidden bool
	}
	sendRequest struct {
		content string
	}
	pingRequest struct{}
)

// parseUpstreamMessage parses a JSON frame sent by a client.
func parseUpstreamMessage(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal upstream message: %w", err)
	}

	switch env.Type {
	case TypeVisibility:
		if env.Hidden == nil {
			return nil, fmt.Errorf("visibility message without hidden flag")
		}
		return &visibilityRequest{hidden: *env.Hidden}, nil
	case TypeSend:
		return &sendRequest{content: env.Content}, nil
	case TypePing:
		return &pingRequest{}, nil
	default:
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}
}

func buildConnectedMessage(connID string) []byte {
	return mustMarshal(Envelope{Type: TypeConnected, ConnectionID: connID})
}

func buildItemMessage(item feed.Item) []byte {
	return mustMarshal(Envelope{Type: TypeItem, Item: &item})
}

func buildRetractMessage(id string) []byte {
	return mustMarshal(Envelope{Type: TypeRetract, ID: id})
}

func buildErrorMessage(err error) []byte {
	return mustMarshal(Envelope{Type: TypeError, Error: err.Error()})
}

func buildPongMessage() []byte {
	return mustMarshal(Envelope{Type: TypePong})
}

// mustMarshal encodes an Envelope. An item whose payload is not valid JSON
// is replaced by an error frame.
func mustMarshal(env Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		data, _ = json.Marshal(Envelope{
			Type:  TypeError,
			ID:    env.ID,
			Error: fmt.Sprintf("encoding %s: %v", env.Type, err),
		})
	}
	return data
}
