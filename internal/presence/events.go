// Package presence implements the server-side WebSocket fan-out: per
// connection subscription state, guild presence broadcast, typing
// timers, and the bounded missed-message replay a client receives when
// it resubscribes to a channel.
package presence

import (
	"encoding/json"
	"time"

	"openconv/go-core/internal/apperr"
)

// Status is a user's advertised presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Client->server frame types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSetPresence = "set_presence"
	TypeStartTyping = "start_typing"
	TypeStopTyping  = "stop_typing"
)

// Server->client frame types.
const (
	TypeMessageCreated = "message_created"
	TypeReplayComplete = "replay_complete"
	TypePresenceUpdate = "presence_update"
	TypeTypingStarted  = "typing_started"
)

// ClientFrame is the envelope for every client->server frame. Only the
// fields relevant to Type are populated.
type ClientFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel,omitempty"`
	Status    Status `json:"status,omitempty"`
}

// ServerFrame is the envelope for every server->client frame.
type ServerFrame struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Status    Status `json:"status,omitempty"`
}

// DecodeClientFrame parses and validates one inbound frame.
func DecodeClientFrame(raw []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "malformed ws frame", err)
	}
	switch f.Type {
	case TypeSubscribe, TypeUnsubscribe, TypeStartTyping, TypeStopTyping:
		if f.ChannelID == "" {
			return nil, apperr.Validation("frame requires a channel")
		}
	case TypeSetPresence:
		switch f.Status {
		case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		default:
			return nil, apperr.Validation("unknown presence status")
		}
	default:
		return nil, apperr.Validation("unknown frame type")
	}
	return &f, nil
}

func messageCreated(channelID, messageID string) ServerFrame {
	return ServerFrame{Type: TypeMessageCreated, ChannelID: channelID, MessageID: messageID}
}

func replayComplete(channelID string) ServerFrame {
	return ServerFrame{Type: TypeReplayComplete, ChannelID: channelID}
}

func presenceUpdate(userID string, status Status) ServerFrame {
	return ServerFrame{Type: TypePresenceUpdate, UserID: userID, Status: status}
}

func typingStarted(channelID, userID string) ServerFrame {
	return ServerFrame{Type: TypeTypingStarted, ChannelID: channelID, UserID: userID}
}

// MissedMessage is one row of the durable message log, as far as this
// package needs to see it: the relational schema itself belongs to an
// external collaborator, replay only needs ids and creation order.
type MissedMessage struct {
	MessageID string
	ChannelID string
	CreatedAt time.Time
}
