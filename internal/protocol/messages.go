package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/lobbykit/internal/lobby"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl   MessageType = "client_control"
	TypeMemberAttribute MessageType = "member_attribute"
	TypeLobbyEvent      MessageType = "lobby_event"
	TypeSystemEvent     MessageType = "system_event"
	TypeErrorEvent      MessageType = "error_event"
)

const (
	ActionLeave   = "leave"
	ActionRefresh = "refresh"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	Reason string      `json:"reason,omitempty"`
	TSMs   int64       `json:"ts_ms,omitempty"`
}

// MemberAttribute sets attributes on the local member. A single Key/Value
// pair and an Attributes batch may be combined.
type MemberAttribute struct {
	Type       MessageType       `json:"type"`
	Key        string            `json:"key,omitempty"`
	Value      string            `json:"value,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Batch flattens the message into one attribute map.
func (m MemberAttribute) Batch() map[string]string {
	out := make(map[string]string, len(m.Attributes)+1)
	for k, v := range m.Attributes {
		out[k] = v
	}
	if m.Key != "" {
		out[m.Key] = m.Value
	}
	return out
}

type LobbyEvent struct {
	Type      MessageType              `json:"type"`
	Event     lobby.EventType          `json:"event"`
	SessionID string                   `json:"session_id"`
	Session   *lobby.SessionData       `json:"session,omitempty"`
	Member    *lobby.SessionMemberData `json:"member,omitempty"`
	UserID    string                   `json:"user_id,omitempty"`
	Key       string                   `json:"key,omitempty"`
	Value     string                   `json:"value,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	TSMs      int64                    `json:"ts_ms"`
}

// NewLobbyEvent converts a coordinator event into its wire form.
func NewLobbyEvent(evt lobby.Event) LobbyEvent {
	return LobbyEvent{
		Type:      TypeLobbyEvent,
		Event:     evt.Type,
		SessionID: evt.SessionID,
		Session:   evt.Session,
		Member:    evt.Member,
		UserID:    evt.UserID,
		Key:       evt.Key,
		Value:     evt.Value,
		Reason:    evt.Reason,
		TSMs:      evt.At.UnixMilli(),
	}
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionLeave, ActionRefresh:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	case TypeMemberAttribute:
		var msg MemberAttribute
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Key == "" && len(msg.Attributes) == 0 {
			return nil, errors.New("invalid member_attribute")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
