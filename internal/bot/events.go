package bot

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event types the bot reacts to. Anything else is acknowledged and ignored.
const (
	EventMessageReceive    = "im.message.receive_v1"
	EventBotAdded          = "im.chat.member.bot.added_v1"
	EventCardAction        = "im.message.action.v1"
	EventCardActionTrigger = "card.action.trigger"
)

// Envelope is an inbound webhook body.
type Envelope struct {
	// Challenge is set only on the URL verification handshake.
	Challenge *string         `json:"challenge,omitempty"`
	Type      string          `json:"type,omitempty"`
	Header    Header          `json:"header"`
	Event     json.RawMessage `json:"event"`
}

type Header struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	AppID     string `json:"app_id"`
	TenantKey string `json:"tenant_key"`
}

// ParseEnvelope decodes a webhook body.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding event: %w", err)
	}
	return env, nil
}

// IsChallenge reports whether env is the URL verification handshake.
func (e Envelope) IsChallenge() bool { return e.Challenge != nil }

type messageEvent struct {
	Sender struct {
		SenderID struct {
			OpenID string `json:"open_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

type botAddedEvent struct {
	ChatID string `json:"chat_id"`
}

// cardActionEvent covers both the legacy message-action callback and the
// newer card.action.trigger shape.
type cardActionEvent struct {
	OpenID   string `json:"open_id"`
	Operator struct {
		OpenID     string `json:"open_id"`
		OperatorID struct {
			OpenID string `json:"open_id"`
		} `json:"operator_id"`
	} `json:"operator"`
	Action struct {
		Value json.RawMessage `json:"value"`
	} `json:"action"`
}

func (e cardActionEvent) operator() string {
	switch {
	case e.Operator.OpenID != "":
		return e.Operator.OpenID
	case e.Operator.OperatorID.OpenID != "":
		return e.Operator.OperatorID.OpenID
	default:
		return e.OpenID
	}
}

type actionValue struct {
	Type      string `json:"type"`
	GroupType string `json:"group_type"`
}

// decodeActionValue accepts the button value either as an object or as a
// JSON-encoded string.
func decodeActionValue(raw json.RawMessage) (actionValue, error) {
	var v actionValue
	if len(raw) == 0 {
		return v, errors.New("empty action value")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return v, err
		}
		raw = json.RawMessage(s)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding action value: %w", err)
	}
	return v, nil
}

// decodeContent parses message content, which is JSON text but is
// occasionally delivered base64-encoded.
func decodeContent(content string, v any) error {
	err := json.Unmarshal([]byte(content), v)
	if err == nil {
		return nil
	}
	raw, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(content))
	if decErr != nil {
		return fmt.Errorf("decoding message content: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding message content: %w", err)
	}
	return nil
}
