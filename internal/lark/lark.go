// Package lark talks to the Lark/Feishu open platform on the bot's behalf.
//
// Two bindings implement Client: SDKClient drives the official Go SDK and
// HTTPClient speaks the REST API directly. They are interchangeable and
// selected by configuration.
package lark

import (
	"context"
	"encoding/json"
	"fmt"
)

// ReceiveIDType names the kind of identifier a message is addressed to.
type ReceiveIDType string

const (
	ReceiveOpenID ReceiveIDType = "open_id"
	ReceiveChatID ReceiveIDType = "chat_id"
)

// Receiver is a message destination.
type Receiver struct {
	ID   string
	Type ReceiveIDType
}

// User addresses a single user by open id.
func User(openID string) Receiver { return Receiver{ID: openID, Type: ReceiveOpenID} }

// Chat addresses a group chat.
func Chat(chatID string) Receiver { return Receiver{ID: chatID, Type: ReceiveChatID} }

// Message types accepted by the send-message API.
const (
	MsgTypeText        = "text"
	MsgTypeInteractive = "interactive"
)

// Client is the set of platform calls the bot makes.
type Client interface {
	SendText(ctx context.Context, to Receiver, text string) error
	SendCard(ctx context.Context, to Receiver, card Card) error
	// DownloadImage fetches an image a user sent in messageID.
	DownloadImage(ctx context.Context, messageID, imageKey string) ([]byte, error)
	// AddChatMembers adds users, by open id, to a group chat.
	AddChatMembers(ctx context.Context, chatID string, openIDs []string) error
}

// APIError is a failure reported by the platform in its response body.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lark api error %d: %s", e.Code, e.Msg)
}

// Token errors mean the cached tenant access token must be refreshed.
const (
	codeTokenExpired = 99991663
	codeTokenInvalid = 99991664
)

func textContent(text string) (string, error) {
	b, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("encoding text content: %w", err)
	}
	return string(b), nil
}

func cardContent(card Card) (string, error) {
	b, err := json.Marshal(card)
	if err != nil {
		return "", fmt.Errorf("encoding card content: %w", err)
	}
	return string(b), nil
}
