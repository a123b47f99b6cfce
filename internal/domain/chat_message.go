package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MaxChatContentLength = 4000
	MaxChatSenderLength  = 255
)

var (
	ErrChatMessageRequired = errors.New("chat message is required")
	ErrChatMessageInvalid  = errors.New("chat message must be an object")
	ErrChatContentEmpty    = errors.New("chat message cannot be empty")
	ErrChatContentTooLong  = errors.New("chat message is too long")
	ErrChatSenderTooLong   = errors.New("chat sender is too long")
)

// ChatMessage is the broadcast-only chat payload. The relay never stores it.
type ChatMessage struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
	Time    string `json:"time,omitempty"`
}

// ParseChatMessage decodes and validates a raw chat payload, trimming
// surrounding whitespace from sender and content.
func ParseChatMessage(raw json.RawMessage) (*ChatMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrChatMessageRequired
	}

	var msg ChatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, ErrChatMessageInvalid
	}

	msg.Content = strings.TrimSpace(msg.Content)
	if msg.Content == "" {
		return nil, ErrChatContentEmpty
	}
	if utf8.RuneCountInString(msg.Content) > MaxChatContentLength {
		return nil, ErrChatContentTooLong
	}

	msg.Sender = strings.TrimSpace(msg.Sender)
	if utf8.RuneCountInString(msg.Sender) > MaxChatSenderLength {
		return nil, ErrChatSenderTooLong
	}

	return &msg, nil
}
