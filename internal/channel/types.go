// Package channel defines the platform adapter contract and the normalized
// event model shared by every messaging platform integration.
package channel

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Platform identifies a messaging platform (e.g. "discord", "misskey").
type Platform string

// String returns the platform as a plain string.
func (p Platform) String() string {
	return string(p)
}

// NormalizedEvent is the platform-agnostic representation of an incoming user
// message. Adapters produce it; the orchestrator consumes it.
type NormalizedEvent struct {
	Platform  Platform  `json:"platform"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	IsDM      bool      `json:"is_dm"`
	GuildID   string    `json:"guild_id,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// DedupKey returns the router-level duplicate-suppression key.
func (e NormalizedEvent) DedupKey() string {
	return string(e.Platform) + ":" + e.MessageID
}

// Message is a historical platform message returned by history and search.
type Message struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsBot     bool      `json:"is_bot"`
}

// Capabilities describes what a platform adapter can do. The orchestrator and
// skill handlers consult it instead of type-asserting on concrete adapters.
type Capabilities struct {
	FetchHistory     bool `json:"fetch_history"`
	Search           bool `json:"search"`
	DM               bool `json:"dm"`
	Guild            bool `json:"guild"`
	Reactions        bool `json:"reactions"`
	MaxMessageLength int  `json:"max_message_length"`
}

// ConnectionStatus reports the adapter's link state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// ReplyOptions carries optional reply threading parameters.
type ReplyOptions struct {
	// ReplyTo threads the reply to the given message id when the platform
	// supports threading.
	ReplyTo string
	// VisibleTo restricts delivery to the given user id on platforms with
	// per-message privacy scopes (Misskey specified-visibility DMs).
	VisibleTo string
}

// TruncateMessage caps content at max characters, replacing the overflow tail
// with an ellipsis. Limits count runes, not bytes, so multibyte text is never
// cut mid-codepoint. max <= 3 returns the content unchanged.
func TruncateMessage(content string, max int) string {
	if max <= 3 || utf8.RuneCountInString(content) <= max {
		return content
	}
	return string([]rune(content)[:max-3]) + "..."
}

// SummarizeText shortens message text for log output so full user content
// never lands in logs.
func SummarizeText(text string) string {
	text = strings.TrimSpace(text)
	const limit = 48
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + "…"
}
