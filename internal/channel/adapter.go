package channel

import (
	"context"
	"errors"
)

// ErrSearchUnsupported is returned by adapters that do not implement related
// message search.
var ErrSearchUnsupported = errors.New("platform does not support message search")

// EventHandler is a callback invoked for each normalized inbound event.
type EventHandler func(ctx context.Context, event NormalizedEvent) error

// Adapter is the base interface every platform adapter must implement.
// Behavior beyond identification is expressed through the optional
// capability interfaces below, resolved via the Registry.
type Adapter interface {
	Platform() Platform
	Capabilities() Capabilities
	ConnectionStatus() ConnectionStatus
}

// Receiver establishes a long-lived connection and emits normalized events.
// Connect must filter self and bot authors, and emit only DM messages (when
// allowed), direct mentions (with the mention token stripped from content), or
// messages starting with the configured command prefix.
type Receiver interface {
	Connect(ctx context.Context, handler EventHandler) error
	Disconnect(ctx context.Context) error
}

// Sender dispatches an outbound reply to a channel. Implementations truncate
// content to the platform maximum and thread to opts.ReplyTo when supported.
type Sender interface {
	SendReply(ctx context.Context, channelID, content string, opts ReplyOptions) error
}

// HistoryFetcher retrieves recent channel history, newest first.
type HistoryFetcher interface {
	FetchRecent(ctx context.Context, channelID string, limit int) ([]Message, error)
}

// RelatedSearcher finds guild messages related to a query. Adapters without a
// platform search API return ErrSearchUnsupported.
type RelatedSearcher interface {
	SearchRelated(ctx context.Context, guildID, channelID, query string, limit int) ([]Message, error)
}

// UserResolver resolves display names and identifies the bot's own account.
type UserResolver interface {
	GetUsername(ctx context.Context, userID string) (string, error)
	IsSelf(userID string) bool
}

// TypingNotifier signals that the bot is working on a reply. Best effort;
// callers ignore errors.
type TypingNotifier interface {
	NotifyTyping(ctx context.Context, channelID string) error
}
