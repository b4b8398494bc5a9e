// Package discord implements the Discord platform adapter over a discordgo
// gateway session.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/vesperbot/vesper/internal/channel"
	"github.com/vesperbot/vesper/internal/config"
)

// PlatformName is the platform identifier of this adapter.
const PlatformName = channel.Platform("discord")

const (
	maxMessageLength = 2000
	inboundDedupTTL  = time.Minute
)

// Adapter is the Discord implementation of the channel capability interfaces.
type Adapter struct {
	logger *slog.Logger
	cfg    config.DiscordConfig

	mu            sync.RWMutex
	session       *discordgo.Session
	removeHandler func()
	status        channel.ConnectionStatus
	botID         string
	seenMessages  map[string]time.Time
}

// New creates a disconnected Adapter.
func New(log *slog.Logger, cfg config.DiscordConfig) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:       log.With(slog.String("adapter", "discord")),
		cfg:          cfg,
		status:       channel.StatusDisconnected,
		seenMessages: map[string]time.Time{},
	}
}

func (a *Adapter) Platform() channel.Platform {
	return PlatformName
}

func (a *Adapter) Capabilities() channel.Capabilities {
	return channel.Capabilities{
		FetchHistory:     true,
		Search:           false,
		DM:               a.cfg.AllowDM,
		Guild:            true,
		Reactions:        true,
		MaxMessageLength: maxMessageLength,
	}
}

func (a *Adapter) ConnectionStatus() channel.ConnectionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Connect opens the gateway session and starts delivering normalized events
// to handler. It returns once the session is open.
func (a *Adapter) Connect(ctx context.Context, handler channel.EventHandler) error {
	if strings.TrimSpace(a.cfg.BotToken) == "" {
		return fmt.Errorf("discord bot token is required")
	}

	a.setStatus(channel.StatusConnecting)
	session, err := discordgo.New("Bot " + a.cfg.BotToken)
	if err != nil {
		a.setStatus(channel.StatusDisconnected)
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	remove := session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(ctx, s, m, handler)
	})

	if err := session.Open(); err != nil {
		remove()
		a.setStatus(channel.StatusDisconnected)
		return fmt.Errorf("open discord gateway: %w", err)
	}

	a.mu.Lock()
	a.session = session
	a.removeHandler = remove
	a.status = channel.StatusConnected
	if session.State != nil && session.State.User != nil {
		a.botID = session.State.User.ID
	}
	a.mu.Unlock()

	a.logger.Info("connected")
	return nil
}

// Disconnect closes the gateway session.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	session := a.session
	remove := a.removeHandler
	a.session = nil
	a.removeHandler = nil
	a.status = channel.StatusDisconnected
	a.mu.Unlock()

	if remove != nil {
		remove()
	}
	if session == nil {
		return nil
	}
	a.logger.Info("disconnecting")
	return session.Close()
}

// handleMessage gates raw gateway messages down to the events the bot should
// answer: DMs (when allowed), direct mentions, replies to the bot, and
// command-prefixed messages. Self and bot authors never pass.
func (a *Adapter) handleMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, handler channel.EventHandler) {
	if ctx.Err() != nil {
		return
	}
	if m.Author == nil || m.Author.Bot || a.IsSelf(m.Author.ID) {
		return
	}
	if a.isDuplicate(m.ID) {
		return
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}

	isDM := m.GuildID == ""
	mentioned := a.isMentioned(m.Message)
	replyToBot := m.ReferencedMessage != nil &&
		m.ReferencedMessage.Author != nil &&
		a.IsSelf(m.ReferencedMessage.Author.ID)
	prefixed := a.cfg.CommandPrefix != "" && strings.HasPrefix(content, a.cfg.CommandPrefix)

	switch {
	case isDM:
		if !a.cfg.AllowDM {
			return
		}
	case mentioned:
		content = strings.TrimSpace(a.stripMentions(content))
	case prefixed:
		content = strings.TrimSpace(strings.TrimPrefix(content, a.cfg.CommandPrefix))
	case replyToBot:
		// addressed implicitly, keep content as is
	default:
		return
	}
	if content == "" {
		return
	}

	event := channel.NormalizedEvent{
		Platform:  PlatformName,
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		MessageID: m.ID,
		IsDM:      isDM,
		GuildID:   m.GuildID,
		Content:   content,
		Timestamp: m.Timestamp,
	}

	a.logger.Info("inbound message",
		slog.String("channel_id", m.ChannelID),
		slog.String("user_id", m.Author.ID),
		slog.Bool("is_dm", isDM),
		slog.String("preview", channel.SummarizeText(content)),
	)

	go func() {
		if err := handler(ctx, event); err != nil {
			a.logger.Error("handle inbound failed",
				slog.String("message_id", m.ID),
				slog.Any("error", err),
			)
		}
	}()
}

// SendReply posts content to channelID, threaded to opts.ReplyTo when set.
// Content beyond the platform maximum is truncated.
func (a *Adapter) SendReply(ctx context.Context, channelID, content string, opts channel.ReplyOptions) error {
	session := a.currentSession()
	if session == nil {
		return fmt.Errorf("discord adapter is not connected")
	}

	content = channel.TruncateMessage(content, maxMessageLength)
	var err error
	if opts.ReplyTo != "" {
		_, err = session.ChannelMessageSendReply(channelID, content, &discordgo.MessageReference{
			ChannelID: channelID,
			MessageID: opts.ReplyTo,
		}, discordgo.WithContext(ctx))
	} else {
		_, err = session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	}
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// FetchRecent returns up to limit messages from the channel, newest first.
func (a *Adapter) FetchRecent(ctx context.Context, channelID string, limit int) ([]channel.Message, error) {
	session := a.currentSession()
	if session == nil {
		return nil, fmt.Errorf("discord adapter is not connected")
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	raw, err := session.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord history: %w", err)
	}

	messages := make([]channel.Message, 0, len(raw))
	for _, m := range raw {
		if m == nil || m.Author == nil {
			continue
		}
		messages = append(messages, channel.Message{
			MessageID: m.ID,
			UserID:    m.Author.ID,
			Username:  m.Author.Username,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			IsBot:     m.Author.Bot || a.IsSelf(m.Author.ID),
		})
	}
	return messages, nil
}

// SearchRelated is unsupported: the bot API exposes no message search.
func (a *Adapter) SearchRelated(ctx context.Context, guildID, channelID, query string, limit int) ([]channel.Message, error) {
	return nil, channel.ErrSearchUnsupported
}

// GetUsername resolves a user id to a display name.
func (a *Adapter) GetUsername(ctx context.Context, userID string) (string, error) {
	session := a.currentSession()
	if session == nil {
		return "", fmt.Errorf("discord adapter is not connected")
	}
	user, err := session.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord user lookup: %w", err)
	}
	return user.Username, nil
}

// IsSelf reports whether userID is the bot's own account.
func (a *Adapter) IsSelf(userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botID != "" && userID == a.botID
}

// NotifyTyping shows the typing indicator in the channel. Best effort.
func (a *Adapter) NotifyTyping(ctx context.Context, channelID string) error {
	session := a.currentSession()
	if session == nil {
		return fmt.Errorf("discord adapter is not connected")
	}
	return session.ChannelTyping(channelID, discordgo.WithContext(ctx))
}

func (a *Adapter) currentSession() *discordgo.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

func (a *Adapter) setStatus(status channel.ConnectionStatus) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

// isMentioned checks the mention list and raw mention tokens.
func (a *Adapter) isMentioned(m *discordgo.Message) bool {
	a.mu.RLock()
	botID := a.botID
	a.mu.RUnlock()
	if m == nil || botID == "" {
		return false
	}
	for _, mention := range m.Mentions {
		if mention != nil && mention.ID == botID {
			return true
		}
	}
	return strings.Contains(m.Content, "<@"+botID+">") ||
		strings.Contains(m.Content, "<@!"+botID+">")
}

// stripMentions removes the bot's mention tokens from content.
func (a *Adapter) stripMentions(content string) string {
	a.mu.RLock()
	botID := a.botID
	a.mu.RUnlock()
	content = strings.ReplaceAll(content, "<@"+botID+">", "")
	content = strings.ReplaceAll(content, "<@!"+botID+">", "")
	return content
}

// isDuplicate tracks recently seen message ids with a short TTL so gateway
// redeliveries do not trigger a second orchestration.
func (a *Adapter) isDuplicate(messageID string) bool {
	if messageID == "" {
		return false
	}
	now := time.Now().UTC()
	expireBefore := now.Add(-inboundDedupTTL)

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, seenAt := range a.seenMessages {
		if seenAt.Before(expireBefore) {
			delete(a.seenMessages, id)
		}
	}
	if _, seen := a.seenMessages[messageID]; seen {
		return true
	}
	a.seenMessages[messageID] = now
	return false
}
