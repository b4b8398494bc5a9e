// Package misskey implements the Misskey platform adapter: the streaming
// websocket API for inbound mentions and the HTTP API for everything else.
package misskey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vesperbot/vesper/internal/channel"
	"github.com/vesperbot/vesper/internal/config"
)

// PlatformName is the platform identifier of this adapter.
const PlatformName = channel.Platform("misskey")

const (
	maxMessageLength = 3000
	inboundDedupTTL  = time.Minute
	requestTimeout   = 15 * time.Second
)

// Adapter is the Misskey implementation of the channel capability interfaces.
type Adapter struct {
	logger *slog.Logger
	cfg    config.MisskeyConfig
	http   *http.Client

	mu           sync.RWMutex
	conn         *websocket.Conn
	status       channel.ConnectionStatus
	botID        string
	botUsername  string
	seenMessages map[string]time.Time
	cancel       context.CancelFunc
	done         chan struct{}
}

// New creates a disconnected Adapter.
func New(log *slog.Logger, cfg config.MisskeyConfig) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:       log.With(slog.String("adapter", "misskey")),
		cfg:          cfg,
		http:         &http.Client{Timeout: requestTimeout},
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
		Search:           true,
		DM:               a.cfg.AllowDM,
		Guild:            false,
		Reactions:        true,
		MaxMessageLength: maxMessageLength,
	}
}

func (a *Adapter) ConnectionStatus() channel.ConnectionStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// note is the subset of a Misskey note this adapter reads.
type note struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Text       string    `json:"text"`
	Visibility string    `json:"visibility"`
	CreatedAt  time.Time `json:"createdAt"`
	User       struct {
		Username string `json:"username"`
		IsBot    bool   `json:"isBot"`
	} `json:"user"`
}

type streamMessage struct {
	Type string `json:"type"`
	Body struct {
		ID   string          `json:"id"`
		Type string          `json:"type"`
		Body json.RawMessage `json:"body"`
	} `json:"body"`
}

// Connect resolves the bot account, opens the streaming websocket and starts
// the read loop. Stream drops after a successful connect are reconnected
// internally with backoff.
func (a *Adapter) Connect(ctx context.Context, handler channel.EventHandler) error {
	if strings.TrimSpace(a.cfg.BaseURL) == "" || strings.TrimSpace(a.cfg.APIToken) == "" {
		return fmt.Errorf("misskey base_url and api_token are required")
	}

	a.setStatus(channel.StatusConnecting)
	var self struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := a.api(ctx, "i", map[string]any{}, &self); err != nil {
		a.setStatus(channel.StatusDisconnected)
		return fmt.Errorf("resolve bot account: %w", err)
	}

	conn, err := a.dial(ctx)
	if err != nil {
		a.setStatus(channel.StatusDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	a.mu.Lock()
	a.conn = conn
	a.botID = self.ID
	a.botUsername = self.Username
	a.status = channel.StatusConnected
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	a.logger.Info("connected", slog.String("username", self.Username))
	go a.readLoop(runCtx, done, handler)
	return nil
}

// Disconnect stops the read loop and closes the websocket.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	conn := a.conn
	done := a.done
	a.cancel = nil
	a.conn = nil
	a.done = nil
	a.status = channel.StatusDisconnected
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// dial opens the streaming websocket and subscribes to the main channel,
// which carries mention and reply events for the authenticated account.
func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	base, err := url.Parse(a.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	scheme := "wss"
	if base.Scheme == "http" {
		scheme = "ws"
	}
	streamURL := url.URL{
		Scheme:   scheme,
		Host:     base.Host,
		Path:     "/streaming",
		RawQuery: "i=" + url.QueryEscape(a.cfg.APIToken),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial streaming api: %w", err)
	}

	subscribe := map[string]any{
		"type": "connect",
		"body": map[string]any{
			"channel": "main",
			"id":      uuid.NewString(),
		},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe main channel: %w", err)
	}
	return conn, nil
}

// readLoop pumps streaming events, redialing with backoff when the stream
// drops before the run context ends.
func (a *Adapter) readLoop(ctx context.Context, done chan struct{}, handler channel.EventHandler) {
	defer close(done)
	backoff := channel.NewBackoff(0)

	for {
		conn := a.currentConn()
		if conn == nil || ctx.Err() != nil {
			return
		}

		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.setStatus(channel.StatusConnecting)
			delay, _ := backoff.Next()
			a.logger.Warn("stream dropped, reconnecting",
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			next, err := a.dial(ctx)
			if err != nil {
				continue
			}
			a.mu.Lock()
			a.conn = next
			a.status = channel.StatusConnected
			a.mu.Unlock()
			continue
		}
		backoff.Reset()

		if msg.Type != "channel" {
			continue
		}
		switch msg.Body.Type {
		case "mention", "reply":
			a.handleNote(ctx, msg.Body.Body, handler)
		default:
		}
	}
}

// handleNote converts one mention note into a normalized event. Notes with
// "specified" visibility are treated as DMs.
func (a *Adapter) handleNote(ctx context.Context, raw json.RawMessage, handler channel.EventHandler) {
	var n note
	if err := json.Unmarshal(raw, &n); err != nil {
		a.logger.Warn("malformed note", slog.Any("error", err))
		return
	}
	if n.User.IsBot || a.IsSelf(n.UserID) {
		return
	}
	if a.isDuplicate(n.ID) {
		return
	}

	content := strings.TrimSpace(a.stripMention(n.Text))
	if content == "" {
		return
	}
	if a.cfg.CommandPrefix != "" && strings.HasPrefix(content, a.cfg.CommandPrefix) {
		content = strings.TrimSpace(strings.TrimPrefix(content, a.cfg.CommandPrefix))
		if content == "" {
			return
		}
	}

	isDM := n.Visibility == "specified"
	if isDM && !a.cfg.AllowDM {
		return
	}

	event := channel.NormalizedEvent{
		Platform: PlatformName,
		// Misskey has no channel container for mentions; the conversation is
		// keyed by the counterpart user.
		ChannelID: n.UserID,
		UserID:    n.UserID,
		MessageID: n.ID,
		IsDM:      isDM,
		Content:   content,
		Timestamp: n.CreatedAt,
	}

	a.logger.Info("inbound note",
		slog.String("user_id", n.UserID),
		slog.Bool("is_dm", isDM),
		slog.String("preview", channel.SummarizeText(content)),
	)

	go func() {
		if err := handler(ctx, event); err != nil {
			a.logger.Error("handle inbound failed",
				slog.String("note_id", n.ID),
				slog.Any("error", err),
			)
		}
	}()
}

// SendReply creates a note replying to opts.ReplyTo. DM replies use
// "specified" visibility scoped to opts.VisibleTo.
func (a *Adapter) SendReply(ctx context.Context, channelID, content string, opts channel.ReplyOptions) error {
	content = channel.TruncateMessage(content, maxMessageLength)
	params := map[string]any{
		"text": content,
	}
	if opts.ReplyTo != "" {
		params["replyId"] = opts.ReplyTo
	}
	if opts.VisibleTo != "" {
		params["visibility"] = "specified"
		params["visibleUserIds"] = []string{opts.VisibleTo}
	}
	if err := a.api(ctx, "notes/create", params, nil); err != nil {
		return fmt.Errorf("misskey send: %w", err)
	}
	return nil
}

// FetchRecent returns the counterpart user's recent notes, newest first.
func (a *Adapter) FetchRecent(ctx context.Context, channelID string, limit int) ([]channel.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var notes []note
	params := map[string]any{
		"userId": channelID,
		"limit":  limit,
	}
	if err := a.api(ctx, "users/notes", params, &notes); err != nil {
		return nil, fmt.Errorf("misskey history: %w", err)
	}
	return a.toMessages(notes), nil
}

// SearchRelated runs a full-text note search.
func (a *Adapter) SearchRelated(ctx context.Context, guildID, channelID, query string, limit int) ([]channel.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	var notes []note
	params := map[string]any{
		"query": query,
		"limit": limit,
	}
	if err := a.api(ctx, "notes/search", params, &notes); err != nil {
		return nil, fmt.Errorf("misskey search: %w", err)
	}
	return a.toMessages(notes), nil
}

// GetUsername resolves a user id to a username.
func (a *Adapter) GetUsername(ctx context.Context, userID string) (string, error) {
	var user struct {
		Username string `json:"username"`
	}
	if err := a.api(ctx, "users/show", map[string]any{"userId": userID}, &user); err != nil {
		return "", fmt.Errorf("misskey user lookup: %w", err)
	}
	return user.Username, nil
}

// IsSelf reports whether userID is the bot's own account.
func (a *Adapter) IsSelf(userID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botID != "" && userID == a.botID
}

func (a *Adapter) toMessages(notes []note) []channel.Message {
	messages := make([]channel.Message, 0, len(notes))
	for _, n := range notes {
		if strings.TrimSpace(n.Text) == "" {
			continue
		}
		messages = append(messages, channel.Message{
			MessageID: n.ID,
			UserID:    n.UserID,
			Username:  n.User.Username,
			Content:   n.Text,
			Timestamp: n.CreatedAt,
			IsBot:     n.User.IsBot || a.IsSelf(n.UserID),
		})
	}
	return messages
}

// stripMention removes @botname (optionally @botname@host) mention tokens
// wherever they appear. The username must end at a token boundary, so a
// mention of a longer name sharing the bot's name as a prefix is left intact.
func (a *Adapter) stripMention(text string) string {
	a.mu.RLock()
	username := a.botUsername
	a.mu.RUnlock()
	if username == "" {
		return text
	}

	mention := "@" + username
	var b strings.Builder
	rest := text
	for {
		idx := strings.Index(rest, mention)
		if idx < 0 {
			b.WriteString(rest)
			return b.String()
		}
		tail, bounded := mentionTail(rest[idx+len(mention):])
		if !bounded {
			b.WriteString(rest[:idx+len(mention)])
			rest = rest[idx+len(mention):]
			continue
		}
		head := rest[:idx]
		if strings.HasSuffix(head, " ") && strings.HasPrefix(tail, " ") {
			tail = tail[1:]
		}
		b.WriteString(head)
		rest = tail
	}
}

// mentionTail consumes an optional @host suffix after the bot username and
// reports whether the mention ends at a token boundary.
func mentionTail(s string) (string, bool) {
	if s == "" {
		return "", true
	}
	if strings.HasPrefix(s, "@") {
		idx := strings.IndexFunc(s, unicode.IsSpace)
		if idx < 0 {
			return "", true
		}
		return s[idx:], true
	}
	r, _ := utf8.DecodeRuneInString(s)
	if unicode.IsSpace(r) {
		return s, true
	}
	return s, false
}

func (a *Adapter) currentConn() *websocket.Conn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.conn
}

func (a *Adapter) setStatus(status channel.ConnectionStatus) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

func (a *Adapter) isDuplicate(noteID string) bool {
	if noteID == "" {
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
	if _, seen := a.seenMessages[noteID]; seen {
		return true
	}
	a.seenMessages[noteID] = now
	return false
}

// api calls one Misskey HTTP endpoint. The token rides in the body per the
// Misskey API convention and never appears in logs.
func (a *Adapter) api(ctx context.Context, endpoint string, params map[string]any, result any) error {
	body := make(map[string]any, len(params)+1)
	for k, v := range params {
		body[k] = v
	}
	body["i"] = a.cfg.APIToken

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	endpointURL := strings.TrimRight(a.cfg.BaseURL, "/") + "/api/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", endpoint, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned status %d", endpoint, resp.StatusCode)
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
	}
	return nil
}
