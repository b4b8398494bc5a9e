// Package assembler merges the system prompt, important memories and channel
// history into the prompt context for one agent session.
package assembler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vesperbot/vesper/internal/channel"
	"github.com/vesperbot/vesper/internal/config"
	"github.com/vesperbot/vesper/internal/memory"
	"github.com/vesperbot/vesper/internal/workspace"
)

const relatedMessageLimit = 10

// DefaultSystemPrompt is used when no system prompt file is configured.
const DefaultSystemPrompt = "You are a helpful assistant replying to chat messages. " +
	"Keep replies concise and conversational."

// Context is the assembled input for one prompt. Assembly is a pure function
// of the system prompt, the memory file contents, the fetched messages and
// the trigger event.
type Context struct {
	SystemPrompt      string
	ImportantMemories []memory.Resolved
	RecentMessages    []channel.Message
	RelatedMessages   []channel.Message
	TriggerMessage    channel.Message
	EstimatedTokens   int
	AssembledAt       time.Time
}

// Assembler builds prompt contexts. The system prompt file is cached after
// the first read and can be invalidated at runtime.
type Assembler struct {
	logger *slog.Logger
	cfg    config.ContextConfig
	log    *memory.Log

	mu           sync.Mutex
	systemPrompt string
	loaded       bool
}

// New creates an Assembler reading memories from log.
func New(logr *slog.Logger, cfg config.ContextConfig, log *memory.Log) *Assembler {
	if logr == nil {
		logr = slog.Default()
	}
	return &Assembler{
		logger: logr.With(slog.String("component", "assembler")),
		cfg:    cfg,
		log:    log,
	}
}

// Invalidate drops the cached system prompt so the next Assemble re-reads it.
func (a *Assembler) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loaded = false
	a.systemPrompt = ""
}

func (a *Assembler) loadSystemPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loaded {
		return a.systemPrompt
	}
	a.loaded = true
	a.systemPrompt = DefaultSystemPrompt
	if a.cfg.SystemPromptPath != "" {
		data, err := os.ReadFile(a.cfg.SystemPromptPath)
		if err != nil {
			a.logger.Warn("read system prompt failed, using default",
				slog.String("path", a.cfg.SystemPromptPath),
				slog.Any("error", err),
			)
		} else {
			a.systemPrompt = string(data)
		}
	}
	return a.systemPrompt
}

// Assemble builds the context for one event. The adapter supplies history,
// related search and username resolution through its optional capability
// interfaces; each is skipped when unsupported.
func (a *Assembler) Assemble(ctx context.Context, event channel.NormalizedEvent, ws *workspace.Workspace, adapter channel.Adapter) Context {
	assembled := Context{
		SystemPrompt: a.loadSystemPrompt(),
		AssembledAt:  time.Now().UTC(),
	}

	assembled.ImportantMemories = a.log.Important(ws)

	if fetcher, ok := adapter.(channel.HistoryFetcher); ok {
		recent, err := fetcher.FetchRecent(ctx, event.ChannelID, a.cfg.RecentMessageLimit)
		if err != nil {
			a.logger.Warn("fetch recent messages failed",
				slog.String("channel_id", event.ChannelID),
				slog.Any("error", err),
			)
		} else {
			assembled.RecentMessages = recent
		}
	}

	if event.GuildID != "" && event.Content != "" {
		if searcher, ok := adapter.(channel.RelatedSearcher); ok {
			related, err := searcher.SearchRelated(ctx, event.GuildID, event.ChannelID, event.Content, relatedMessageLimit)
			if err != nil && err != channel.ErrSearchUnsupported {
				a.logger.Warn("search related messages failed", slog.Any("error", err))
			} else if err == nil {
				assembled.RelatedMessages = related
			}
		}
	}

	username := event.UserID
	if resolver, ok := adapter.(channel.UserResolver); ok {
		if name, err := resolver.GetUsername(ctx, event.UserID); err == nil && name != "" {
			username = name
		}
	}
	assembled.TriggerMessage = channel.Message{
		MessageID: event.MessageID,
		UserID:    event.UserID,
		Username:  username,
		Content:   event.Content,
		Timestamp: event.Timestamp,
	}

	formatted := a.Format(assembled)
	assembled.EstimatedTokens = formatted.EstimatedTokens
	return assembled
}
