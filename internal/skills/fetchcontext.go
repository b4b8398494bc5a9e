package skills

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vesperbot/vesper/internal/channel"
	"github.com/vesperbot/vesper/internal/session"
)

const defaultFetchLimit = 20

// fetchContextSkill gives the agent on-demand access to channel state beyond
// the initially assembled context.
type fetchContextSkill struct {
	logger *slog.Logger
}

func (s *fetchContextSkill) Name() string { return "fetch-context" }

func (s *fetchContextSkill) Execute(ctx context.Context, sess *session.Session, params Params) Result {
	kind, okStr := params.stringValue("type")
	if !okStr || kind == "" {
		return fail(msgInvalidType)
	}
	limit, okLimit := params.positiveInt("limit", defaultFetchLimit)
	if !okLimit {
		return fail(msgInvalidLimit)
	}

	switch kind {
	case "recent_messages":
		return s.recentMessages(ctx, sess, limit)
	case "search_messages":
		return s.searchMessages(ctx, sess, params, limit)
	case "user_info":
		return s.userInfo(ctx, sess)
	default:
		return fail(msgUnknownType)
	}
}

func (s *fetchContextSkill) recentMessages(ctx context.Context, sess *session.Session, limit int) Result {
	fetcher, okFetch := sess.Adapter.(channel.HistoryFetcher)
	if !okFetch {
		return ok([]channel.Message{})
	}
	messages, err := fetcher.FetchRecent(ctx, sess.ChannelID, limit)
	if err != nil {
		return fail(err.Error())
	}
	if messages == nil {
		messages = []channel.Message{}
	}
	return ok(messages)
}

func (s *fetchContextSkill) searchMessages(ctx context.Context, sess *session.Session, params Params, limit int) Result {
	query, okStr := params.stringValue("query")
	if !okStr || trimmed(query) == "" {
		return fail(msgSearchQuery)
	}
	searcher, okSearch := sess.Adapter.(channel.RelatedSearcher)
	if !okSearch || !sess.Adapter.Capabilities().Search {
		return fail(msgNoSearchSupport)
	}
	messages, err := searcher.SearchRelated(ctx, sess.TriggerEvent.GuildID, sess.ChannelID, query, limit)
	if err != nil {
		if errors.Is(err, channel.ErrSearchUnsupported) {
			return fail(msgNoSearchSupport)
		}
		return fail(err.Error())
	}
	if messages == nil {
		messages = []channel.Message{}
	}
	return ok(messages)
}

func (s *fetchContextSkill) userInfo(ctx context.Context, sess *session.Session) Result {
	username := sess.UserID
	if resolver, okRes := sess.Adapter.(channel.UserResolver); okRes {
		if name, err := resolver.GetUsername(ctx, sess.UserID); err == nil && name != "" {
			username = name
		} else if err != nil {
			s.logger.Warn("resolve username failed",
				slog.String("user_id", sess.UserID),
				slog.Any("error", err),
			)
		}
	}
	return ok(map[string]any{
		"userId":   sess.UserID,
		"username": username,
		"platform": string(sess.Platform),
		"isDm":     sess.TriggerEvent.IsDM,
	})
}
