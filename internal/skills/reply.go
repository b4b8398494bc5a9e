package skills

import (
	"context"
	"log/slog"

	"github.com/vesperbot/vesper/internal/channel"
	"github.com/vesperbot/vesper/internal/session"
)

// sendReplySkill dispatches the single reply of an interaction through the
// session's adapter. The one-reply guarantee is enforced twice: here per
// (workspace, channel) pair, and in the session registry per session id.
type sendReplySkill struct {
	logger   *slog.Logger
	state    *ReplyState
	registry *session.Registry
}

func (s *sendReplySkill) Name() string { return "send-reply" }

func (s *sendReplySkill) Execute(ctx context.Context, sess *session.Session, params Params) Result {
	message, okStr := params.stringValue("message")
	if !okStr {
		return fail(msgInvalidMessage)
	}
	if trimmed(message) == "" {
		return fail(msgEmptyMessage)
	}
	if raw, present := params["attachments"]; present && raw != nil {
		attachments, okArr := raw.([]any)
		if !okArr {
			return fail(msgInvalidAttach)
		}
		if len(attachments) > 0 {
			s.logger.Warn("attachments are not supported and were ignored",
				slog.Int("count", len(attachments)),
			)
		}
	}

	if s.registry.HasReplySent(sess.ID) {
		return fail(msgReplyOnce)
	}

	sender, okSender := sess.Adapter.(channel.Sender)
	if !okSender {
		return fail("Platform does not support sending replies")
	}

	// Claim the pair before touching the network so a concurrent second call
	// cannot also send.
	if !s.state.TryMark(sess.Workspace.Key, sess.ChannelID) {
		return fail(msgReplyOnce)
	}

	opts := channel.ReplyOptions{ReplyTo: sess.TriggerEvent.MessageID}
	if sess.TriggerEvent.IsDM {
		opts.VisibleTo = sess.UserID
	}
	if err := sender.SendReply(ctx, sess.ChannelID, message, opts); err != nil {
		s.state.Clear(sess.Workspace.Key, sess.ChannelID)
		s.logger.Error("send reply failed",
			slog.String("session_id", sess.ID),
			slog.String("channel_id", sess.ChannelID),
			slog.Any("error", err),
		)
		return fail(err.Error())
	}

	s.registry.MarkReplySent(sess.ID)
	s.logger.Info("reply sent",
		slog.String("session_id", sess.ID),
		slog.String("platform", string(sess.Platform)),
		slog.String("channel_id", sess.ChannelID),
	)
	return ok(map[string]any{"sent": true})
}
