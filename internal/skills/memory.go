package skills

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vesperbot/vesper/internal/memory"
	"github.com/vesperbot/vesper/internal/session"
)

const defaultSearchLimit = 10

// memorySaveSkill appends one memory event to the session's workspace log.
type memorySaveSkill struct {
	logger *slog.Logger
	log    *memory.Log
}

func (s *memorySaveSkill) Name() string { return "memory-save" }

func (s *memorySaveSkill) Execute(_ context.Context, sess *session.Session, params Params) Result {
	content, okStr := params.stringValue("content")
	if !okStr || trimmed(content) == "" {
		return fail(msgInvalidContent)
	}

	opts := memory.SaveOptions{}
	if raw, present := params["visibility"]; present && raw != nil {
		v, okStr := params.stringValue("visibility")
		if !okStr || !memory.Visibility(v).Valid() {
			return fail(msgInvalidVisibility)
		}
		opts.Visibility = memory.Visibility(v)
	}
	if raw, present := params["importance"]; present && raw != nil {
		i, okStr := params.stringValue("importance")
		if !okStr || !memory.Importance(i).Valid() {
			return fail(msgInvalidImportance)
		}
		opts.Importance = memory.Importance(i)
	}

	event, err := s.log.Add(sess.Workspace, content, opts)
	if err != nil {
		if errors.Is(err, memory.ErrPrivateScope) {
			return fail(msgPrivateDMOnly)
		}
		return fail(err.Error())
	}
	s.logger.Info("memory saved",
		slog.String("workspace", sess.Workspace.Key),
		slog.String("memory_id", event.ID),
		slog.String("visibility", string(event.Visibility)),
	)
	return ok(event)
}

// memorySearchSkill returns resolved memories matching a query.
type memorySearchSkill struct {
	log      *memory.Log
	maxChars int
}

func (s *memorySearchSkill) Name() string { return "memory-search" }

func (s *memorySearchSkill) Execute(_ context.Context, sess *session.Session, params Params) Result {
	query, okStr := params.stringValue("query")
	if !okStr || trimmed(query) == "" {
		return fail(msgInvalidQuery)
	}
	limit, okLimit := params.positiveInt("limit", defaultSearchLimit)
	if !okLimit {
		return fail(msgInvalidLimit)
	}
	return ok(s.log.Search(sess.Workspace, query, limit, s.maxChars))
}

// memoryPatchSkill appends one patch event. Content is structurally
// unpatchable; only enabled, visibility and importance are accepted.
type memoryPatchSkill struct {
	logger *slog.Logger
	log    *memory.Log
}

func (s *memoryPatchSkill) Name() string { return "memory-patch" }

func (s *memoryPatchSkill) Execute(_ context.Context, sess *session.Session, params Params) Result {
	memoryID, okStr := params.stringValue("memory_id")
	if !okStr || trimmed(memoryID) == "" {
		return fail(msgInvalidMemoryID)
	}

	var changes memory.PatchSpec
	if raw, present := params["enabled"]; present && raw != nil {
		enabled, okBool := raw.(bool)
		if !okBool {
			return fail(msgInvalidEnabled)
		}
		changes.Enabled = &enabled
	}
	if raw, present := params["visibility"]; present && raw != nil {
		v, okStr := params.stringValue("visibility")
		if !okStr || !memory.Visibility(v).Valid() {
			return fail(msgInvalidVisibility)
		}
		visibility := memory.Visibility(v)
		changes.Visibility = &visibility
	}
	if raw, present := params["importance"]; present && raw != nil {
		i, okStr := params.stringValue("importance")
		if !okStr || !memory.Importance(i).Valid() {
			return fail(msgInvalidImportance)
		}
		importance := memory.Importance(i)
		changes.Importance = &importance
	}
	if changes.Empty() {
		return fail(msgNoPatchFields)
	}

	event, err := s.log.Patch(sess.Workspace, memoryID, changes)
	if err != nil {
		if errors.Is(err, memory.ErrPrivateScope) {
			return fail(msgPrivateDMOnly)
		}
		return fail(err.Error())
	}
	s.logger.Info("memory patched",
		slog.String("workspace", sess.Workspace.Key),
		slog.String("memory_id", memoryID),
	)
	return ok(event)
}
