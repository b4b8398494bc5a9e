package skills

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesperbot/vesper/internal/channel"
	"github.com/vesperbot/vesper/internal/config"
	"github.com/vesperbot/vesper/internal/memory"
	"github.com/vesperbot/vesper/internal/session"
	"github.com/vesperbot/vesper/internal/workspace"
)

type sentReply struct {
	ChannelID string
	Content   string
	Opts      channel.ReplyOptions
}

// fakeAdapter implements the capability interfaces used by the handlers.
type fakeAdapter struct {
	search   bool
	failSend error
	sent     []sentReply
	history  []channel.Message
}

func (f *fakeAdapter) Platform() channel.Platform { return "testplat" }

func (f *fakeAdapter) Capabilities() channel.Capabilities {
	return channel.Capabilities{
		FetchHistory:     true,
		Search:           f.search,
		DM:               true,
		MaxMessageLength: 2000,
	}
}

func (f *fakeAdapter) ConnectionStatus() channel.ConnectionStatus { return channel.StatusConnected }

func (f *fakeAdapter) SendReply(_ context.Context, channelID, content string, opts channel.ReplyOptions) error {
	if f.failSend != nil {
		return f.failSend
	}
	f.sent = append(f.sent, sentReply{ChannelID: channelID, Content: content, Opts: opts})
	return nil
}

func (f *fakeAdapter) FetchRecent(_ context.Context, channelID string, limit int) ([]channel.Message, error) {
	if limit < len(f.history) {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeAdapter) SearchRelated(_ context.Context, guildID, channelID, query string, limit int) ([]channel.Message, error) {
	if !f.search {
		return nil, channel.ErrSearchUnsupported
	}
	return f.history, nil
}

func (f *fakeAdapter) GetUsername(_ context.Context, userID string) (string, error) {
	return "user-" + userID, nil
}

func (f *fakeAdapter) IsSelf(userID string) bool { return false }

type testEnv struct {
	service  *Service
	registry *session.Registry
	adapter  *fakeAdapter
	sess     *session.Session
}

func newTestEnv(t *testing.T, isDM bool) *testEnv {
	t.Helper()
	registry, err := session.NewRegistry(nil, "")
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	ws := &workspace.Workspace{
		Key:       "testplat/u1/c1",
		Path:      t.TempDir(),
		IsDM:      isDM,
		Platform:  "testplat",
		UserID:    "u1",
		ChannelID: "c1",
	}
	sess := &session.Session{
		Platform:  "testplat",
		ChannelID: "c1",
		UserID:    "u1",
		Workspace: ws,
		Adapter:   adapter,
		TriggerEvent: channel.NormalizedEvent{
			Platform:  "testplat",
			ChannelID: "c1",
			UserID:    "u1",
			MessageID: "m1",
			IsDM:      isDM,
		},
		TimeoutMs: 60_000,
	}
	registry.Register(sess)

	service := NewService(nil, memory.NewLog(nil), registry, config.ContextConfig{MemoryMaxChars: 500})
	return &testEnv{service: service, registry: registry, adapter: adapter, sess: sess}
}

func (e *testEnv) run(t *testing.T, skill string, params Params) Result {
	t.Helper()
	return e.service.Execute(context.Background(), skill, e.sess, params)
}

func TestService_Names(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	assert.Equal(t, []string{"fetch-context", "memory-patch", "memory-save", "memory-search", "send-reply"}, env.service.Names())
	assert.True(t, env.service.Has("send-reply"))
	assert.False(t, env.service.Has("does-not-exist"))
}

func TestService_UnknownSkill(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	result := env.run(t, "does-not-exist", Params{})
	assert.False(t, result.Success)
	assert.Equal(t, "Unknown skill: does-not-exist", result.Error)
}

func TestMemorySave_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	cases := []struct {
		name   string
		params Params
		want   string
	}{
		{name: "missing content", params: Params{}, want: "Missing or invalid 'content' parameter"},
		{name: "empty content", params: Params{"content": "   "}, want: "Missing or invalid 'content' parameter"},
		{name: "non-string content", params: Params{"content": 42.0}, want: "Missing or invalid 'content' parameter"},
		{name: "bad visibility", params: Params{"content": "x", "visibility": "secret"}, want: "Invalid 'visibility' parameter. Must be 'public' or 'private'"},
		{name: "bad importance", params: Params{"content": "x", "importance": "urgent"}, want: "Invalid 'importance' parameter. Must be 'high' or 'normal'"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := env.run(t, "memory-save", tc.params)
			assert.False(t, result.Success)
			assert.Equal(t, tc.want, result.Error)
		})
	}
}

func TestMemorySave_PrivateInGuildRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	result := env.run(t, "memory-save", Params{"content": "x", "visibility": "private"})
	assert.False(t, result.Success)
	assert.Equal(t, "Private memories can only be saved in DM contexts", result.Error)
}

func TestMemorySave_ReturnsPersistedEvent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	result := env.run(t, "memory-save", Params{"content": "remembers things", "importance": "high"})
	require.True(t, result.Success, "error: %s", result.Error)

	event, ok := result.Data.(memory.Event)
	require.True(t, ok)
	assert.Equal(t, memory.ImportanceHigh, event.Importance)
	assert.Equal(t, memory.VisibilityPublic, event.Visibility)
}

func TestMemorySearch_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)

	result := env.run(t, "memory-search", Params{})
	assert.Equal(t, "Missing or invalid 'query' parameter", result.Error)

	result = env.run(t, "memory-search", Params{"query": "x", "limit": -1.0})
	assert.Equal(t, "Invalid 'limit' parameter. Must be a positive number", result.Error)

	result = env.run(t, "memory-search", Params{"query": "x", "limit": "ten"})
	assert.Equal(t, "Invalid 'limit' parameter. Must be a positive number", result.Error)
}

func TestMemorySearch_FindsSavedMemories(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	require.True(t, env.run(t, "memory-save", Params{"content": "Alice likes coffee"}).Success)
	require.True(t, env.run(t, "memory-save", Params{"content": "Bob likes tea"}).Success)

	result := env.run(t, "memory-search", Params{"query": "coffee"})
	require.True(t, result.Success)
	items, ok := result.Data.([]memory.Resolved)
	require.True(t, ok)
	require.Len(t, items, 1)
	assert.Contains(t, items[0].Content, "Alice")
}

func TestMemoryPatch_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	cases := []struct {
		name   string
		params Params
		want   string
	}{
		{name: "missing id", params: Params{}, want: "Missing or invalid 'memory_id' parameter"},
		{name: "no fields", params: Params{"memory_id": "mem_1"}, want: "At least one of 'enabled', 'visibility', or 'importance' must be provided"},
		{name: "bad enabled", params: Params{"memory_id": "mem_1", "enabled": "yes"}, want: "Invalid 'enabled' parameter. Must be a boolean"},
		{name: "bad visibility", params: Params{"memory_id": "mem_1", "visibility": "secret"}, want: "Invalid 'visibility' parameter. Must be 'public' or 'private'"},
		{name: "bad importance", params: Params{"memory_id": "mem_1", "importance": "urgent"}, want: "Invalid 'importance' parameter. Must be 'high' or 'normal'"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := env.run(t, "memory-patch", tc.params)
			assert.False(t, result.Success)
			assert.Equal(t, tc.want, result.Error)
		})
	}
}

func TestMemoryPatch_DisablesMemory(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	saved := env.run(t, "memory-save", Params{"content": "to be disabled", "importance": "high"})
	require.True(t, saved.Success)
	event := saved.Data.(memory.Event)

	result := env.run(t, "memory-patch", Params{"memory_id": event.ID, "enabled": false})
	require.True(t, result.Success, "error: %s", result.Error)

	search := env.run(t, "memory-search", Params{"query": "disabled"})
	items := search.Data.([]memory.Resolved)
	require.Len(t, items, 1)
	assert.False(t, items[0].Enabled)
}

func TestSendReply_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)

	result := env.run(t, "send-reply", Params{})
	assert.Equal(t, "Missing or invalid 'message' parameter", result.Error)

	result = env.run(t, "send-reply", Params{"message": "   "})
	assert.Equal(t, "Message cannot be empty", result.Error)

	result = env.run(t, "send-reply", Params{"message": "hi", "attachments": "nope"})
	assert.Equal(t, "Invalid 'attachments' parameter. Must be an array", result.Error)
}

func TestSendReply_DispatchesOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)

	first := env.run(t, "send-reply", Params{"message": "hello"})
	require.True(t, first.Success, "error: %s", first.Error)
	require.Len(t, env.adapter.sent, 1)
	assert.Equal(t, "c1", env.adapter.sent[0].ChannelID)
	assert.Equal(t, "m1", env.adapter.sent[0].Opts.ReplyTo)
	assert.True(t, env.registry.HasReplySent(env.sess.ID))

	second := env.run(t, "send-reply", Params{"message": "again"})
	assert.False(t, second.Success)
	assert.Equal(t, "Reply can only be sent once per interaction", second.Error)
	assert.Len(t, env.adapter.sent, 1)
}

func TestSendReply_AdapterErrorSurfacesAndAllowsRetry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	env.adapter.failSend = errors.New("network down")

	result := env.run(t, "send-reply", Params{"message": "hello"})
	assert.False(t, result.Success)
	assert.Equal(t, "network down", result.Error)
	assert.False(t, env.registry.HasReplySent(env.sess.ID))

	env.adapter.failSend = nil
	retry := env.run(t, "send-reply", Params{"message": "hello"})
	assert.True(t, retry.Success, "error: %s", retry.Error)
}

func TestSendReply_DMScopesVisibility(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	result := env.run(t, "send-reply", Params{"message": "hi"})
	require.True(t, result.Success, "error: %s", result.Error)
	require.Len(t, env.adapter.sent, 1)
	assert.Equal(t, "u1", env.adapter.sent[0].Opts.VisibleTo)
}

func TestFetchContext_Validation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)

	result := env.run(t, "fetch-context", Params{})
	assert.Equal(t, "Missing or invalid 'type' parameter", result.Error)

	result = env.run(t, "fetch-context", Params{"type": "everything"})
	assert.Equal(t, "Invalid 'type' parameter. Must be one of: recent_messages, search_messages, user_info", result.Error)

	result = env.run(t, "fetch-context", Params{"type": "recent_messages", "limit": 0.0})
	assert.Equal(t, "Invalid 'limit' parameter. Must be a positive number", result.Error)

	result = env.run(t, "fetch-context", Params{"type": "search_messages"})
	assert.Equal(t, "Missing or invalid 'query' parameter for search_messages type", result.Error)
}

func TestFetchContext_SearchUnsupported(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	env.adapter.search = false

	result := env.run(t, "fetch-context", Params{"type": "search_messages", "query": "hi"})
	assert.False(t, result.Success)
	assert.Equal(t, "Platform does not support message search", result.Error)
}

func TestFetchContext_RecentMessages(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	env.adapter.history = []channel.Message{
		{MessageID: "m9", Username: "alice", Content: "newest"},
	}

	result := env.run(t, "fetch-context", Params{"type": "recent_messages"})
	require.True(t, result.Success)
	messages := result.Data.([]channel.Message)
	require.Len(t, messages, 1)
	assert.Equal(t, "m9", messages[0].MessageID)
}

func TestFetchContext_UserInfo(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	result := env.run(t, "fetch-context", Params{"type": "user_info"})
	require.True(t, result.Success)

	info := result.Data.(map[string]any)
	assert.Equal(t, "u1", info["userId"])
	assert.Equal(t, "user-u1", info["username"])
	assert.Equal(t, "testplat", info["platform"])
	assert.Equal(t, true, info["isDm"])
}

func TestReplyState_ClearAllowsNewInteraction(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	require.True(t, env.run(t, "send-reply", Params{"message": "one"}).Success)

	// A new interaction on the same conversation starts with cleared state and
	// a fresh session.
	env.service.ReplyState().Clear(env.sess.Workspace.Key, env.sess.ChannelID)
	next := &session.Session{
		Platform:     env.sess.Platform,
		ChannelID:    env.sess.ChannelID,
		UserID:       env.sess.UserID,
		Workspace:    env.sess.Workspace,
		Adapter:      env.adapter,
		TriggerEvent: env.sess.TriggerEvent,
		TimeoutMs:    60_000,
	}
	env.registry.Register(next)

	result := env.service.Execute(context.Background(), "send-reply", next, Params{"message": "two"})
	assert.True(t, result.Success, "error: %s", result.Error)
	assert.Len(t, env.adapter.sent, 2)
}
