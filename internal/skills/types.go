// Package skills implements the capabilities an agent session may invoke:
// memory-save, memory-search, memory-patch, send-reply and fetch-context.
package skills

import (
	"context"
	"strings"
	"sync"

	"github.com/vesperbot/vesper/internal/session"
)

// Result is the uniform outcome of every skill invocation. Error strings are
// literal and stable: downstream agents parse them.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func fail(message string) Result {
	return Result{Success: false, Error: message}
}

// Params is the raw parameter object of a skill call, as decoded from JSON.
type Params map[string]any

func (p Params) stringValue(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// positiveInt extracts an integral positive number. JSON numbers decode to
// float64; integers are accepted too for in-process callers.
func (p Params) positiveInt(key string, fallback int) (int, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return fallback, true
	}
	switch n := v.(type) {
	case float64:
		if n <= 0 || n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case int:
		if n <= 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Skill is one named capability bound to a session at execution time.
type Skill interface {
	Name() string
	Execute(ctx context.Context, sess *session.Session, params Params) Result
}

// Validation messages. These are part of the external contract and must not
// be reworded.
const (
	msgInvalidContent    = "Missing or invalid 'content' parameter"
	msgInvalidVisibility = "Invalid 'visibility' parameter. Must be 'public' or 'private'"
	msgInvalidImportance = "Invalid 'importance' parameter. Must be 'high' or 'normal'"
	msgPrivateDMOnly     = "Private memories can only be saved in DM contexts"
	msgInvalidLimit      = "Invalid 'limit' parameter. Must be a positive number"
	msgInvalidQuery      = "Missing or invalid 'query' parameter"
	msgInvalidMemoryID   = "Missing or invalid 'memory_id' parameter"
	msgInvalidEnabled    = "Invalid 'enabled' parameter. Must be a boolean"
	msgNoPatchFields     = "At least one of 'enabled', 'visibility', or 'importance' must be provided"
	msgInvalidMessage    = "Missing or invalid 'message' parameter"
	msgEmptyMessage      = "Message cannot be empty"
	msgInvalidAttach     = "Invalid 'attachments' parameter. Must be an array"
	msgReplyOnce         = "Reply can only be sent once per interaction"
	msgInvalidType       = "Missing or invalid 'type' parameter"
	msgUnknownType       = "Invalid 'type' parameter. Must be one of: recent_messages, search_messages, user_info"
	msgSearchQuery       = "Missing or invalid 'query' parameter for search_messages type"
	msgNoSearchSupport   = "Platform does not support message search"
)

// ReplyState tracks whether a reply has been dispatched for a
// (workspace_key, channel_id) pair. It backs the handler-side half of the
// single-reply guarantee; the session registry holds the per-session half.
type ReplyState struct {
	mu   sync.Mutex
	sent map[string]bool
}

// NewReplyState creates an empty ReplyState.
func NewReplyState() *ReplyState {
	return &ReplyState{sent: map[string]bool{}}
}

func replyStateKey(workspaceKey, channelID string) string {
	return workspaceKey + "|" + channelID
}

// Clear resets the pair before a new session starts.
func (r *ReplyState) Clear(workspaceKey, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sent, replyStateKey(workspaceKey, channelID))
}

// TryMark flips the pair to sent; false means a reply was already dispatched.
func (r *ReplyState) TryMark(workspaceKey, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := replyStateKey(workspaceKey, channelID)
	if r.sent[key] {
		return false
	}
	r.sent[key] = true
	return true
}

// Sent reports whether the pair has dispatched a reply.
func (r *ReplyState) Sent(workspaceKey, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[replyStateKey(workspaceKey, channelID)]
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
