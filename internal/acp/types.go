// Package acp implements the client side of the agent communication protocol:
// newline-delimited JSON-RPC 2.0 over a subprocess's stdin/stdout. The agent
// is the server for prompting, but calls back into us for permissions, file
// access and session updates.
package acp

import "encoding/json"

const Version = "2.0"

// ProtocolVersion is the protocol revision this client speaks.
const ProtocolVersion = 1

const (
	// Methods this client sends to the agent.
	MethodInitialize      = "initialize"
	MethodSessionNew      = "session/new"
	MethodSessionSetModel = "session/set_model"
	MethodSessionPrompt   = "session/prompt"
	MethodSessionCancel   = "session/cancel"

	// Methods the agent sends to this client.
	MethodRequestPermission = "session/request_permission"
	MethodSessionUpdate     = "session/update"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeAccessDenied   = -32001
)

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds an Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// envelope is the union of request, response and notification. Dispatch keys
// off which fields are set: Method+ID is an incoming request, Method alone a
// notification, ID alone a response to one of our calls.
type envelope struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

type outgoingRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outgoingNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type outgoingResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// ContentBlock is one element of a prompt or message. Only text blocks are
// produced and consumed here.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// InitializeParams announces the protocol version and what the client can do
// for the agent.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// ClientCapabilities lists the client-side callbacks the agent may use.
type ClientCapabilities struct {
	FS       FSCapabilities `json:"fs"`
	Terminal bool           `json:"terminal"`
}

// FSCapabilities advertises file access callbacks.
type FSCapabilities struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// InitializeResult carries the agent's protocol version and capabilities.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
}

// AgentCapabilities is the agent's advertised feature set.
type AgentCapabilities struct {
	LoadSession bool            `json:"loadSession,omitempty"`
	MCP         MCPCapabilities `json:"mcpCapabilities,omitempty"`
}

// MCPCapabilities lists the tool-server transports the agent accepts.
type MCPCapabilities struct {
	HTTP bool `json:"http,omitempty"`
	SSE  bool `json:"sse,omitempty"`
}

// ToolServer describes a co-spawned tool server offered to the agent session.
type ToolServer struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	URL       string `json:"url,omitempty"`
}

// SessionNewParams creates an agent-side session rooted at the workspace.
type SessionNewParams struct {
	Cwd        string       `json:"cwd"`
	MCPServers []ToolServer `json:"mcpServers"`
}

// SessionNewResult returns the agent's session id.
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// SetModelParams selects the model for a session.
type SetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// PromptParams sends the assembled prompt.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult reports why the turn ended.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams aborts an in-flight prompt.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// PermissionOption is one choice offered by a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// PermissionToolCall describes the tool call awaiting permission.
type PermissionToolCall struct {
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// RequestPermissionParams is the agent asking whether a tool call may run.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  PermissionToolCall `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// RequestPermissionResult is the outcome of a permission request.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome selects an option or cancels the call.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

// SessionUpdateParams is the streaming notification sent during a prompt.
type SessionUpdateParams struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is one streamed event: a chunk, a tool call transition or a
// plan. The kind is in SessionUpdate ("agent_message_chunk", "tool_call", ...).
type SessionUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       *ContentBlock   `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Title         string          `json:"title,omitempty"`
	Status        string          `json:"status,omitempty"`
	Entries       json.RawMessage `json:"entries,omitempty"`
}

// ReadTextFileParams is the agent asking to read a file.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult carries file content.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams is the agent asking to write a file.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}
