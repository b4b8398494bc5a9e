package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/vesperbot/vesper/internal/acp"
	"github.com/vesperbot/vesper/internal/channel"
	"github.com/vesperbot/vesper/internal/workspace"
)

// client serves the agent's callbacks for one connection: permission checks,
// workspace-scoped file access, and the session/update log sink.
type client struct {
	logger    *slog.Logger
	ws        *workspace.Workspace
	skillsDir string
	approver  SkillApprover
}

func (c *client) HandleRequest(_ context.Context, method string, params json.RawMessage) (any, *acp.Error) {
	switch method {
	case acp.MethodRequestPermission:
		return c.handlePermission(params)
	case acp.MethodReadTextFile:
		return c.handleReadTextFile(params)
	case acp.MethodWriteTextFile:
		return c.handleWriteTextFile(params)
	default:
		return nil, acp.NewError(acp.CodeMethodNotFound, "unsupported method: "+method)
	}
}

func (c *client) HandleNotification(_ context.Context, method string, params json.RawMessage) {
	if method != acp.MethodSessionUpdate {
		c.logger.Debug("ignoring notification", slog.String("method", method))
		return
	}
	var update acp.SessionUpdateParams
	if err := json.Unmarshal(params, &update); err != nil {
		c.logger.Warn("malformed session update", slog.Any("error", err))
		return
	}
	c.logUpdate(update.Update)
}

func (c *client) logUpdate(u acp.SessionUpdate) {
	switch u.SessionUpdate {
	case "agent_message_chunk", "agent_thought_chunk", "user_message_chunk":
		text := ""
		if u.Content != nil {
			text = u.Content.Text
		}
		c.logger.Debug("agent update",
			slog.String("kind", u.SessionUpdate),
			slog.String("preview", channel.SummarizeText(text)),
		)
	case "tool_call", "tool_call_update":
		if u.Status == "failed" {
			c.logger.Error("agent tool call failed",
				slog.String("tool_call_id", u.ToolCallID),
				slog.String("status", u.Status),
			)
			return
		}
		c.logger.Debug("agent tool call",
			slog.String("tool_call_id", u.ToolCallID),
			slog.String("title", u.Title),
			slog.String("status", u.Status),
		)
	case "plan":
		c.logger.Debug("agent plan updated")
	default:
		c.logger.Debug("agent update", slog.String("kind", u.SessionUpdate))
	}
}

// permissionInput is the subset of rawInput the permission check reads.
type permissionInput struct {
	Skill    string   `json:"skill"`
	Path     string   `json:"path"`
	FilePath string   `json:"file_path"`
	Command  string   `json:"command"`
	Commands []string `json:"commands"`
}

// handlePermission auto-approves a tool call when it names a registered
// skill, reads from the skills directory, or is a shell execution whose every
// command references the skills directory. Everything else is rejected.
func (c *client) handlePermission(params json.RawMessage) (any, *acp.Error) {
	var req acp.RequestPermissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, acp.NewError(acp.CodeInvalidParams, "malformed permission request")
	}

	var input permissionInput
	if len(req.ToolCall.RawInput) > 0 {
		// Best effort; an unparseable rawInput just fails the skill check.
		_ = json.Unmarshal(req.ToolCall.RawInput, &input)
	}

	skillName := input.Skill
	if skillName == "" {
		skillName = strings.TrimSpace(req.ToolCall.Title)
	}

	approved := false
	switch {
	case c.approver != nil && c.approver.Has(skillName):
		approved = true
	case req.ToolCall.Kind == "read" && c.underSkillsDir(firstNonEmpty(input.Path, input.FilePath)):
		approved = true
	case req.ToolCall.Kind == "execute" && c.commandsUseSkills(input):
		approved = true
	}

	c.logger.Debug("permission request",
		slog.String("tool_call_id", req.ToolCall.ToolCallID),
		slog.String("kind", req.ToolCall.Kind),
		slog.Bool("approved", approved),
	)

	if !approved {
		if option := pickOption(req.Options, "reject"); option != "" {
			return acp.RequestPermissionResult{
				Outcome: acp.PermissionOutcome{Outcome: "selected", OptionID: option},
			}, nil
		}
		return acp.RequestPermissionResult{
			Outcome: acp.PermissionOutcome{Outcome: "cancelled"},
		}, nil
	}

	option := pickOption(req.Options, "allow")
	if option == "" && len(req.Options) > 0 {
		option = req.Options[0].OptionID
	}
	return acp.RequestPermissionResult{
		Outcome: acp.PermissionOutcome{Outcome: "selected", OptionID: option},
	}, nil
}

// underSkillsDir reports whether path resolves inside the skills directory.
func (c *client) underSkillsDir(path string) bool {
	if path == "" || c.skillsDir == "" {
		return false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.ws.Path, path)
	}
	rel, err := filepath.Rel(c.skillsDir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// commandsUseSkills reports whether every command of a shell execution
// references the skills directory.
func (c *client) commandsUseSkills(input permissionInput) bool {
	commands := input.Commands
	if len(commands) == 0 && input.Command != "" {
		commands = []string{input.Command}
	}
	if len(commands) == 0 || c.skillsDir == "" {
		return false
	}
	for _, command := range commands {
		if !strings.Contains(command, c.skillsDir) {
			return false
		}
	}
	return true
}

func (c *client) handleReadTextFile(params json.RawMessage) (any, *acp.Error) {
	var req acp.ReadTextFileParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, acp.NewError(acp.CodeInvalidParams, "malformed read request")
	}
	path := c.resolve(req.Path)
	if err := workspace.ValidateInside(c.ws, path); err != nil {
		c.logger.Warn("read outside workspace denied", slog.String("path", req.Path))
		return nil, acp.NewError(acp.CodeAccessDenied, "access denied")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, acp.NewError(acp.CodeInternalError, err.Error())
	}
	content := string(data)
	if req.Line != nil || req.Limit != nil {
		content = sliceLines(content, req.Line, req.Limit)
	}
	return acp.ReadTextFileResult{Content: content}, nil
}

func (c *client) handleWriteTextFile(params json.RawMessage) (any, *acp.Error) {
	var req acp.WriteTextFileParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, acp.NewError(acp.CodeInvalidParams, "malformed write request")
	}
	path := c.resolve(req.Path)
	if err := workspace.ValidateInside(c.ws, path); err != nil {
		c.logger.Warn("write outside workspace denied", slog.String("path", req.Path))
		return nil, acp.NewError(acp.CodeAccessDenied, "access denied")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, acp.NewError(acp.CodeInternalError, err.Error())
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return nil, acp.NewError(acp.CodeInternalError, err.Error())
	}
	return nil, nil
}

func (c *client) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(c.ws.Path, path)
}

// sliceLines applies the optional 1-based start line and line count.
func sliceLines(content string, line, limit *int) string {
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}

// pickOption returns the first option whose kind or id carries the wanted
// verb ("allow" or "reject").
func pickOption(options []acp.PermissionOption, verb string) string {
	for _, option := range options {
		if strings.Contains(option.Kind, verb) || strings.Contains(option.OptionID, verb) {
			return option.OptionID
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
