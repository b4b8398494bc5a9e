// Package agent owns the external reasoning agent subprocess: spawning it
// inside a workspace, the JSON-RPC duplex with it, and the client-role
// callbacks it invokes during a prompt.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/vesperbot/vesper/internal/acp"
	"github.com/vesperbot/vesper/internal/config"
	"github.com/vesperbot/vesper/internal/workspace"
)

// termGrace is how long Disconnect waits after SIGTERM before killing.
const termGrace = 2 * time.Second

// SkillApprover answers whether a skill name is registered. Satisfied by the
// skills service.
type SkillApprover interface {
	Has(name string) bool
}

// Connector spawns one agent subprocess per interaction and drives it over
// newline-delimited JSON-RPC. It is not reusable after Disconnect.
type Connector struct {
	logger    *slog.Logger
	cfg       config.AgentConfig
	ws        *workspace.Workspace
	skillsDir string
	approver  SkillApprover
	extraEnv  map[string]string

	cmd  *exec.Cmd
	conn *acp.Conn

	caps           acp.AgentCapabilities
	agentSessionID string
}

// New creates a Connector bound to one workspace. extraEnv entries (gateway
// URL, session id) are added to the curated subprocess environment.
func New(log *slog.Logger, cfg config.AgentConfig, ws *workspace.Workspace, skillsDir string, approver SkillApprover, extraEnv map[string]string) *Connector {
	if log == nil {
		log = slog.Default()
	}
	return &Connector{
		logger:    log.With(slog.String("component", "agent"), slog.String("workspace", ws.Key)),
		cfg:       cfg,
		ws:        ws,
		skillsDir: skillsDir,
		approver:  approver,
		extraEnv:  extraEnv,
	}
}

// Connect spawns the subprocess and performs the initialize exchange. Any
// failure tears the process down before returning.
func (c *Connector) Connect(ctx context.Context) error {
	credName, credValue, err := c.cfg.Credential()
	if err != nil {
		return err
	}

	command, args := c.cfg.AgentCommand()
	cmd := exec.Command(command, args...)
	cmd.Dir = c.ws.Path
	cmd.Env = c.environ(credName, credValue)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn agent %q: %w", command, err)
	}
	c.cmd = cmd
	c.logger.Info("agent spawned",
		slog.String("command", command),
		slog.Int("pid", cmd.Process.Pid),
	)

	go c.relayStderr(stderr)
	c.conn = acp.NewConn(c.logger, stdout, stdin, &client{
		logger:    c.logger,
		ws:        c.ws,
		skillsDir: c.skillsDir,
		approver:  c.approver,
	})

	var initResult acp.InitializeResult
	initParams := acp.InitializeParams{
		ProtocolVersion: acp.ProtocolVersion,
		ClientCapabilities: acp.ClientCapabilities{
			FS: acp.FSCapabilities{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: false,
		},
	}
	if err := c.conn.Call(ctx, acp.MethodInitialize, initParams, &initResult); err != nil {
		c.Disconnect()
		return fmt.Errorf("initialize: %w", err)
	}
	c.caps = initResult.AgentCapabilities
	c.logger.Debug("agent initialized",
		slog.Int("protocol_version", initResult.ProtocolVersion),
	)
	return nil
}

// NewSession creates the agent-side session rooted at the workspace. Tool
// servers with transports the agent did not advertise are rejected locally.
func (c *Connector) NewSession(ctx context.Context, toolServers []acp.ToolServer) error {
	for _, server := range toolServers {
		switch server.Transport {
		case "http":
			if !c.caps.MCP.HTTP {
				return fmt.Errorf("tool server %q: agent does not support http transport", server.Name)
			}
		case "sse":
			if !c.caps.MCP.SSE {
				return fmt.Errorf("tool server %q: agent does not support sse transport", server.Name)
			}
		default:
			return fmt.Errorf("tool server %q: unknown transport %q", server.Name, server.Transport)
		}
	}
	if toolServers == nil {
		toolServers = []acp.ToolServer{}
	}

	var result acp.SessionNewResult
	params := acp.SessionNewParams{Cwd: c.ws.Path, MCPServers: toolServers}
	if err := c.conn.Call(ctx, acp.MethodSessionNew, params, &result); err != nil {
		return err
	}
	c.agentSessionID = result.SessionID
	return nil
}

// SetModel selects the configured model for the session. No-op when no model
// is configured.
func (c *Connector) SetModel(ctx context.Context) error {
	if c.cfg.Model == "" {
		return nil
	}
	params := acp.SetModelParams{SessionID: c.agentSessionID, ModelID: c.cfg.Model}
	return c.conn.Call(ctx, acp.MethodSessionSetModel, params, nil)
}

// Prompt sends the assembled text and blocks until the turn ends. The reply
// itself arrives out of band, through skill callbacks during this window.
func (c *Connector) Prompt(ctx context.Context, text string) (acp.PromptResult, error) {
	var result acp.PromptResult
	params := acp.PromptParams{
		SessionID: c.agentSessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	}
	err := c.conn.Call(ctx, acp.MethodSessionPrompt, params, &result)
	return result, err
}

// Cancel sends a protocol cancel for the in-flight prompt without waiting.
func (c *Connector) Cancel() {
	if c.conn == nil || c.agentSessionID == "" {
		return
	}
	if err := c.conn.Notify(acp.MethodSessionCancel, acp.CancelParams{SessionID: c.agentSessionID}); err != nil {
		c.logger.Warn("cancel notify failed", slog.Any("error", err))
	}
}

// Disconnect terminates the subprocess: SIGTERM, then SIGKILL after a short
// grace period. Errors are logged, never propagated.
func (c *Connector) Disconnect() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		c.logger.Debug("sigterm failed", slog.Any("error", err))
	}

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			c.logger.Debug("agent exited", slog.Any("error", err))
		}
	case <-time.After(termGrace):
		c.logger.Warn("agent did not exit after SIGTERM, killing")
		if err := c.cmd.Process.Kill(); err != nil {
			c.logger.Warn("kill failed", slog.Any("error", err))
		}
		<-done
	}
	c.cmd = nil
	c.conn = nil
}

// environ builds the curated subprocess environment: PATH and HOME inherited,
// the per-agent credential, and the caller's extra entries.
func (c *Connector) environ(credName, credValue string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		credName + "=" + credValue,
	}
	for key, value := range c.extraEnv {
		env = append(env, key+"="+value)
	}
	return env
}

// relayStderr logs subprocess stderr line by line. No backpressure on the
// protocol pipes.
func (c *Connector) relayStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		c.logger.Warn("agent stderr", slog.String("line", line))
	}
}
