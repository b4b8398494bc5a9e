// Package orchestrator runs the end-to-end pipeline for one normalized event:
// workspace resolution, context assembly, agent session, and outcome handling.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/vesperbot/vesper/internal/agent"
	"github.com/vesperbot/vesper/internal/assembler"
	"github.com/vesperbot/vesper/internal/channel"
	"github.com/vesperbot/vesper/internal/config"
	"github.com/vesperbot/vesper/internal/session"
	"github.com/vesperbot/vesper/internal/skills"
	"github.com/vesperbot/vesper/internal/workspace"
)

// fallbackReply is dispatched when the agent finishes without replying or
// fails outright. Not sent on cancellation.
const fallbackReply = "I encountered an issue processing your message. Please try again."

// Env variable names handed to the agent subprocess so its skill scripts can
// reach the gateway.
const (
	envGatewayURL = "VESPER_GATEWAY_URL"
	envSessionID  = "VESPER_SESSION_ID"
)

// Orchestrator drives one agent interaction per admitted event.
type Orchestrator struct {
	logger     *slog.Logger
	cfg        config.Config
	workspaces *workspace.Manager
	assembler  *assembler.Assembler
	registry   *session.Registry
	service    *skills.Service
	gatewayURL string
	skillsDir  string
}

// New wires an Orchestrator.
func New(log *slog.Logger, cfg config.Config, workspaces *workspace.Manager, asm *assembler.Assembler, registry *session.Registry, service *skills.Service) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		logger:     log.With(slog.String("component", "orchestrator")),
		cfg:        cfg,
		workspaces: workspaces,
		assembler:  asm,
		registry:   registry,
		service:    service,
		gatewayURL: cfg.Gateway.BaseURL(),
		skillsDir:  filepath.Join(cfg.Repo.Root, "skills"),
	}
}

// HandleEvent runs the full pipeline. It blocks until the interaction ends
// and always tears the session down.
func (o *Orchestrator) HandleEvent(ctx context.Context, event channel.NormalizedEvent, adapter channel.Adapter) error {
	ws, err := o.workspaces.GetOrCreate(event)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}

	if notifier, okTyping := adapter.(channel.TypingNotifier); okTyping {
		if err := notifier.NotifyTyping(ctx, event.ChannelID); err != nil {
			o.logger.Debug("typing notify failed", slog.Any("error", err))
		}
	}

	assembled := o.assembler.Assemble(ctx, event, ws, adapter)
	formatted := o.assembler.Format(assembled)

	sess := &session.Session{
		Platform:     event.Platform,
		ChannelID:    event.ChannelID,
		UserID:       event.UserID,
		Workspace:    ws,
		Adapter:      adapter,
		TriggerEvent: event,
		TimeoutMs:    o.cfg.Session.TimeoutMs,
	}
	sessionID := o.registry.Register(sess)
	defer o.registry.Remove(sessionID)

	o.service.ReplyState().Clear(ws.Key, event.ChannelID)

	o.logger.Info("interaction started",
		slog.String("session_id", sessionID),
		slog.String("workspace", ws.Key),
		slog.Int("estimated_tokens", formatted.EstimatedTokens),
	)

	connector := agent.New(o.logger, o.cfg.Agent, ws, o.skillsDir, o.service, map[string]string{
		envGatewayURL: o.gatewayURL,
		envSessionID:  sessionID,
	})
	defer connector.Disconnect()

	prompt := o.buildPrompt(formatted)
	result, runErr := o.runAgent(ctx, connector, prompt)

	replySent := o.registry.HasReplySent(sessionID)
	switch {
	case replySent:
		o.logger.Info("interaction completed",
			slog.String("session_id", sessionID),
			slog.String("stop_reason", result.StopReason),
		)
		return nil
	case ctx.Err() != nil || result.StopReason == "cancelled":
		connector.Cancel()
		o.logger.Info("interaction cancelled", slog.String("session_id", sessionID))
		return ctx.Err()
	case runErr != nil:
		o.logger.Error("interaction failed",
			slog.String("session_id", sessionID),
			slog.Any("error", runErr),
		)
		o.dispatchFallback(ctx, sess)
		return runErr
	default:
		o.logger.Warn("agent finished without replying",
			slog.String("session_id", sessionID),
			slog.String("stop_reason", result.StopReason),
		)
		o.dispatchFallback(ctx, sess)
		return nil
	}
}

func (o *Orchestrator) runAgent(ctx context.Context, connector *agent.Connector, prompt string) (agentResult, error) {
	if err := connector.Connect(ctx); err != nil {
		return agentResult{}, err
	}
	if err := connector.NewSession(ctx, nil); err != nil {
		return agentResult{}, err
	}
	if err := connector.SetModel(ctx); err != nil {
		return agentResult{}, err
	}
	result, err := connector.Prompt(ctx, prompt)
	return agentResult{StopReason: result.StopReason}, err
}

type agentResult struct {
	StopReason string
}

// buildPrompt concatenates the fixed prompt sections and the skill
// instructions.
func (o *Orchestrator) buildPrompt(formatted assembler.Formatted) string {
	names := o.service.Names()
	others := make([]string, 0, len(names))
	for _, name := range names {
		if name != "send-reply" {
			others = append(others, name)
		}
	}

	var b strings.Builder
	b.WriteString("# System Instructions\n\n")
	b.WriteString(formatted.SystemMessage)
	b.WriteString("\n\n# Context and Message\n\n")
	b.WriteString(formatted.UserMessage)
	b.WriteString("\n\n# Instructions\n\n")
	b.WriteString("Skills are invoked by POSTing JSON to " + o.gatewayURL + "/api/skill/{name} ")
	b.WriteString("with body {\"sessionId\": \"$" + envSessionID + "\", \"parameters\": {...}}.\n")
	b.WriteString("You MUST finish by calling the send-reply skill exactly once with your reply; ")
	b.WriteString("it is the only way your answer reaches the user.\n")
	if len(others) > 0 {
		b.WriteString("Other available skills: " + strings.Join(others, ", ") + ".\n")
	}
	return b.String()
}

// dispatchFallback sends the generic error reply through the normal skill
// path so the single-reply guarantee still holds.
func (o *Orchestrator) dispatchFallback(ctx context.Context, sess *session.Session) {
	result := o.service.Execute(ctx, "send-reply", sess, skills.Params{"message": fallbackReply})
	if !result.Success {
		o.logger.Warn("fallback reply not dispatched",
			slog.String("session_id", sess.ID),
			slog.String("reason", result.Error),
		)
	}
}
