// Package workspace resolves per-conversation working directories and guards
// their filesystem boundary.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/vesperbot/vesper/internal/channel"
)

// ErrBoundaryViolation is returned whenever a path resolves outside the
// workspace directory. It is never retried.
var ErrBoundaryViolation = errors.New("workspace boundary violation")

// Workspace is an isolated per-conversation directory. Its Path is the
// exclusive filesystem boundary for any agent session bound to it.
type Workspace struct {
	Key       string `json:"key"`
	Path      string `json:"path"`
	IsDM      bool   `json:"is_dm"`
	Platform  string `json:"platform"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
}

// Key builds the canonical workspace key for the given components.
// Format: "{platform}/{user_id}/{channel_id}", no escaping.
func Key(platform, userID, channelID string) string {
	return platform + "/" + userID + "/" + channelID
}

// Manager creates and resolves workspaces under a single root directory.
type Manager struct {
	root   string
	logger *slog.Logger
}

// NewManager creates a Manager rooted at {repoRoot}/{workspacesDir}.
func NewManager(log *slog.Logger, repoRoot, workspacesDir string) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		root:   filepath.Join(repoRoot, workspacesDir),
		logger: log.With(slog.String("component", "workspace")),
	}
}

// Root returns the directory all workspaces live under.
func (m *Manager) Root() string {
	return m.root
}

// GetOrCreate resolves the workspace for the event, creating the directory
// chain on first use. Idempotent: the same event always yields the same path.
func (m *Manager) GetOrCreate(event channel.NormalizedEvent) (*Workspace, error) {
	platform := strings.TrimSpace(event.Platform.String())
	userID := strings.TrimSpace(event.UserID)
	channelID := strings.TrimSpace(event.ChannelID)
	if platform == "" || userID == "" || channelID == "" {
		return nil, fmt.Errorf("workspace key requires platform, user_id and channel_id")
	}
	for _, component := range []string{platform, userID, channelID} {
		if strings.ContainsAny(component, `/\`) || component == ".." {
			return nil, fmt.Errorf("workspace key component %q: %w", component, ErrBoundaryViolation)
		}
	}

	path := filepath.Join(m.root, platform, userID, channelID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	return &Workspace{
		Key:       Key(platform, userID, channelID),
		Path:      path,
		IsDM:      event.IsDM,
		Platform:  platform,
		UserID:    userID,
		ChannelID: channelID,
	}, nil
}

// GetPath returns the directory a workspace key maps to without creating it.
func (m *Manager) GetPath(key string) (string, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed workspace key: %q", key)
	}
	for _, part := range parts {
		if strings.TrimSpace(part) == "" || part == ".." {
			return "", fmt.Errorf("malformed workspace key: %q", key)
		}
	}
	return filepath.Join(m.root, parts[0], parts[1], parts[2]), nil
}

// ValidateInside verifies that target resolves to a path inside the workspace.
// Symlinks are followed before comparison; any escape is ErrBoundaryViolation,
// never a quiet false.
func ValidateInside(ws *Workspace, target string) error {
	if ws == nil || strings.TrimSpace(ws.Path) == "" {
		return fmt.Errorf("workspace not set: %w", ErrBoundaryViolation)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(ws.Path, target)
	}

	root, err := resolveExisting(ws.Path)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}
	resolved, err := resolveExisting(target)
	if err != nil {
		return fmt.Errorf("resolve target path: %w", err)
	}

	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes workspace: %w", target, ErrBoundaryViolation)
	}
	return nil
}

// resolveExisting fully resolves path, following symlinks. For paths that do
// not exist yet it resolves the deepest existing ancestor and rejoins the
// remainder, so a write target is still checked against its real parent.
func resolveExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	remainder := ""
	current := abs
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}
