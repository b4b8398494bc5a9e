// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultWorkspacesDir = "workspaces"
	DefaultGatewayHost   = "127.0.0.1"
	DefaultGatewayPort   = 3001
	DefaultSessionMs     = 300_000
	DefaultSweepSpec     = "@every 60s"
	DefaultRecentLimit   = 20
	DefaultMemoryChars   = 500
	DefaultTokenLimit    = 16_000
	DefaultCommandPrefix = "!"
)

// AgentKind selects which external reasoning agent binary is spawned.
type AgentKind string

const (
	AgentCopilot AgentKind = "copilot"
	AgentGemini  AgentKind = "gemini"
)

type Config struct {
	Log     LogConfig     `toml:"log"`
	Repo    RepoConfig    `toml:"repo"`
	Gateway GatewayConfig `toml:"gateway"`
	Agent   AgentConfig   `toml:"agent"`
	Context ContextConfig `toml:"context"`
	Session SessionConfig `toml:"session"`
	Discord DiscordConfig `toml:"discord"`
	Misskey MisskeyConfig `toml:"misskey"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// RepoConfig locates the filesystem root under which per-conversation
// workspaces are created.
type RepoConfig struct {
	Root          string `toml:"root" validate:"required"`
	WorkspacesDir string `toml:"workspaces_dir"`
}

// GatewayConfig configures the local skill HTTP surface. Host must resolve to
// a loopback interface; the gateway refuses to start otherwise.
type GatewayConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port" validate:"gt=0,lt=65536"`
}

func (c GatewayConfig) Addr() string {
	host := c.Host
	if host == "" {
		host = DefaultGatewayHost
	}
	port := c.Port
	if port == 0 {
		port = DefaultGatewayPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (c GatewayConfig) BaseURL() string {
	return "http://" + c.Addr()
}

type AgentConfig struct {
	Kind         AgentKind `toml:"kind" validate:"oneof=copilot gemini"`
	Command      string    `toml:"command"`
	Args         []string  `toml:"args"`
	Model        string    `toml:"model"`
	GitHubToken  string    `toml:"github_token"`
	GeminiAPIKey string    `toml:"gemini_api_key"`
}

type ContextConfig struct {
	RecentMessageLimit int    `toml:"recent_message_limit" validate:"gt=0"`
	MemoryMaxChars     int    `toml:"memory_max_chars" validate:"gt=0"`
	TokenLimit         int    `toml:"token_limit" validate:"gt=0"`
	SystemPromptPath   string `toml:"system_prompt_path"`
}

type SessionConfig struct {
	TimeoutMs int    `toml:"timeout_ms" validate:"gt=0"`
	SweepSpec string `toml:"sweep_spec"`
}

type DiscordConfig struct {
	Enabled       bool   `toml:"enabled"`
	BotToken      string `toml:"bot_token"`
	CommandPrefix string `toml:"command_prefix"`
	AllowDM       bool   `toml:"allow_dm"`
}

type MisskeyConfig struct {
	Enabled       bool   `toml:"enabled"`
	BaseURL       string `toml:"base_url"`
	APIToken      string `toml:"api_token"`
	CommandPrefix string `toml:"command_prefix"`
	AllowDM       bool   `toml:"allow_dm"`
}

// Load reads the configuration file at path (or DefaultConfigPath when empty),
// applies defaults, and validates the result. A missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Repo: RepoConfig{
			Root:          ".",
			WorkspacesDir: DefaultWorkspacesDir,
		},
		Gateway: GatewayConfig{
			Host: DefaultGatewayHost,
			Port: DefaultGatewayPort,
		},
		Agent: AgentConfig{
			Kind: AgentCopilot,
		},
		Context: ContextConfig{
			RecentMessageLimit: DefaultRecentLimit,
			MemoryMaxChars:     DefaultMemoryChars,
			TokenLimit:         DefaultTokenLimit,
		},
		Session: SessionConfig{
			TimeoutMs: DefaultSessionMs,
			SweepSpec: DefaultSweepSpec,
		},
		Discord: DiscordConfig{
			CommandPrefix: DefaultCommandPrefix,
			AllowDM:       true,
		},
		Misskey: MisskeyConfig{
			CommandPrefix: DefaultCommandPrefix,
			AllowDM:       true,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.validate()
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AgentCommand returns the command line used to spawn the configured agent.
func (c AgentConfig) AgentCommand() (string, []string) {
	command := strings.TrimSpace(c.Command)
	if command != "" {
		return command, c.Args
	}
	switch c.Kind {
	case AgentGemini:
		return "gemini", []string{"--experimental-acp"}
	default:
		return "copilot", []string{"--acp"}
	}
}

// Credential resolves the per-agent secret, preferring config over the
// environment. The error messages are load-bearing: operators grep for them.
func (c AgentConfig) Credential() (name, value string, err error) {
	switch c.Kind {
	case AgentGemini:
		value = strings.TrimSpace(c.GeminiAPIKey)
		if value == "" {
			value = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
		}
		if value == "" {
			return "", "", fmt.Errorf("Gemini API key not configured. Set agent.gemini_api_key in config or the GEMINI_API_KEY environment variable")
		}
		return "GEMINI_API_KEY", value, nil
	default:
		value = strings.TrimSpace(c.GitHubToken)
		if value == "" {
			value = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
		}
		if value == "" {
			return "", "", fmt.Errorf("GitHub token not configured. Set agent.github_token in config or the GITHUB_TOKEN environment variable")
		}
		return "GITHUB_TOKEN", value, nil
	}
}
