// Command vesper runs the conversational agent gateway: platform adapters in,
// per-conversation workspaces and an external reasoning agent out.
package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/vesperbot/vesper/internal/config"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "vesper",
		Short:         "Conversational agent gateway for Discord and Misskey",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd(), newDoctorCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				os.Setenv("CONFIG_PATH", configPath)
			}
			runServe()
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.toml")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("vesper", version)
		},
	}
}

// newDoctorCmd checks the local setup without starting anything: config
// parses, the agent binary is on PATH, and its credential resolves.
func newDoctorCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and agent availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("CONFIG_PATH")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			fmt.Println("config: ok")

			command, cmdArgs := cfg.Agent.AgentCommand()
			if _, err := exec.LookPath(command); err != nil {
				return fmt.Errorf("agent binary %q not found in PATH", command)
			}
			fmt.Printf("agent: %s %v\n", command, cmdArgs)

			name, _, err := cfg.Agent.Credential()
			if err != nil {
				return err
			}
			fmt.Printf("credential: %s is set\n", name)

			if !cfg.Discord.Enabled && !cfg.Misskey.Enabled {
				fmt.Println("warning: no platform adapter enabled")
			}
			fmt.Printf("gateway: %s\n", cfg.Gateway.BaseURL())
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.toml")
	return cmd
}
