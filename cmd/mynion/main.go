// Package main provides the CLI entry point for the mynion Slack assistant.
//
// Mynion is a shared Slack agent that calls per-user-authorized resources:
// tool invocations carry the asking user's own credential, obtained through
// an identity-bound OAuth flow against the Identity Directory.
//
// # Basic Usage
//
// Start the server:
//
//	mynion serve --config mynion.yaml
//
// # Environment Variables
//
// Secrets are referenced from the config file with ${VAR} expansion:
//
//   - SLACK_BOT_TOKEN: Slack bot OAuth token
//   - SLACK_SIGNING_SECRET: Slack request signing secret
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - DIRECTORY_CLIENT_SECRET: Identity Directory client secret
//   - STATE_SECRET: HMAC secret for the signed state parameter
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mynion",
		Short: "Mynion - Slack assistant with per-user resource authorization",
		Long: `Mynion is a Slack assistant backed by Anthropic models. Tool calls against
protected resources run with the asking user's own credential: users who have
not authorized a resource get a personal authorization link, and nobody can
complete anybody else's authorization.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
