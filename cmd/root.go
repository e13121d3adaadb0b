package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
)

// Exit codes for CLI commands, usable from scripts and health checks.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error.
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates no session exists or the session has
	// expired beyond non-interactive recovery.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates a refresh attempt ran and failed.
	ExitCodeAuthFailed = 3
)

var rootCmd = &cobra.Command{
	Use:   "msteams-mcp",
	Short: "Microsoft Teams session lifecycle MCP server",
	Long: `msteams-mcp maintains valid credentials for Microsoft Teams service APIs
from a persisted browser session and exposes them, plus a small set of
authenticated tools, over the Model Context Protocol.

Tokens are refreshed non-interactively against the identity provider where
possible; an automated browser pass is the fallback, and only 'login' ever
needs the user present.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected from main at
// build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits with a semantic exit code.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "msteams-mcp version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error kinds to exit codes.
func getExitCode(err error) int {
	switch autherr.KindOf(err) {
	case autherr.KindAuthRequired:
		return ExitCodeAuthRequired
	case autherr.KindAuthExpired:
		return ExitCodeAuthFailed
	default:
		return ExitCodeError
	}
}
