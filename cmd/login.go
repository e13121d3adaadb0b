package cmd

import (
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/app"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/config"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

var (
	loginConfigPath string
	loginTimeout    time.Duration
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in interactively through a browser",
	Long: `Opens a browser window on the Teams web client and waits for you to
complete sign-in. The resulting session is persisted and every other command
and the MCP server pick it up from there.

The browser uses a persistent profile, so subsequent logins usually complete
without re-entering credentials.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func runLogin(cmd *cobra.Command, args []string) error {
	logging.Init(logging.LevelWarn, nil)

	cfg, err := config.Load(loginConfigPath)
	if err != nil {
		return err
	}

	// Interactive login always needs a visible browser window.
	headless := false
	enabled := true
	cfg.Browser.Headless = &headless
	cfg.Browser.Enabled = &enabled

	application, err := app.New(cfg, rootCmd.Version, false)
	if err != nil {
		return err
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Waiting for sign-in to complete in the browser..."
	s.Start()

	err = application.Browser.Login(cmd.Context(), loginTimeout)
	s.Stop()

	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Signed in. Session state persisted.")
	return nil
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginConfigPath, "config-path", "", "Custom configuration directory")
	loginCmd.Flags().DurationVar(&loginTimeout, "timeout", 5*time.Minute, "How long to wait for sign-in to complete")
}
