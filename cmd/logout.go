package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/app"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/config"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

var logoutConfigPath string

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the persisted session",
	Long: `Deletes the persisted session state and clears cached credentials. The
browser profile is left alone, so the next 'msteams-mcp login' may still
complete without re-entering credentials; remove the profile directory for a
full sign-out.`,
	Args: cobra.NoArgs,
	RunE: runLogout,
}

func runLogout(cmd *cobra.Command, args []string) error {
	logging.Init(logging.LevelWarn, nil)

	cfg, err := config.Load(logoutConfigPath)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, rootCmd.Version, false)
	if err != nil {
		return err
	}

	if err := application.Orchestrator.Logout(); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Session cleared.")
	return nil
}

func init() {
	rootCmd.AddCommand(logoutCmd)
	logoutCmd.Flags().StringVar(&logoutConfigPath, "config-path", "", "Custom configuration directory")
}
