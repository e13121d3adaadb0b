package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/app"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/config"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

var statusConfigPath string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and token status",
	Long: `Show the persisted session's state: signed-in identity, per-service token
freshness, messaging cookies and deployment region.

This command only reads; it never triggers a refresh. Exit code 2 means no
usable session exists and 'msteams-mcp login' is needed.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	logging.Init(logging.LevelWarn, nil)

	cfg, err := config.Load(statusConfigPath)
	if err != nil {
		return err
	}

	application, err := app.New(cfg, rootCmd.Version, false)
	if err != nil {
		return err
	}

	st, err := application.Orchestrator.Status()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if !st.HasSession {
		fmt.Fprintln(out, text.FgRed.Sprint("No session"))
		fmt.Fprintln(out, "  Run 'msteams-mcp login' to sign in.")
		return autherr.New(autherr.KindAuthRequired, "status", "no session state")
	}

	fmt.Fprintln(out, "Session")
	fmt.Fprintf(out, "  File:          %s\n", application.Store.Path())
	if st.UserID != "" {
		fmt.Fprintf(out, "  User:          %s\n", st.UserID)
	}
	if st.TenantID != "" {
		fmt.Fprintf(out, "  Tenant:        %s\n", st.TenantID)
	}
	if st.Region != "" {
		fmt.Fprintf(out, "  Region:        %s\n", st.Region)
	}
	fmt.Fprintf(out, "  Refresh token: %s\n", presence(st.HasRefreshToken))
	fmt.Fprintf(out, "  Cookies:       %s\n", presence(st.HasCookies))

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Service tokens")
	for _, svc := range st.Services {
		fmt.Fprintf(out, "  %-12s %s\n", svc.Service, tokenState(svc.Valid, svc.Fresh, svc.ExpiresAt))
	}

	if !st.HasRefreshToken {
		fmt.Fprintln(out)
		fmt.Fprintln(out, text.FgYellow.Sprint("No refresh token; only 'msteams-mcp login' can recover this session."))
		return autherr.New(autherr.KindAuthRequired, "status", "session carries no refresh token")
	}

	return nil
}

func presence(ok bool) string {
	if ok {
		return text.FgGreen.Sprint("present")
	}
	return text.FgRed.Sprint("missing")
}

func tokenState(valid, fresh bool, expiresAt time.Time) string {
	switch {
	case !valid:
		return text.FgRed.Sprint("expired or missing")
	case fresh:
		return text.FgGreen.Sprintf("valid until %s", expiresAt.Local().Format("15:04:05"))
	default:
		return text.FgYellow.Sprintf("stale, expires %s", expiresAt.Local().Format("15:04:05"))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusConfigPath, "config-path", "", "Custom configuration directory")
}
