package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/app"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/config"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

var (
	serveDebug      bool
	serveTransport  string
	serveListenAddr string
	serveConfigPath string
	serveNoBrowser  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server",
	Long: `Starts the MCP server exposing the session lifecycle and authenticated
tools.

By default the server speaks MCP over stdio, which is what AI assistant
integrations expect; --transport streamable-http serves HTTP instead. All
logging goes to stderr so the stdio protocol stream stays clean.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, nil)

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	// Flags override file configuration.
	if serveTransport != "" {
		cfg.Server.Transport = serveTransport
	}
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}
	if serveNoBrowser {
		disabled := false
		cfg.Browser.Enabled = &disabled
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	application, err := app.New(cfg, rootCmd.Version, true)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveTransport, "transport", "", "Transport to use (stdio, streamable-http)")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "Bind address for the streamable-http transport")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Custom configuration directory")
	serveCmd.Flags().BoolVar(&serveNoBrowser, "no-browser", false, "Never escalate to an automated browser refresh")
}
