// Package server exposes the session lifecycle and a thin authenticated tool
// surface over MCP. Every non-auth tool is wrapped in the auto-re-auth
// middleware so an expired session heals transparently where possible.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/msal"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/refresh"
	"github.com/m0nkmaster/msteams-mcp-sub000/internal/teamsapi"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

// Transport names accepted by the server config.
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// SessionManager is the slice of the refresh orchestrator the server needs.
type SessionManager interface {
	Reauthenticate(ctx context.Context) error
	Status() (*refresh.Status, error)
	Logout() error
	MessagingCredentials(ctx context.Context) (*msal.MessagingCredentials, error)
	Region(ctx context.Context) (*msal.RegionConfig, error)
}

// TeamsAPI is the authenticated downstream surface exposed as tools.
type TeamsAPI interface {
	SearchPeople(ctx context.Context, query string, limit int) ([]teamsapi.Person, error)
	ListChats(ctx context.Context, limit int) ([]teamsapi.Chat, error)
}

// Config configures the MCP server.
type Config struct {
	Name    string
	Version string

	// Transport is stdio or streamable-http.
	Transport string

	// ListenAddr is the bind address for the HTTP transport.
	ListenAddr string

	Session SessionManager
	API     TeamsAPI
}

// Server is the MCP server.
type Server struct {
	config    Config
	mcpServer *server.MCPServer

	mu         sync.Mutex
	httpServer *server.StreamableHTTPServer
}

// New creates the MCP server and registers all tools.
func New(cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "msteams-mcp"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportStdio
	}

	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s := &Server{
		config:    cfg,
		mcpServer: mcpServer,
	}
	s.registerTools()

	return s
}

// Start runs the server. The stdio transport blocks until the peer closes
// the stream; the HTTP transport blocks until Stop or a listen error.
func (s *Server) Start(ctx context.Context) error {
	switch s.config.Transport {
	case TransportStreamableHTTP:
		logging.Info("Server", "Starting MCP server with streamable-http transport on %s", s.config.ListenAddr)

		httpServer := server.NewStreamableHTTPServer(s.mcpServer)
		s.mu.Lock()
		s.httpServer = httpServer
		s.mu.Unlock()

		if err := httpServer.Start(s.config.ListenAddr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("streamable HTTP server error: %w", err)
		}
		return nil

	case TransportStdio:
		logging.Info("Server", "Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)

	default:
		return fmt.Errorf("unknown transport %q", s.config.Transport)
	}
}

// Stop shuts the HTTP transport down. The stdio transport ends with its
// stream and needs no teardown.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
