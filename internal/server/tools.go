package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
)

// registerTools wires the tool surface. Auth tools run bare; everything else
// goes through the auto-re-auth middleware.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("auth_status",
		mcp.WithDescription("Show the session state: which service tokens exist, their freshness, and the signed-in identity"),
	), s.handleAuthStatus)

	s.mcpServer.AddTool(mcp.NewTool("auth_login",
		mcp.WithDescription("Re-establish the session without user interaction (token refresh first, automated browser as fallback)"),
	), s.handleAuthLogin)

	s.mcpServer.AddTool(mcp.NewTool("auth_logout",
		mcp.WithDescription("Delete the persisted session state and clear all cached credentials"),
	), s.handleAuthLogout)

	s.mcpServer.AddTool(mcp.NewTool("search_people",
		mcp.WithDescription("Search the organization's directory for people"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Name or email fragment to search for"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default 10)"),
		),
	), s.withAutoReauth("search_people", s.handleSearchPeople))

	s.mcpServer.AddTool(mcp.NewTool("list_chats",
		mcp.WithDescription("List the user's most recent chats"),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of chats (default 20)"),
		),
	), s.withAutoReauth("list_chats", s.handleListChats))
}

// statusReport is the auth_status tool payload.
type statusReport struct {
	HasSession      bool            `json:"hasSession"`
	HasRefreshToken bool            `json:"hasRefreshToken"`
	UserID          string          `json:"userId,omitempty"`
	TenantID        string          `json:"tenantId,omitempty"`
	Region          string          `json:"region,omitempty"`
	HasCookies      bool            `json:"hasMessagingCookies"`
	Services        []serviceReport `json:"services"`
}

type serviceReport struct {
	Service   string `json:"service"`
	Valid     bool   `json:"valid"`
	Fresh     bool   `json:"fresh"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func (s *Server) handleAuthStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.config.Session.Status()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read session status: %v", err)), nil
	}

	report := statusReport{
		HasSession:      st.HasSession,
		HasRefreshToken: st.HasRefreshToken,
		UserID:          st.UserID,
		TenantID:        st.TenantID,
		Region:          st.Region,
		HasCookies:      st.HasCookies,
	}
	for _, svc := range st.Services {
		entry := serviceReport{Service: svc.Service, Valid: svc.Valid, Fresh: svc.Fresh}
		if svc.Valid {
			entry.ExpiresAt = svc.ExpiresAt.Format(time.RFC3339)
		}
		report.Services = append(report.Services, entry)
	}

	return jsonResult(report)
}

func (s *Server) handleAuthLogin(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.config.Session.Reauthenticate(ctx); err != nil {
		if autherr.IsAuthKind(err) {
			return loginRequiredResult("auth_login", err), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("refresh failed: %v", err)), nil
	}
	return mcp.NewToolResultText(`{"status":"ok","message":"session refreshed"}`), nil
}

func (s *Server) handleAuthLogout(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.config.Session.Logout(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("logout failed: %v", err)), nil
	}
	return mcp.NewToolResultText(`{"status":"ok","message":"session cleared"}`), nil
}

func (s *Server) handleSearchPeople(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query argument is required"), nil
	}

	people, err := s.config.API.SearchPeople(ctx, query, intArg(request, "limit", 10))
	if err != nil {
		return nil, err
	}
	return jsonResult(people)
}

func (s *Server) handleListChats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chats, err := s.config.API.ListChats(ctx, intArg(request, "limit", 20))
	if err != nil {
		return nil, err
	}
	return jsonResult(chats)
}

// intArg reads an optional numeric argument. JSON numbers arrive as float64.
func intArg(request mcp.CallToolRequest, key string, fallback int) int {
	if raw, ok := request.GetArguments()[key]; ok {
		if f, ok := raw.(float64); ok && f > 0 {
			return int(f)
		}
	}
	return fallback
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(encoded)), nil
}
