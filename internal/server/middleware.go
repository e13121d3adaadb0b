package server

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/m0nkmaster/msteams-mcp-sub000/internal/autherr"
	"github.com/m0nkmaster/msteams-mcp-sub000/pkg/logging"
)

// loginRequiredPayload is the machine-readable tool error returned when
// nothing non-interactive can recover the session. Clients match on the
// error field.
type loginRequiredPayload struct {
	Error   string `json:"error"`
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Action  string `json:"action"`
}

// withAutoReauth wraps a tool handler with the re-auth retry policy: when
// the handler fails with an auth-kind error, run one orchestrated refresh and
// retry the handler once. If the failure persists, return a structured
// login-required tool error instead of a raw failure.
//
// Handlers under this wrapper must surface auth failures as Go errors, not
// as tool-result errors, or the wrapper cannot see them.
func (s *Server) withAutoReauth(toolName string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := handler(ctx, request)
		if err == nil || !autherr.IsAuthKind(err) {
			return finishTool(toolName, result, err)
		}

		logging.Info("Server", "Tool %s hit an auth failure (%v), attempting re-auth", toolName, autherr.KindOf(err))

		if reauthErr := s.config.Session.Reauthenticate(ctx); reauthErr != nil {
			logging.Warn("Server", "Re-auth for tool %s failed: %v", toolName, reauthErr)
			return loginRequiredResult(toolName, reauthErr), nil
		}

		result, err = handler(ctx, request)
		if err != nil && autherr.IsAuthKind(err) {
			return loginRequiredResult(toolName, err), nil
		}
		return finishTool(toolName, result, err)
	}
}

// finishTool converts non-auth handler errors into tool-result errors so the
// protocol layer never sees a transport failure for an application problem.
func finishTool(toolName string, result *mcp.CallToolResult, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		logging.Warn("Server", "Tool %s failed: %v", toolName, err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	return result, nil
}

// loginRequiredResult builds the structured login-required tool error.
func loginRequiredResult(toolName string, cause error) *mcp.CallToolResult {
	payload := loginRequiredPayload{
		Error:   "login_required",
		Tool:    toolName,
		Message: "the session could not be refreshed without user interaction: " + cause.Error(),
		Action:  "run 'msteams-mcp login' to sign in interactively, then retry",
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError("login_required: " + cause.Error())
	}
	return mcp.NewToolResultError(string(encoded))
}
