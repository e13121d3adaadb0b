// Package logging provides subsystem-tagged structured logging built on the
// standard library's slog package.
//
// All log entries carry a subsystem identifier (e.g. "Extractor", "Refresh",
// "Browser", "Server") so that output can be filtered per concern. Output
// defaults to stderr: when the MCP server runs on the stdio transport, stdout
// carries the JSON-RPC stream and must never receive log lines.
//
// Credential material (token secrets, cookie values) is never logged by any
// subsystem; only identifiers such as scope names, storage keys and expiry
// timestamps appear in log output.
//
// Usage:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Info("Refresh", "refreshed %d of %d scopes", ok, total)
//	logging.Error("Store", err, "failed to persist session state")
package logging
