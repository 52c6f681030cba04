package tools

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// trimString removes leading and trailing whitespace from a string.
func trimString(s string) string {
	return strings.TrimSpace(s)
}

// optionalString returns the trimmed string argument, or "" when absent.
func optionalString(req mcp.CallToolRequest, name string) string {
	return trimString(req.GetString(name, ""))
}

// optionalObject returns an object argument, or nil when absent or not an object.
func optionalObject(req mcp.CallToolRequest, name string) map[string]any {
	obj, _ := req.GetArguments()[name].(map[string]any)
	return obj
}
