package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/logging"
)

// maxParamLogLength bounds a logged string argument.
const maxParamLogLength = 256

// hashedParams are logged as a digest; incident narratives can carry personal data.
var hashedParams = map[string]bool{
	"narrative": true,
}

// AuditLogger writes one structured log entry per MCP tool call.
type AuditLogger struct {
	logger *zap.Logger

	// startTimes tracks when tool calls begin, keyed by request ID.
	startTimes sync.Map
}

// NewAuditLogger creates an AuditLogger.
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.Named("mcp-audit")}
}

// Hooks returns mcp-go Hooks configured to capture tool call events.
func (a *AuditLogger) Hooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(a.beforeCallTool)
	hooks.AddAfterCallTool(a.afterCallTool)
	hooks.AddOnError(a.onError)
	return hooks
}

func (a *AuditLogger) beforeCallTool(_ context.Context, id any, _ *mcplib.CallToolRequest) {
	a.startTimes.Store(id, time.Now())
}

func (a *AuditLogger) afterCallTool(_ context.Context, id any, req *mcplib.CallToolRequest, result *mcplib.CallToolResult) {
	fields := a.baseFields(id, req)
	fields = append(fields, zap.Any("result", summarizeResult(result)))
	if result != nil && result.IsError {
		a.logger.Warn("MCP tool call returned error result", fields...)
		return
	}
	a.logger.Info("MCP tool call", fields...)
}

func (a *AuditLogger) onError(_ context.Context, id any, method mcplib.MCPMethod, message any, err error) {
	if method != mcplib.MethodToolsCall {
		return
	}
	req, ok := message.(*mcplib.CallToolRequest)
	if !ok {
		return
	}

	fields := a.baseFields(id, req)
	fields = append(fields, zap.String("error", logging.SanitizeError(err)))
	a.logger.Error("MCP tool call failed", fields...)
}

func (a *AuditLogger) baseFields(id any, req *mcplib.CallToolRequest) []zap.Field {
	startTime, _ := a.loadAndDeleteStart(id)
	return []zap.Field{
		zap.String("tool", req.Params.Name),
		zap.Int64("duration_ms", time.Since(startTime).Milliseconds()),
		zap.Any("params", sanitizeParams(req.GetArguments())),
	}
}

func (a *AuditLogger) loadAndDeleteStart(id any) (time.Time, bool) {
	if v, ok := a.startTimes.LoadAndDelete(id); ok {
		return v.(time.Time), true
	}
	return time.Now(), false
}

// sanitizeParams prepares tool arguments for logging.
func sanitizeParams(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		sanitized[k] = sanitizeValue(k, v)
	}
	return sanitized
}

func sanitizeValue(key string, value any) any {
	if hashedParams[key] {
		return hashSensitiveValue(value)
	}
	switch val := value.(type) {
	case string:
		return logging.TruncateString(logging.SanitizeString(val), maxParamLogLength)
	case map[string]any:
		return sanitizeParams(val)
	default:
		return value
	}
}

// hashSensitiveValue returns a SHA-256 prefix so repeated submissions of the
// same narrative can be correlated without logging it.
func hashSensitiveValue(value any) string {
	str, ok := value.(string)
	if !ok {
		str = fmt.Sprintf("%v", value)
	}
	hash := sha256.Sum256([]byte(str))
	return fmt.Sprintf("sha256:%s (%d bytes)", hex.EncodeToString(hash[:8]), len(str))
}

// summarizeResult creates a compact summary of the tool result.
func summarizeResult(result *mcplib.CallToolResult) map[string]any {
	if result == nil {
		return nil
	}

	summary := map[string]any{
		"is_error": result.IsError,
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			extractAnalysisFields(tc.Text, summary)
			break
		}
	}
	return summary
}

// extractAnalysisFields copies the analysis id and status, or the error code,
// from a JSON tool response into summary.
func extractAnalysisFields(text string, summary map[string]any) {
	var partial struct {
		Code   string `json:"code"`
		Record *struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"record"`
	}
	if err := json.Unmarshal([]byte(text), &partial); err != nil {
		return
	}
	if partial.Code != "" {
		summary["code"] = partial.Code
	}
	if partial.Record != nil {
		summary["analysis_id"] = partial.Record.ID
		summary["status"] = partial.Record.Status
	}
}
