package llm

import (
	"context"
)

type contextKey string

const (
	llmContextKey contextKey = "llm_context"
)

// WithContext returns a context with recording metadata attached.
// The map is merged with any existing metadata.
func WithContext(ctx context.Context, values map[string]any) context.Context {
	existing := GetContext(ctx)
	if existing == nil {
		existing = make(map[string]any)
	}
	for k, v := range values {
		existing[k] = v
	}
	return context.WithValue(ctx, llmContextKey, existing)
}

// GetContext retrieves a copy of the recording metadata, if present.
func GetContext(ctx context.Context) map[string]any {
	if c, ok := ctx.Value(llmContextKey).(map[string]any); ok {
		out := make(map[string]any, len(c))
		for k, v := range c {
			out[k] = v
		}
		return out
	}
	return nil
}

// WithAnalysisContext tags recorded exchanges with the analysis they belong to.
func WithAnalysisContext(ctx context.Context, analysisID, stage string, attempt int) context.Context {
	values := map[string]any{
		"analysis_id": analysisID,
	}
	if stage != "" {
		values["stage"] = stage
	}
	if attempt > 0 {
		values["attempt"] = attempt
	}
	return WithContext(ctx, values)
}

// AnalysisIDFromContext returns the analysis id set by WithAnalysisContext.
func AnalysisIDFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(llmContextKey).(map[string]any); ok {
		if id, ok := c["analysis_id"].(string); ok {
			return id
		}
	}
	return ""
}
