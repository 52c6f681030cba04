package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-forensics/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-forensics/pkg/models"
	"github.com/ekaya-inc/ekaya-forensics/pkg/services"
)

// AnalysisToolDeps contains dependencies for the analysis tools.
type AnalysisToolDeps struct {
	Pipeline    services.PipelineService
	Persistence services.PersistenceService
	Logger      *zap.Logger
}

// RegisterAnalysisTools registers the incident analysis tools.
func RegisterAnalysisTools(s *server.MCPServer, deps *AnalysisToolDeps) {
	registerAnalyzeIncidentTool(s, deps)
	registerGetAnalysisTool(s, deps)
	registerReconcileGraphsTool(s, deps)
}

func registerAnalyzeIncidentTool(s *server.MCPServer, deps *AnalysisToolDeps) {
	tool := mcp.NewTool(
		"analyze_incident",
		mcp.WithDescription(
			"Run the forensic analysis pipeline on an AI incident narrative. "+
				"Extracts the system and incident facts, classifies EU AI Act scope and risk, maps obligations, "+
				"finds compliance gaps and decides whether the incident is reportable as serious. "+
				"Returns the final analysis record and where it was persisted. "+
				"Progress is reported through notifications/progress when the caller sends a progress token.",
		),
		mcp.WithString(
			"narrative",
			mcp.Required(),
			mcp.Description("Free-text account of the incident"),
		),
		mcp.WithString(
			"source",
			mcp.Description("Where the narrative came from, e.g. 'news', 'regulator', 'internal_report'"),
		),
		mcp.WithString(
			"id",
			mcp.Description("Optional analysis id; reusing an id replaces the earlier record"),
		),
		mcp.WithBoolean(
			"with_evidence_plan",
			mcp.Description("Also build an evidence collection plan (default false)"),
		),
		mcp.WithString(
			"agent_mode",
			mcp.Enum(string(models.AgentModeStandard), string(models.AgentModeTriage)),
			mcp.Description("'standard' runs every stage; 'triage' stops after the serious-incident check"),
		),
		mcp.WithObject(
			"metadata",
			mcp.Description("Optional caller metadata stored with the record"),
		),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		narrative, err := req.RequireString("narrative")
		if err != nil {
			return nil, err
		}
		narrative = trimString(narrative)
		if narrative == "" {
			return NewErrorResult("invalid_parameters", "parameter 'narrative' cannot be empty"), nil
		}

		request := models.AnalysisRequest{
			ID:        optionalString(req, "id"),
			Narrative: narrative,
			Source:    optionalString(req, "source"),
			Metadata:  optionalObject(req, "metadata"),
			Options: models.AnalysisOptions{
				WithEvidencePlan: req.GetBool("with_evidence_plan", false),
				AgentMode:        models.AgentMode(optionalString(req, "agent_mode")),
			},
		}

		result, err := deps.Pipeline.Execute(ctx, request, progressNotifier(ctx, req, deps.Logger))
		if err != nil {
			if result == nil {
				return NewErrorResult(apperrors.Code(err), err.Error()), nil
			}
			return NewErrorResultWithDetails(apperrors.Code(err), err.Error(), result), nil
		}

		jsonResult, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal analysis result: %w", err)
		}
		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}

func registerGetAnalysisTool(s *server.MCPServer, deps *AnalysisToolDeps) {
	tool := mcp.NewTool(
		"get_analysis",
		mcp.WithDescription("Get a stored analysis record by id. graph_sync.needs_reconciliation is true while the triple store graph is behind the document; run reconcile_graphs to repair it."),
		mcp.WithString(
			"id",
			mcp.Required(),
			mcp.Description("Analysis id returned by analyze_incident"),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return nil, err
		}
		id = trimString(id)
		if id == "" {
			return NewErrorResult("invalid_parameters", "parameter 'id' cannot be empty"), nil
		}

		record, err := deps.Persistence.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get analysis: %w", err)
		}
		if record == nil {
			return NewErrorResult(apperrors.CodeNotFound, fmt.Sprintf("analysis %q not found", id)), nil
		}

		jsonResult, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal analysis record: %w", err)
		}
		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}

func registerReconcileGraphsTool(s *server.MCPServer, deps *AnalysisToolDeps) {
	tool := mcp.NewTool(
		"reconcile_graphs",
		mcp.WithDescription(
			"Re-write triple store graphs for records saved while the triple store was unavailable. "+
				"Returns how many records were scanned and synced, and the ids that still failed.",
		),
		mcp.WithNumber(
			"limit",
			mcp.Description("Maximum records to reconcile (default: all pending)"),
		),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 0)
		if limit < 0 {
			return NewErrorResult("invalid_parameters", "parameter 'limit' must not be negative"), nil
		}

		result, err := deps.Persistence.Reconcile(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile graphs: %w", err)
		}

		jsonResult, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal reconcile result: %w", err)
		}
		return mcp.NewToolResultText(string(jsonResult)), nil
	})
}

// progressNotifier forwards pipeline progress as MCP progress notifications.
// It returns nil when the caller did not ask for progress.
func progressNotifier(ctx context.Context, req mcp.CallToolRequest, logger *zap.Logger) services.EmitFunc {
	if req.Params.Meta == nil || req.Params.Meta.ProgressToken == nil {
		return nil
	}
	srv := server.ServerFromContext(ctx)
	if srv == nil {
		return nil
	}
	token := req.Params.Meta.ProgressToken

	return func(event models.ProgressEvent) {
		if event.EventType == models.EventLLMExchange || event.EventType == models.EventQueryExchange {
			return
		}
		message := event.Message
		if message == "" {
			message = string(event.StepName)
		}
		err := srv.SendNotificationToClient(ctx, "notifications/progress", map[string]any{
			"progressToken": token,
			"progress":      event.ProgressPercent,
			"total":         100,
			"message":       message,
		})
		if err != nil {
			logger.Debug("Failed to send progress notification",
				zap.String("analysis_id", event.AnalysisID),
				zap.Error(err))
		}
	}
}
