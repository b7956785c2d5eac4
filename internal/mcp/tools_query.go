package mcpserver

import (
	"context"

	"querybuilder/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
)

const queryArgHelp = `Statement to run. Either a structured input as JSON
({"table":"users","operation":"SELECT","fields":["id"],"where":{"age":{">":18}},"limit":10}),
a tagged raw statement ({"type":"SELECT","query":"SELECT ...","parameters":{...}})
or raw statement text in the connection's dialect. Raw text may use :name placeholders.`

func pipelineOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
		mcp.WithString("query", mcp.Description(queryArgHelp)),
		mcp.WithString("queryId", mcp.Description("Saved query ID to use instead of query")),
		mcp.WithObject("parameters", mcp.Description("Values for named placeholders")),
		mcp.WithBoolean("skipSchema", mcp.Description("Validate structure only, without introspecting the connection")),
	}
}

func (s *Server) registerQueryTools() {
	// ── build_query ────────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("build_query", append(pipelineOptions(),
		mcp.WithDescription("Parse, validate and optimize a query and return the statement text without running it"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	)...), s.handleBuildQuery)

	// ── validate_query ─────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("validate_query", append(pipelineOptions(),
		mcp.WithDescription("Validate a query against the connection's schema and report every error and warning"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	)...), s.handleValidateQuery)

	// ── optimize_query ─────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("optimize_query", append(pipelineOptions(),
		mcp.WithDescription("Rewrite a query for stable pagination and analyze its execution plan"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	)...), s.handleOptimizeQuery)

	// ── execute_query ──────────────────────────────────
	s.mcp.AddTool(mcp.NewTool("execute_query", append(pipelineOptions(),
		mcp.WithDescription("Run a query. Invalid queries are rejected before anything reaches the database. INSERT/UPDATE/DELETE/CREATE/DROP change data."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	)...), s.handleExecuteQuery)

	// ── execute_transaction ────────────────────────────
	s.mcp.AddTool(mcp.NewTool("execute_transaction",
		mcp.WithDescription("Run several statements atomically on one connection. Nothing runs unless every statement validates."),
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
		mcp.WithArray("statements", mcp.Description("Statements, each in any form execute_query accepts"),
			mcp.Required(), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("parameters", mcp.Description("Values for named placeholders, shared by every statement")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleExecuteTransaction)
}

func (s *Server) pipelineRequest(req mcp.CallToolRequest) (service.QueryRequest, error) {
	var qr service.QueryRequest
	err := decodeArgs(req, &qr)
	return qr, err
}

func (s *Server) handleBuildQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qr, err := s.pipelineRequest(req)
	if err != nil {
		return errorResult(err)
	}
	res, err := s.queries.BuildQuery(ctx, s.ownerID, qr)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

func (s *Server) handleValidateQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qr, err := s.pipelineRequest(req)
	if err != nil {
		return errorResult(err)
	}
	res, err := s.queries.ValidateQuery(ctx, s.ownerID, qr)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

func (s *Server) handleOptimizeQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qr, err := s.pipelineRequest(req)
	if err != nil {
		return errorResult(err)
	}
	res, err := s.queries.OptimizeQuery(ctx, s.ownerID, qr)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

func (s *Server) handleExecuteQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	qr, err := s.pipelineRequest(req)
	if err != nil {
		return errorResult(err)
	}
	res, err := s.queries.ExecuteQuery(ctx, s.ownerID, qr)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

func (s *Server) handleExecuteTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		ConnectionID string         `json:"connectionId"`
		Statements   []string       `json:"statements"`
		Parameters   map[string]any `json:"parameters"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	reqs := make([]service.QueryRequest, len(args.Statements))
	for i, text := range args.Statements {
		reqs[i] = service.QueryRequest{Text: text, Parameters: args.Parameters}
	}
	res, err := s.queries.ExecuteTransaction(ctx, s.ownerID, args.ConnectionID, reqs)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(res)
}
