package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("build_query",
		mcp.WithPromptDescription("Turn a plain-language question into a validated query"),
		mcp.WithArgument("connectionId",
			mcp.ArgumentDescription("Connection to query"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("question",
			mcp.ArgumentDescription("What you want to know or change"),
			mcp.RequiredArgument(),
		),
	), s.handleBuildQueryPrompt)

	s.mcp.AddPrompt(mcp.NewPrompt("tune_query",
		mcp.WithPromptDescription("Look for a faster form of a slow query"),
		mcp.WithArgument("connectionId",
			mcp.ArgumentDescription("Connection the query runs on"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("query",
			mcp.ArgumentDescription("The statement to tune"),
			mcp.RequiredArgument(),
		),
	), s.handleTuneQueryPrompt)
}

func (s *Server) handleBuildQueryPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	connID := req.Params.Arguments["connectionId"]
	question := req.Params.Arguments["question"]
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("Build a query for: %s", question),
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Answer this on connection %s: %s

1. Read querybuilder://connections/%s/schema (or call describe_schema with includeKeys) to learn the tables
2. Write a structured input: table, operation, fields, where, orderBy, limit
3. Call validate_query and fix every reported error
4. Call build_query to see the final statement and any warnings
5. Only then call execute_query. Ask before running anything that is not a SELECT.`, connID, question, connID),
				},
			},
		},
	}, nil
}

func (s *Server) handleTuneQueryPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	connID := req.Params.Arguments["connectionId"]
	query := req.Params.Arguments["query"]
	return &mcp.GetPromptResult{
		Description: "Tune a slow query",
		Messages: []mcp.PromptMessage{
			{
				Role: mcp.RoleUser,
				Content: mcp.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Make this statement on connection %s faster:

%s

1. Call optimize_query and read the suggestions and applied optimizations
2. Call describe_schema with includeKeys to see which columns are indexed
3. Propose a rewrite or an index, and check the rewrite with optimize_query again`, connID, query),
				},
			},
		},
	}, nil
}
