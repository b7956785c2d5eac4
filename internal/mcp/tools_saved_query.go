package mcpserver

import (
	"context"
	"fmt"

	"querybuilder/internal/domain"
	"querybuilder/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
)

const parameterHelp = `Parameter definition: name, type (string, number, boolean, date, array),
defaultValue, required, validation (regular expression for strings), description.`

func (s *Server) registerSavedQueryTools() {
	s.mcp.AddTool(mcp.NewTool("save_query",
		mcp.WithDescription("Save a statement with named :placeholders for later runs"),
		mcp.WithString("name", mcp.Description("Query name"), mcp.Required()),
		mcp.WithString("query", mcp.Description("Statement text"), mcp.Required()),
		mcp.WithString("description", mcp.Description("What the query is for")),
		mcp.WithString("connectionId", mcp.Description("Connection the query targets")),
		mcp.WithBoolean("public", mcp.Description("Let other owners read and run it")),
		mcp.WithArray("parameters", mcp.Description(parameterHelp),
			mcp.Items(map[string]any{"type": "object"})),
	), s.handleSaveQuery)

	s.mcp.AddTool(mcp.NewTool("list_saved_queries",
		mcp.WithDescription("List your saved queries and the public ones"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleListSavedQueries)

	s.mcp.AddTool(mcp.NewTool("get_saved_query",
		mcp.WithDescription("Get a saved query with its parameters and metadata"),
		mcp.WithString("queryId", mcp.Description("Saved query ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleGetSavedQuery)

	s.mcp.AddTool(mcp.NewTool("update_saved_query",
		mcp.WithDescription("Change a saved query you own"),
		mcp.WithString("queryId", mcp.Description("Saved query ID"), mcp.Required()),
		mcp.WithString("name", mcp.Description("New name")),
		mcp.WithString("query", mcp.Description("New statement text")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("connectionId", mcp.Description("New target connection")),
		mcp.WithBoolean("public", mcp.Description("Share with other owners")),
	), s.handleUpdateSavedQuery)

	s.mcp.AddTool(mcp.NewTool("delete_saved_query",
		mcp.WithDescription("Delete a saved query you own"),
		mcp.WithString("queryId", mcp.Description("Saved query ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleDeleteSavedQuery)

	s.mcp.AddTool(mcp.NewTool("add_query_parameter",
		mcp.WithDescription("Declare a parameter on a saved query"),
		mcp.WithString("queryId", mcp.Description("Saved query ID"), mcp.Required()),
		mcp.WithObject("parameter", mcp.Description(parameterHelp), mcp.Required()),
	), s.handleAddParameter)

	s.mcp.AddTool(mcp.NewTool("update_query_parameter",
		mcp.WithDescription("Replace a parameter definition, matched by its id"),
		mcp.WithString("queryId", mcp.Description("Saved query ID"), mcp.Required()),
		mcp.WithObject("parameter", mcp.Description(parameterHelp+" Must include id."), mcp.Required()),
	), s.handleUpdateParameter)

	s.mcp.AddTool(mcp.NewTool("remove_query_parameter",
		mcp.WithDescription("Remove a parameter from a saved query"),
		mcp.WithString("queryId", mcp.Description("Saved query ID"), mcp.Required()),
		mcp.WithString("parameterId", mcp.Description("Parameter ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleRemoveParameter)
}

func savedQueryID(req mcp.CallToolRequest) (string, error) {
	id := req.GetString("queryId", "")
	if id == "" {
		return "", fmt.Errorf("%w: queryId is required", domain.ErrValidation)
	}
	return id, nil
}

func (s *Server) handleSaveQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in service.SavedQueryInput
	if err := decodeArgs(req, &in); err != nil {
		return errorResult(err)
	}
	q, err := s.saved.Create(ctx, s.ownerID, in)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(q)
}

func (s *Server) handleListSavedQueries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := s.saved.List(ctx, s.ownerID)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(list)
}

func (s *Server) handleGetSavedQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := savedQueryID(req)
	if err != nil {
		return errorResult(err)
	}
	q, err := s.saved.Get(ctx, s.ownerID, id)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(q)
}

func (s *Server) handleUpdateSavedQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := savedQueryID(req)
	if err != nil {
		return errorResult(err)
	}
	var patch service.SavedQueryPatch
	if err := decodeArgs(req, &patch); err != nil {
		return errorResult(err)
	}
	q, err := s.saved.Update(ctx, s.ownerID, id, patch)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(q)
}

func (s *Server) handleDeleteSavedQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := savedQueryID(req)
	if err != nil {
		return errorResult(err)
	}
	if err := s.saved.Remove(ctx, s.ownerID, id); err != nil {
		return errorResult(err)
	}
	return textResult(fmt.Sprintf("Saved query %s deleted", id)), nil
}

type parameterArgs struct {
	QueryID   string                `json:"queryId"`
	Parameter domain.QueryParameter `json:"parameter"`
}

func (s *Server) handleAddParameter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args parameterArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	p, err := s.saved.AddParameter(ctx, s.ownerID, args.QueryID, args.Parameter)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(p)
}

func (s *Server) handleUpdateParameter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args parameterArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err)
	}
	p, err := s.saved.UpdateParameter(ctx, s.ownerID, args.QueryID, args.Parameter)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(p)
}

func (s *Server) handleRemoveParameter(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := savedQueryID(req)
	if err != nil {
		return errorResult(err)
	}
	paramID := req.GetString("parameterId", "")
	if err := s.saved.RemoveParameter(ctx, s.ownerID, id, paramID); err != nil {
		return errorResult(err)
	}
	return textResult(fmt.Sprintf("Parameter %s removed", paramID)), nil
}
