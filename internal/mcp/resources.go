package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"querybuilder/internal/domain"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	connectionsURI  = "querybuilder://connections"
	savedQueriesURI = "querybuilder://saved-queries"
	schemaURIPrefix = "querybuilder://connections/"
	schemaURISuffix = "/schema"
)

func (s *Server) registerResources() {
	// ── querybuilder://connections ─────────────────────
	s.mcp.AddResource(mcp.NewResource(
		connectionsURI,
		"Connections",
		mcp.WithResourceDescription("Your connections with passwords redacted"),
		mcp.WithMIMEType("application/json"),
	), s.handleConnectionsResource)

	// ── querybuilder://saved-queries ───────────────────
	s.mcp.AddResource(mcp.NewResource(
		savedQueriesURI,
		"Saved Queries",
		mcp.WithResourceDescription("Your saved queries and the public ones"),
		mcp.WithMIMEType("application/json"),
	), s.handleSavedQueriesResource)

	// ── querybuilder://connections/{connectionId}/schema
	s.mcp.AddResourceTemplate(
		mcp.NewResourceTemplate(
			schemaURIPrefix+"{connectionId}"+schemaURISuffix,
			"Connection Schema",
			mcp.WithTemplateDescription("Tables and columns of one connection"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleSchemaResource,
	)
}

func jsonContents(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleConnectionsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	conns, err := s.connections.List(ctx, s.ownerID)
	if err != nil {
		return nil, err
	}
	return jsonContents(req.Params.URI, conns)
}

func (s *Server) handleSavedQueriesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	type summary struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Description  string `json:"description,omitempty"`
		ConnectionID string `json:"connectionId,omitempty"`
		Public       bool   `json:"public"`
		Mine         bool   `json:"mine"`
	}

	list, err := s.saved.List(ctx, s.ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]summary, len(list))
	for i, q := range list {
		out[i] = summary{
			ID:           q.ID,
			Name:         q.Name,
			Description:  q.Description,
			ConnectionID: q.ConnectionID,
			Public:       q.Public,
			Mine:         q.OwnerID == s.ownerID,
		}
	}
	return jsonContents(req.Params.URI, out)
}

func (s *Server) handleSchemaResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	uri := req.Params.URI
	id, ok := schemaConnectionID(uri)
	if !ok {
		return nil, fmt.Errorf("%w: resource %s", domain.ErrNotFound, uri)
	}
	desc, err := s.connections.Describe(ctx, s.ownerID, id, false)
	if err != nil {
		return nil, err
	}
	return jsonContents(uri, desc)
}

// schemaConnectionID extracts the id from querybuilder://connections/{id}/schema.
func schemaConnectionID(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, schemaURIPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, schemaURISuffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
