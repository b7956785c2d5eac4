package mcpserver

import (
	"context"
	"fmt"

	"querybuilder/internal/domain"
	"querybuilder/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
)

const optionsHelp = `Connection options: host, port, username, password, database, schema,
tls {enabled, skipVerify, ca, cert, key}, pool {min, max, idleTimeoutMillis}, poolSize,
connectionTimeout, queryTimeout (milliseconds). For sqlite, database is the file path.`

func (s *Server) registerConnectionTools() {
	s.mcp.AddTool(mcp.NewTool("list_connections",
		mcp.WithDescription("List your connections. Passwords are redacted."),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleListConnections)

	s.mcp.AddTool(mcp.NewTool("create_connection",
		mcp.WithDescription("Register a connection to postgres, mysql, sqlite, mssql or mongodb"),
		mcp.WithString("name", mcp.Description("Unique name"), mcp.Required()),
		mcp.WithString("backend", mcp.Description("postgres, mysql, sqlite, mssql or mongodb"), mcp.Required()),
		mcp.WithObject("options", mcp.Description(optionsHelp), mcp.Required()),
		mcp.WithArray("tags", mcp.Items(map[string]any{"type": "string"})),
		mcp.WithBoolean("active", mcp.Description("Whether queries may run (default true)")),
	), s.handleCreateConnection)

	s.mcp.AddTool(mcp.NewTool("get_connection",
		mcp.WithDescription("Get one connection. The password is redacted."),
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleGetConnection)

	s.mcp.AddTool(mcp.NewTool("update_connection",
		mcp.WithDescription("Change a connection. Changed options rebuild its pool. Omit the password or pass it redacted to keep it."),
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
		mcp.WithString("name", mcp.Description("New name")),
		mcp.WithObject("options", mcp.Description(optionsHelp)),
		mcp.WithArray("tags", mcp.Items(map[string]any{"type": "string"})),
		mcp.WithBoolean("active", mcp.Description("Whether queries may run")),
	), s.handleUpdateConnection)

	s.mcp.AddTool(mcp.NewTool("delete_connection",
		mcp.WithDescription("Delete a connection and close its pool"),
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleDeleteConnection)

	s.mcp.AddTool(mcp.NewTool("test_connection",
		mcp.WithDescription("Check that the connection is reachable and record the outcome"),
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
	), s.handleTestConnection)

	s.mcp.AddTool(mcp.NewTool("encrypt_connection",
		mcp.WithDescription("Encrypt the stored password. The key is kept in the secret store."),
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
	), s.handleEncryptConnection)

	s.mcp.AddTool(mcp.NewTool("decrypt_connection",
		mcp.WithDescription("Store the password in plaintext again and drop its key"),
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
	), s.handleDecryptConnection)

	s.mcp.AddTool(mcp.NewTool("describe_schema",
		mcp.WithDescription("List tables and columns of a connection"),
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
		mcp.WithBoolean("includeKeys", mcp.Description("Also list indexes and foreign keys")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleDescribeSchema)

	s.mcp.AddTool(mcp.NewTool("connection_pool_stats",
		mcp.WithDescription("Report how many adapters a connection's pool holds, idle and in use"),
		mcp.WithString("connectionId", mcp.Description("Connection ID"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handlePoolStats)
}

func (s *Server) handleListConnections(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conns, err := s.connections.List(ctx, s.ownerID)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(conns)
}

func (s *Server) handleCreateConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var in service.ConnectionInput
	if err := decodeArgs(req, &in); err != nil {
		return errorResult(err)
	}
	cfg, err := s.connections.Create(ctx, s.ownerID, in)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(cfg)
}

// connectionID reads the required connectionId argument.
func connectionID(req mcp.CallToolRequest) (string, error) {
	id := req.GetString("connectionId", "")
	if id == "" {
		return "", fmt.Errorf("%w: connectionId is required", domain.ErrValidation)
	}
	return id, nil
}

func (s *Server) handleGetConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := connectionID(req)
	if err != nil {
		return errorResult(err)
	}
	cfg, err := s.connections.Get(ctx, s.ownerID, id)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(cfg)
}

func (s *Server) handleUpdateConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := connectionID(req)
	if err != nil {
		return errorResult(err)
	}
	var patch service.ConnectionPatch
	if err := decodeArgs(req, &patch); err != nil {
		return errorResult(err)
	}
	cfg, err := s.connections.Update(ctx, s.ownerID, id, patch)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(cfg)
}

func (s *Server) handleDeleteConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := connectionID(req)
	if err != nil {
		return errorResult(err)
	}
	if err := s.connections.Delete(ctx, s.ownerID, id); err != nil {
		return errorResult(err)
	}
	return textResult(fmt.Sprintf("Connection %s deleted", id)), nil
}

// handleTestConnection reports a failed check as a result, not an error:
// the check itself worked.
func (s *Server) handleTestConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := connectionID(req)
	if err != nil {
		return errorResult(err)
	}
	res, err := s.connections.Test(ctx, s.ownerID, id)
	if res == nil {
		return errorResult(err)
	}
	return jsonResult(res)
}

func (s *Server) handleEncryptConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := connectionID(req)
	if err != nil {
		return errorResult(err)
	}
	cfg, err := s.connections.Encrypt(ctx, s.ownerID, id)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(cfg)
}

func (s *Server) handleDecryptConnection(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := connectionID(req)
	if err != nil {
		return errorResult(err)
	}
	cfg, err := s.connections.Decrypt(ctx, s.ownerID, id)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(cfg)
}

func (s *Server) handleDescribeSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := connectionID(req)
	if err != nil {
		return errorResult(err)
	}
	desc, err := s.connections.Describe(ctx, s.ownerID, id, req.GetBool("includeKeys", false))
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(desc)
}

func (s *Server) handlePoolStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := connectionID(req)
	if err != nil {
		return errorResult(err)
	}
	// ownership check only; stats are keyed by id
	if _, err := s.connections.Get(ctx, s.ownerID, id); err != nil {
		return errorResult(err)
	}
	st, ok := s.pools.Stats(id)
	if !ok {
		return textResult(fmt.Sprintf("Connection %s has no open pool", id)), nil
	}
	return jsonResult(st)
}
