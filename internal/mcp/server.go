package mcpserver

import (
	"context"
	"io"
	"log/slog"

	"querybuilder/internal/pool"
	"querybuilder/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	slogctx "github.com/veqryn/slog-context"
)

// Server exposes the query builder to MCP clients: the build/validate/
// optimize/execute pipeline, connection management and saved queries.
// Every call acts on behalf of one configured owner.
type Server struct {
	mcp     *server.MCPServer
	ownerID string
	logger  *slog.Logger

	connections *service.ConnectionService
	queries     *service.QueryBuilderService
	saved       *service.SavedQueryService
	pools       *pool.Manager
}

// Deps holds everything the server needs from the service layer.
type Deps struct {
	OwnerID     string
	Version     string
	Connections *service.ConnectionService
	Queries     *service.QueryBuilderService
	Saved       *service.SavedQueryService
	Pools       *pool.Manager
	// Notifier, when set, is attached so service events reach clients.
	Notifier *Notifier
	Logger   *slog.Logger
}

// New creates and configures a new MCP server with all tools and resources.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		ownerID:     deps.OwnerID,
		logger:      logger.With("module", "mcp"),
		connections: deps.Connections,
		queries:     deps.Queries,
		saved:       deps.Saved,
		pools:       deps.Pools,
	}

	s.mcp = server.NewMCPServer(
		"querybuilder",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
		server.WithLogging(),
		server.WithToolHandlerMiddleware(s.withLogger),
	)
	if deps.Notifier != nil {
		deps.Notifier.attach(s.mcp)
	}

	s.registerQueryTools()
	s.registerConnectionTools()
	s.registerSavedQueryTools()
	s.registerResources()
	s.registerPrompts()
	return s
}

// withLogger puts the server logger, tagged with the tool name, on the
// context handed to the services.
func (s *Server) withLogger(next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = slogctx.NewCtx(ctx, s.logger)
		ctx = slogctx.With(ctx, "tool", req.Params.Name, "owner_id", s.ownerID)
		return next(ctx, req)
	}
}

// ServeStdio serves MCP over in/out until ctx is cancelled or the client
// hangs up.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("starting stdio server")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}
