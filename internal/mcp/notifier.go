package mcpserver

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Notifier forwards service events to connected clients as MCP logging
// notifications. Services are built before the server exists, so the
// server is attached later; events emitted before that are dropped.
type Notifier struct {
	mu  sync.RWMutex
	srv *server.MCPServer
}

func (n *Notifier) attach(srv *server.MCPServer) {
	n.mu.Lock()
	n.srv = srv
	n.mu.Unlock()
}

// Emit implements service.EventEmitter.
func (n *Notifier) Emit(_ context.Context, event string, data any) {
	n.mu.RLock()
	srv := n.srv
	n.mu.RUnlock()
	if srv == nil {
		return
	}
	srv.SendNotificationToAllClients("notifications/message", map[string]any{
		"level":  mcp.LoggingLevelInfo,
		"logger": event,
		"data":   data,
	})
}
