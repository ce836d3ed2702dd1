// Package mcpserver exposes the tool registry to MCP clients, so agent
// frameworks can call run_script over stdio or streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/tools"
)

const serverName = "runbox"

// Server adapts a tools.Registry into an MCP server.
type Server struct {
	mcp      *server.MCPServer
	registry *tools.Registry
	logger   *slog.Logger
}

// New registers every tool in the registry on a new MCP server.
func New(registry *tools.Registry, version string, logger *slog.Logger) (*Server, error) {
	s := &Server{
		mcp:      server.NewMCPServer(serverName, version, server.WithToolCapabilities(false), server.WithRecovery()),
		registry: registry,
		logger:   logger,
	}
	for _, t := range registry.All() {
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("encoding input schema for %s: %w", t.Name(), err)
		}
		s.mcp.AddTool(mcp.NewToolWithRawSchema(t.Name(), t.Description(), schema), s.handler(t.Name()))
	}
	return s, nil
}

// MCP returns the underlying server, for in-process clients.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// handler calls a registry tool and returns its result as JSON text.
// Rejected requests become tool errors, not protocol errors.
func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := s.registry.Call(ctx, name, req.GetArguments())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			s.logger.InfoContext(ctx, "mcp tool call rejected",
				slog.String("tool", name),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(err.Error()), nil
		}

		body, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encoding %s result: %w", name, err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(body))},
			IsError: !res.Success,
		}, nil
	}
}

// HTTPHandler serves the streamable HTTP transport. The caller identity set
// by the HTTP gateway's authentication is carried into tool calls.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp,
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id := tools.UserIDFromContext(r.Context()); id != "" {
				return tools.ContextWithUserID(ctx, id)
			}
			return ctx
		}),
	)
}

// Stdio serves MCP over a reader/writer pair, normally stdin and stdout.
type Stdio struct {
	srv    *Server
	in     io.Reader
	out    io.Writer
	caller string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewStdio creates a stdio gateway. caller labels every execution it runs.
func NewStdio(srv *Server, in io.Reader, out io.Writer, caller string) *Stdio {
	return &Stdio{srv: srv, in: in, out: out, caller: caller}
}

var _ gateway.Gateway = (*Stdio)(nil)

// Start serves until the input closes or ctx is cancelled.
func (g *Stdio) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	stdio := server.NewStdioServer(g.srv.mcp)
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return tools.ContextWithUserID(ctx, g.caller)
	})
	g.srv.logger.Info("mcp stdio server starting", slog.String("caller", g.caller))
	err := stdio.Listen(ctx, g.in, g.out)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Stop cancels the listener.
func (g *Stdio) Stop(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	return nil
}
