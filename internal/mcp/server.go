// Package mcp exposes the work-unit lifecycle to AI agents as a stdio MCP server.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sengac/fspec-sub012/internal/app"
	"github.com/sengac/fspec-sub012/internal/domain"
)

const serverVersion = "0.1.0"

type Server struct {
	ws  *app.Workspace
	mcp *server.MCPServer
}

func NewServer(ws *app.Workspace) *Server {
	s := &Server{ws: ws}
	s.mcp = server.NewMCPServer("fspec", serverVersion, server.WithToolCapabilities(false))
	s.registerTools()
	return s
}

// Serve speaks MCP over in/out until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	err := server.NewStdioServer(s.mcp).Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// toolError is the JSON body of an error result; Code is the domain error kind.
type toolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e toolError) result() *mcp.CallToolResult {
	data, _ := json.Marshal(e)
	return mcp.NewToolResultError(string(data))
}

func validationError(msg string) *mcp.CallToolResult {
	return toolError{Code: string(domain.KindInvalidInput), Message: msg}.result()
}

func errorResult(err error, details map[string]any) *mcp.CallToolResult {
	var de *domain.Error
	if !errors.As(err, &de) {
		return toolError{Code: string(domain.KindInternal), Message: err.Error(), Details: details}.result()
	}
	if details == nil {
		details = map[string]any{}
	}
	if len(de.Violations) > 0 {
		details["violations"] = de.Violations
	}
	if de.Hook != nil {
		details["hook"] = de.Hook
	}
	if len(details) == 0 {
		details = nil
	}
	return toolError{Code: string(de.Kind), Message: de.Error(), Details: details}.result()
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}
