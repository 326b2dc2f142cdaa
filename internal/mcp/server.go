package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cerise-ai/cerise/internal/abilities"
)

// ToolSource supplies the tool surface the server exposes: the filtered
// schemas and gated execution. The capability scheduler satisfies it.
type ToolSource interface {
	ToolSchemas() []abilities.ToolSchema
	Execute(ctx context.Context, name string, params map[string]any, actx *abilities.Context) *abilities.Result
}

// ServerOptions configures the identity and default execution context of an
// ability server.
type ServerOptions struct {
	Name           string
	Version        string
	DefaultUser    string
	DefaultSession string
	Permissions    []string
}

// Server exposes local abilities as MCP tools over framed JSON-RPC on an
// arbitrary reader/writer pair (stdin/stdout in production).
type Server struct {
	source  ToolSource
	opts    ServerOptions
	in      *bufio.Reader
	out     io.Writer
	writeMu sync.Mutex
	logger  *slog.Logger
}

// NewServer creates a server reading requests from in and writing responses
// to out.
func NewServer(source ToolSource, opts ServerOptions, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "cerise-ability-server"
	}
	if opts.Version == "" {
		opts.Version = "1"
	}
	return &Server{
		source: source,
		opts:   opts,
		in:     bufio.NewReader(in),
		out:    out,
		logger: logger.With("component", "mcp.server"),
	}
}

// Serve processes requests until EOF or context cancellation. Notifications
// are ignored; unknown methods get -32601.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := ReadFrame(s.in)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.respondError(nil, CodeParseError, "parse error")
			continue
		}
		if req.ID == nil {
			continue
		}
		s.handle(ctx, &req)
	}
}

func (s *Server) handle(ctx context.Context, req *Request) {
	switch req.Method {
	case "initialize":
		s.respond(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      ClientInfo{Name: s.opts.Name, Version: s.opts.Version},
		})
	case "ping":
		s.respond(req.ID, map[string]any{})
	case "tools/list":
		s.respond(req.ID, listToolsResult{Tools: s.listTools()})
	case "tools/call":
		s.callTool(ctx, req)
	default:
		s.respondError(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (s *Server) listTools() []ToolInfo {
	schemas := s.source.ToolSchemas()
	tools := make([]ToolInfo, 0, len(schemas))
	for _, schema := range schemas {
		tools = append(tools, ToolInfo{
			Name:        schema.Name,
			Description: schema.Description,
			InputSchema: schema.Parameters,
		})
	}
	return tools
}

func (s *Server) callTool(ctx context.Context, req *Request) {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.respondError(req.ID, CodeInvalidParams, "tools/call requires a tool name")
		return
	}

	actx := &abilities.Context{
		UserID:      s.opts.DefaultUser,
		SessionID:   s.opts.DefaultSession,
		Permissions: s.opts.Permissions,
	}
	result := s.source.Execute(ctx, params.Name, params.Arguments, actx)

	text := ""
	if result.Error != "" {
		text = result.Error
	} else if result.Data != nil {
		switch v := result.Data.(type) {
		case string:
			text = v
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				text = fmt.Sprintf("%v", v)
			} else {
				text = string(raw)
			}
		}
	}

	s.respond(req.ID, ToolCallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: !result.Success,
	})
}

func (s *Server) respond(id *int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.respondError(id, CodeInternalError, "encode result")
		return
	}
	s.write(Response{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Server) respondError(id *int64, code int, message string) {
	s.write(Response{JSONRPC: "2.0", ID: id, Error: &ResponseError{Code: code, Message: message}})
}

func (s *Server) write(resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response failed", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := WriteFrame(s.out, raw); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}
