// Package mcpapi registers the domtrack MCP tools: node and tree
// inspection, action forwarding and tracker stats, one toolset across
// all tracked pages.
package mcpapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	domtrack "github.com/hazyhaar/domtrack"
	"github.com/hazyhaar/domtrack/ident"
	"github.com/hazyhaar/domtrack/tree"
)

// Page is one tracked page exposed over MCP.
type Page struct {
	ID      string
	Tracker *domtrack.Tracker
	Tree    *tree.Builder
}

// Service holds the page set behind the tools.
type Service struct {
	pages map[string]*Page
}

// New builds the MCP service over the given pages.
func New(pages []*Page) *Service {
	s := &Service{pages: make(map[string]*Page, len(pages))}
	for _, p := range pages {
		s.pages[p.ID] = p
	}
	return s
}

// RegisterMCP registers domtrack tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerListNodesTool(srv)
	s.registerGetTreeTool(srv)
	s.registerActionTool(srv)
	s.registerStatsTool(srv)
}

func (s *Service) page(id string) (*Page, error) {
	p, ok := s.pages[id]
	if !ok {
		return nil, fmt.Errorf("unknown page %q", id)
	}
	return p, nil
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// registerTool wires a typed handler as an MCP tool. Handler errors
// become tool errors; responses are returned as JSON text.
func registerTool[Req any](srv *mcp.Server, tool *mcp.Tool, handler func(context.Context, *Req) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r Req
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
				var res mcp.CallToolResult
				res.SetError(fmt.Errorf("invalid arguments: %w", err))
				return &res, nil
			}
		}

		resp, err := handler(ctx, &r)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

var pageProp = map[string]any{"type": "string", "description": "Tracked page id"}

type pageRequest struct {
	Page string `json:"page"`
}

func (s *Service) registerListNodesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domtrack_list_nodes",
		Description: "List the tracked nodes of a page: id, tag, role, label, structural context and lifecycle status.",
		InputSchema: inputSchema(map[string]any{
			"page": pageProp,
		}, []string{"page"}),
	}
	registerTool(srv, tool, func(ctx context.Context, r *pageRequest) (any, error) {
		p, err := s.page(r.Page)
		if err != nil {
			return nil, err
		}
		return map[string]any{"nodes": p.Tracker.Nodes()}, nil
	})
}

func (s *Service) registerGetTreeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domtrack_get_tree",
		Description: "Get the simplified mirror tree of a page. Empty containers are elided; interactive elements carry consolidated labels.",
		InputSchema: inputSchema(map[string]any{
			"page": pageProp,
		}, []string{"page"}),
	}
	registerTool(srv, tool, func(ctx context.Context, r *pageRequest) (any, error) {
		p, err := s.page(r.Page)
		if err != nil {
			return nil, err
		}
		if p.Tree == nil {
			return nil, fmt.Errorf("no tree for page %q", r.Page)
		}
		return p.Tree.Snapshot(ctx), nil
	})
}

type actionRequest struct {
	Page   string `json:"page"`
	NodeID string `json:"node_id"`
	Action string `json:"action"`
	Value  string `json:"value,omitempty"`
}

func (s *Service) registerActionTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domtrack_action",
		Description: "Forward an interaction to a tracked node. Returns ok=false with a reason (not_found, detached, disabled) when the element cannot be resolved.",
		InputSchema: inputSchema(map[string]any{
			"page":    pageProp,
			"node_id": map[string]any{"type": "string", "description": "Tracked node id"},
			"action":  map[string]any{"type": "string", "enum": []any{"click", "set_value", "toggle_checked", "set_selected", "scroll_into_view"}},
			"value":   map[string]any{"type": "string", "description": "Value for set_value / set_selected"},
		}, []string{"page", "node_id", "action"}),
	}
	registerTool(srv, tool, func(ctx context.Context, r *actionRequest) (any, error) {
		p, err := s.page(r.Page)
		if err != nil {
			return nil, err
		}
		return p.Tracker.Do(r.NodeID, ident.ActionType(r.Action), r.Value), nil
	})
}

func (s *Service) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domtrack_stats",
		Description: "Tracker counters for a page: active and searching nodes, flushes, matches, losses, batch errors.",
		InputSchema: inputSchema(map[string]any{
			"page": pageProp,
		}, []string{"page"}),
	}
	registerTool(srv, tool, func(ctx context.Context, r *pageRequest) (any, error) {
		p, err := s.page(r.Page)
		if err != nil {
			return nil, err
		}
		return p.Tracker.Stats(), nil
	})
}
