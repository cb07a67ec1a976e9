package mcpapi

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	domtrack "github.com/hazyhaar/domtrack"
	"github.com/hazyhaar/domtrack/ident"
	"github.com/hazyhaar/domtrack/internal/dom"
	"github.com/hazyhaar/domtrack/tree"
)

var testImpl = &mcp.Implementation{Name: "domtrack-test", Version: "0.1.0"}

// mcpSession starts a tracker over src, registers the tools, and
// returns a connected client session plus the backing document.
func mcpSession(t *testing.T, src string) (*mcp.ClientSession, *dom.MemDoc) {
	t.Helper()

	doc := dom.MustParseMemDoc(src)
	tr := domtrack.New(doc, domtrack.Config{})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { tr.Stop() })
	b := tree.New(tr, doc)
	t.Cleanup(b.Close)

	srv := mcp.NewServer(testImpl, nil)
	New([]*Page{{ID: "p1", Tracker: tr, Tree: b}}).RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session, doc
}

// callTool invokes a tool and returns the JSON text from the first TextContent.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if result.IsError {
		t.Fatalf("CallTool(%s) tool error: %v", name, result.Content)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text
}

func TestMCP_ListNodes(t *testing.T) {
	session, _ := mcpSession(t, `<html><body><button>Save</button><a href="/h">Home</a></body></html>`)

	text := callTool(t, session, "domtrack_list_nodes", map[string]any{"page": "p1"})

	var resp struct {
		Nodes []ident.NodeInfo `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Nodes) != 2 {
		t.Fatalf("nodes: got %d, want 2", len(resp.Nodes))
	}
	for _, n := range resp.Nodes {
		if n.ID == "" || n.Status != ident.StatusActive {
			t.Errorf("node %+v: want id and active status", n)
		}
	}
}

func TestMCP_GetTree(t *testing.T) {
	session, _ := mcpSession(t, `<html><body><div><button>Go</button></div></body></html>`)

	text := callTool(t, session, "domtrack_get_tree", map[string]any{"page": "p1"})

	var root tree.Node
	if err := json.Unmarshal([]byte(text), &root); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if root.Tag != "html" {
		t.Fatalf("root tag: got %q, want html", root.Tag)
	}
}

func TestMCP_Action(t *testing.T) {
	session, doc := mcpSession(t, `<html><body><button>Save</button></body></html>`)

	var listed struct {
		Nodes []ident.NodeInfo `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(callTool(t, session, "domtrack_list_nodes",
		map[string]any{"page": "p1"})), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed.Nodes) != 1 {
		t.Fatalf("nodes: got %d, want 1", len(listed.Nodes))
	}

	text := callTool(t, session, "domtrack_action", map[string]any{
		"page": "p1", "node_id": listed.Nodes[0].ID, "action": "click",
	})
	var res ident.ActionResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.OK {
		t.Fatalf("action: %+v", res)
	}
	if len(doc.Actions) != 1 || doc.Actions[0].Kind != "click" {
		t.Fatalf("dispatched actions: %+v", doc.Actions)
	}
}

func TestMCP_ActionUnknownNode(t *testing.T) {
	session, _ := mcpSession(t, `<html><body></body></html>`)

	text := callTool(t, session, "domtrack_action", map[string]any{
		"page": "p1", "node_id": "nope", "action": "click",
	})
	var res ident.ActionResult
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.OK || res.Reason != ident.FailNotFound {
		t.Fatalf("result: got %+v, want not_found failure", res)
	}
}

func TestMCP_Stats(t *testing.T) {
	session, _ := mcpSession(t, `<html><body><button>One</button></body></html>`)

	text := callTool(t, session, "domtrack_stats", map[string]any{"page": "p1"})

	var stats domtrack.Stats
	if err := json.Unmarshal([]byte(text), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Active != 1 {
		t.Errorf("active: got %d, want 1", stats.Active)
	}
}

func TestMCP_UnknownPageIsToolError(t *testing.T) {
	session, _ := mcpSession(t, `<html><body></body></html>`)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "domtrack_list_nodes",
		Arguments: map[string]any{"page": "nope"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !result.IsError {
		t.Fatal("want tool error for unknown page")
	}
}
