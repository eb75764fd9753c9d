package everything_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/mcp-engine"
	"github.com/MegaGrindStone/mcp-engine/servers/everything"
	"github.com/jonboulle/clockwork"
)

func TestTools(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 11, 5, 12, 30, 0, 0, time.UTC))
	srv, sessID := newReadyServer(t, everything.WithClock(clock))

	tests := []struct {
		name      string
		tool      string
		args      string
		wantText  string
		wantError bool
	}{
		{name: "echo uppercase", tool: "echo", args: `{"text":"hi","uppercase":true}`, wantText: "HI"},
		{name: "echo reverse", tool: "echo", args: `{"text":"abc","reverse":true}`, wantText: "cba"},
		{name: "echo both", tool: "echo", args: `{"text":"abc","reverse":true,"uppercase":true}`, wantText: "CBA"},
		{name: "echo missing text", tool: "echo", args: `{}`, wantError: true},
		{name: "add", tool: "calculator", args: `{"operation":"add","a":2,"b":3}`, wantText: "5"},
		{name: "subtract", tool: "calculator", args: `{"operation":"subtract","a":2,"b":3}`, wantText: "-1"},
		{name: "multiply", tool: "calculator", args: `{"operation":"multiply","a":2.5,"b":4}`, wantText: "10"},
		{name: "divide", tool: "calculator", args: `{"operation":"divide","a":1,"b":4}`, wantText: "0.25"},
		{name: "divide by zero", tool: "calculator", args: `{"operation":"divide","a":1,"b":0}`, wantText: "division by zero", wantError: true},
		{name: "unknown operation", tool: "calculator", args: `{"operation":"modulo","a":1,"b":2}`, wantError: true},
		{name: "hello default", tool: "hello", args: `{}`, wantText: "Hello, World!"},
		{name: "hello name", tool: "hello", args: `{"name":"Ada"}`, wantText: "Hello, Ada!"},
		{name: "get_time", tool: "get_time", args: `{}`, wantText: "2024-11-05T12:30:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, srv, sessID, tt.tool, tt.args)

			if result.IsError != tt.wantError {
				t.Fatalf("IsError = %v, want %v (content %+v)", result.IsError, tt.wantError, result.Content)
			}
			if len(result.Content) != 1 {
				t.Fatalf("got %d content items, want 1", len(result.Content))
			}
			if tt.wantText != "" && !strings.Contains(result.Content[0].Text, tt.wantText) {
				t.Errorf("text = %q, want %q", result.Content[0].Text, tt.wantText)
			}
		})
	}
}

func TestToolsList(t *testing.T) {
	srv, sessID := newReadyServer(t)

	resp := request(t, srv, sessID, mcp.MethodToolsList, nil)
	var result mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	want := "get_time,echo,calculator,hello"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("tools = %s, want %s", got, want)
	}
}

func TestResources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("remember"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	srv, sessID := newReadyServer(t, everything.WithFiles(path))

	resp := request(t, srv, sessID, mcp.MethodResourcesList, nil)
	var list mcp.ListResourcesResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(list.Resources) != 2 {
		t.Fatalf("got %d resources, want 2", len(list.Resources))
	}

	resp = request(t, srv, sessID, mcp.MethodResourcesRead, mcp.ReadResourceParams{URI: "info://server"})
	var info mcp.ReadResourceResult
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(info.Contents) != 1 || !strings.Contains(info.Contents[0].Text, `"name":"test-server"`) {
		t.Errorf("info contents = %+v, want server name", info.Contents)
	}

	resp = request(t, srv, sessID, mcp.MethodResourcesRead, mcp.ReadResourceParams{URI: list.Resources[1].URI})
	var file mcp.ReadResourceResult
	if err := json.Unmarshal(resp.Result, &file); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(file.Contents) != 1 || file.Contents[0].Text != "remember" {
		t.Errorf("file contents = %+v, want %q", file.Contents, "remember")
	}
}

func newReadyServer(t *testing.T, opts ...everything.Option) (*mcp.Server, string) {
	t.Helper()

	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, mcp.WithWorkers(2))
	everything.Register(srv, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	sess, err := srv.Sessions().Create()
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	request(t, srv, sess.ID(), mcp.MethodInitialize, map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"clientInfo":      mcp.Info{Name: "test-client", Version: "1.0"},
	})
	srv.HandleMessage(context.Background(), sess.ID(), mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  mcp.MethodNotificationInitialized,
	})
	return srv, sess.ID()
}

func request(t *testing.T, srv *mcp.Server, sessID, method string, params any) mcp.JSONRPCMessage {
	t.Helper()

	var raw json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("failed to marshal params: %v", err)
		}
		raw = bs
	}

	resp, ok := srv.HandleMessage(context.Background(), sessID, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewNumberID(1),
		Method:  method,
		Params:  raw,
	})
	if !ok {
		t.Fatalf("%s: no response", method)
	}
	if resp.Error != nil {
		t.Fatalf("%s: unexpected error: %v", method, resp.Error)
	}
	return resp
}

func callTool(t *testing.T, srv *mcp.Server, sessID, name, args string) mcp.CallToolResult {
	t.Helper()

	resp := request(t, srv, sessID, mcp.MethodToolsCall, mcp.CallToolParams{
		Name:      name,
		Arguments: json.RawMessage(args),
	})
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	return result
}
