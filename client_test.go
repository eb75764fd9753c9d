package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	mcp "github.com/MegaGrindStone/mcp-engine"
)

type mockTransport struct {
	results map[string]string
	calls   []string
	notes   []string
	closed  bool
}

func (m *mockTransport) Call(_ context.Context, method string, _ any) (json.RawMessage, error) {
	m.calls = append(m.calls, method)
	res, ok := m.results[method]
	if !ok {
		return nil, mcp.JSONRPCError{Code: -32601, Message: "Method not found: " + method}
	}
	return json.RawMessage(res), nil
}

func (m *mockTransport) Notify(_ context.Context, method string, _ any) error {
	m.notes = append(m.notes, method)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

func TestClientInitialize(t *testing.T) {
	transport := &mockTransport{results: map[string]string{
		"initialize": `{"protocolVersion":"2024-11-05","capabilities":{"resources":{"subscribe":true}},` +
			`"serverInfo":{"name":"mock","version":"9"}}`,
		"resources/list": `{"resources":[{"uri":"memo://a","name":"a"}]}`,
	}}
	client := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, transport)
	ctx := context.Background()

	if _, err := client.ListResources(ctx, mcp.ListResourcesParams{}); err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("ListResources() before Initialize = %v, want a not initialized error", err)
	}

	if _, err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if len(transport.notes) != 1 || transport.notes[0] != mcp.MethodNotificationsInitialized {
		t.Errorf("notifications = %v, want the initialized notification", transport.notes)
	}
	if client.ServerInfo().Name != "mock" {
		t.Errorf("ServerInfo() = %+v", client.ServerInfo())
	}
	if client.ToolServerSupported() || !client.ResourceServerSupported() {
		t.Error("capabilities not taken from the initialize result")
	}

	list, err := client.ListResources(ctx, mcp.ListResourcesParams{})
	if err != nil {
		t.Fatalf("ListResources() failed: %v", err)
	}
	if len(list.Resources) != 1 {
		t.Errorf("got %d resources, want 1", len(list.Resources))
	}

	_, err = client.ListTools(ctx)
	var rpcErr mcp.JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind() != mcp.ErrKindMethodNotFound {
		t.Errorf("ListTools() = %v, want method_not_found", err)
	}

	if err := client.Close(); err != nil || !transport.closed {
		t.Errorf("Close() = %v, closed %v", err, transport.closed)
	}
}

func TestClientInitializeVersionMismatch(t *testing.T) {
	transport := &mockTransport{results: map[string]string{
		"initialize": `{"protocolVersion":"2099-01-01","capabilities":{},"serverInfo":{"name":"future","version":"1"}}`,
	}}
	client := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, transport)

	if _, err := client.Initialize(context.Background()); err == nil {
		t.Fatal("Initialize() accepted an unsupported protocol version")
	}
	if len(transport.notes) != 0 {
		t.Errorf("initialized notification sent after a failed handshake: %v", transport.notes)
	}
	if _, err := client.ListTools(context.Background()); err == nil {
		t.Error("ListTools() succeeded after a failed handshake")
	}
}
