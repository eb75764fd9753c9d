package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/mcp-engine"
)

func TestServerHandshake(t *testing.T) {
	srv := newTestServer(t)
	sessID := createSession(t, srv)

	resp := sendRequest(t, srv, sessID, mcp.MethodToolsList, nil)
	assertRPCError(t, resp, -32600, "Session not initialized")

	resp = sendRequest(t, srv, sessID, mcp.MethodPing, nil)
	if resp.Error != nil || string(resp.Result) != "{}" {
		t.Fatalf("ping before initialize = %+v, want empty result", resp)
	}

	resp = sendRequest(t, srv, sessID, mcp.MethodInitialize, map[string]any{
		"protocolVersion": "1999-01-01",
		"clientInfo":      mcp.Info{Name: "old-client", Version: "0.1"},
	})
	assertRPCError(t, resp, -32602, "Unsupported protocol version")
	if resp.Error.Data["requested"] != "1999-01-01" {
		t.Errorf("error data = %v, want the requested version", resp.Error.Data)
	}

	resp = sendRequest(t, srv, sessID, mcp.MethodInitialize, map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"clientInfo":      mcp.Info{Name: "test-client", Version: "1.0"},
	})
	var result mcp.InitializeResult
	decodeResult(t, resp, &result)
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("server name = %q, want %q", result.ServerInfo.Name, "test-server")
	}
	if result.Capabilities.Tools == nil {
		t.Error("tools capability not advertised")
	}
	if result.Instructions != "test instructions" {
		t.Errorf("instructions = %q", result.Instructions)
	}

	// Still Initializing until the notification arrives.
	resp = sendRequest(t, srv, sessID, mcp.MethodToolsList, nil)
	assertRPCError(t, resp, -32600, "Session not initialized")

	sendNotification(t, srv, sessID, mcp.MethodNotificationsInitialized, nil)

	resp = sendRequest(t, srv, sessID, mcp.MethodToolsList, nil)
	var tools mcp.ListToolsResult
	decodeResult(t, resp, &tools)
	if len(tools.Tools) != 3 {
		t.Errorf("got %d tools, want 3", len(tools.Tools))
	}
}

func TestServerDefaultsClientInfo(t *testing.T) {
	srv := newTestServer(t)
	sessID := createSession(t, srv)

	sendRequest(t, srv, sessID, mcp.MethodInitialize, map[string]any{"protocolVersion": mcp.ProtocolVersion})

	sess, _ := srv.Sessions().Get(sessID)
	if got := sess.ClientInfo(); got.Name != "UnknownClient" || got.Version != "UnknownVersion" {
		t.Errorf("ClientInfo() = %+v, want the unknown defaults", got)
	}
}

func TestServerRequestErrors(t *testing.T) {
	srv := newTestServer(t)
	sessID := readySession(t, srv)

	t.Run("method not found", func(t *testing.T) {
		resp := sendRequest(t, srv, sessID, "prompts/list", nil)
		assertRPCError(t, resp, -32601, "Method not found: prompts/list")
	})

	t.Run("wrong version", func(t *testing.T) {
		resp, ok := srv.HandleMessage(context.Background(), sessID, mcp.JSONRPCMessage{
			JSONRPC: "1.0",
			ID:      mcp.NewNumberID(1),
			Method:  mcp.MethodToolsList,
		})
		if !ok {
			t.Fatal("no response")
		}
		assertRPCError(t, resp, -32600, "Invalid JSON-RPC version")
	})

	t.Run("unknown session", func(t *testing.T) {
		resp := sendRequest(t, srv, "no-such-session", mcp.MethodToolsList, nil)
		assertRPCError(t, resp, -32600, "Session not found: no-such-session")
	})

	t.Run("id without method", func(t *testing.T) {
		resp, ok := srv.HandleMessage(context.Background(), sessID, mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      mcp.NewStringID("x"),
		})
		if !ok {
			t.Fatal("no response")
		}
		assertRPCError(t, resp, -32600, "Invalid request")
		if resp.ID != mcp.NewStringID("x") {
			t.Errorf("response id = %v, want the request id", resp.ID)
		}
	})

	t.Run("string id echoed", func(t *testing.T) {
		resp, _ := srv.HandleMessage(context.Background(), sessID, mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      mcp.NewStringID("42"),
			Method:  mcp.MethodPing,
		})
		bs, _ := json.Marshal(resp)
		if !strings.Contains(string(bs), `"id":"42"`) {
			t.Errorf("response %s does not echo the string id", bs)
		}
	})
}

func TestServerCallTool(t *testing.T) {
	srv := newTestServer(t)
	sessID := readySession(t, srv)

	tests := []struct {
		name      string
		params    any
		wantText  string
		wantError bool
		wantCode  int
	}{
		{
			name:     "object arguments",
			params:   map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}},
			wantText: "hi",
		},
		{
			name:     "string arguments",
			params:   map[string]any{"name": "echo", "arguments": `{"text":"from string"}`},
			wantText: "from string",
		},
		{
			name:     "absent arguments",
			params:   map[string]any{"name": "echo"},
			wantText: "",
		},
		{
			name:      "tool failure",
			params:    map[string]any{"name": "fail", "arguments": map[string]any{}},
			wantText:  "tool exploded",
			wantError: true,
		},
		{
			name:      "tool panic",
			params:    map[string]any{"name": "panic"},
			wantText:  "panicked",
			wantError: true,
		},
		{
			name:     "missing name",
			params:   map[string]any{"arguments": map[string]any{}},
			wantCode: -32602,
			wantText: "Missing 'name' parameter",
		},
		{
			name:     "unknown tool",
			params:   map[string]any{"name": "nope"},
			wantCode: -32602,
			wantText: "Tool not found: nope",
		},
		{
			name:     "array arguments",
			params:   map[string]any{"name": "echo", "arguments": []int{1}},
			wantCode: -32602,
			wantText: "Invalid arguments",
		},
		{
			name:     "malformed string arguments",
			params:   map[string]any{"name": "echo", "arguments": `{not json`},
			wantCode: -32602,
			wantText: "Invalid arguments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := sendRequest(t, srv, sessID, mcp.MethodToolsCall, tt.params)
			if tt.wantCode != 0 {
				assertRPCError(t, resp, tt.wantCode, tt.wantText)
				return
			}

			var result mcp.CallToolResult
			decodeResult(t, resp, &result)
			if result.IsError != tt.wantError {
				t.Fatalf("IsError = %v, want %v", result.IsError, tt.wantError)
			}
			if result.Content == nil {
				t.Fatal("content is null, want a list")
			}
			if tt.wantText != "" && (len(result.Content) == 0 || !strings.Contains(result.Content[0].Text, tt.wantText)) {
				t.Errorf("content = %+v, want text containing %q", result.Content, tt.wantText)
			}
		})
	}
}

func TestServerResources(t *testing.T) {
	var subscribed atomic.Value
	srv := newTestServer(t, mcp.WithResourceSubscriptionHandler(func(_ context.Context, sessionID, uri string) error {
		subscribed.Store(sessionID + " " + uri)
		return nil
	}))
	srv.RegisterResource(mcp.TextResource{URI: "memo://one", Name: "one", Text: "first"})
	srv.RegisterResource(mcp.BinaryResource{URI: "memo://two", Name: "two", Data: []byte{0x01, 0x02}})
	sessID := readySession(t, srv)

	resp := sendRequest(t, srv, sessID, mcp.MethodResourcesList, nil)
	var list mcp.ListResourcesResult
	decodeResult(t, resp, &list)
	if len(list.Resources) != 2 || list.Resources[0].URI != "memo://one" {
		t.Fatalf("resources = %+v, want both in registration order", list.Resources)
	}
	if list.NextCursor != nil {
		t.Errorf("nextCursor = %q without a cursor, want absent", *list.NextCursor)
	}

	resp = sendRequest(t, srv, sessID, mcp.MethodResourcesList, map[string]any{"cursor": "abc"})
	decodeResult(t, resp, &list)
	if list.NextCursor == nil || *list.NextCursor != "" {
		t.Errorf("nextCursor = %v with a cursor, want empty string", list.NextCursor)
	}

	resp = sendRequest(t, srv, sessID, mcp.MethodResourcesRead, map[string]any{"uri": "memo://one"})
	var read mcp.ReadResourceResult
	decodeResult(t, resp, &read)
	if len(read.Contents) != 1 || read.Contents[0].Text != "first" {
		t.Errorf("contents = %+v, want %q", read.Contents, "first")
	}

	resp = sendRequest(t, srv, sessID, mcp.MethodResourcesRead, map[string]any{"uri": "memo://two"})
	decodeResult(t, resp, &read)
	if len(read.Contents) != 1 || read.Contents[0].Blob != "AQI=" {
		t.Errorf("contents = %+v, want base64 blob", read.Contents)
	}

	resp = sendRequest(t, srv, sessID, mcp.MethodResourcesRead, map[string]any{"uri": "memo://missing"})
	assertRPCError(t, resp, -32602, "Resource not found: memo://missing")

	resp = sendRequest(t, srv, sessID, mcp.MethodResourcesRead, map[string]any{})
	assertRPCError(t, resp, -32602, "Missing 'uri' parameter")

	resp = sendRequest(t, srv, sessID, mcp.MethodResourcesSubscribe, map[string]any{"uri": "memo://one"})
	if resp.Error != nil {
		t.Fatalf("subscribe failed: %v", resp.Error)
	}
	if got, _ := subscribed.Load().(string); got != sessID+" memo://one" {
		t.Errorf("subscription hook got %q", got)
	}

	resp = sendRequest(t, srv, sessID, mcp.MethodResourcesTemplatesList, nil)
	var templates mcp.ListResourceTemplatesResult
	decodeResult(t, resp, &templates)
	if templates.Templates == nil || len(templates.Templates) != 0 {
		t.Errorf("templates = %v, want an empty list", templates.Templates)
	}
}

func TestServerRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := newTestServer(t, mcp.WithRequestTimeout(20*time.Millisecond))
	defer close(release)

	srv.RegisterMethod("slow", func(context.Context, string, json.RawMessage) (any, error) {
		<-release
		return "late", nil
	})
	sessID := readySession(t, srv)

	resp := sendRequest(t, srv, sessID, "slow", nil)
	assertRPCError(t, resp, -32603, "request timed out")
}

func TestServerRequestCancelled(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	srv := newTestServer(t)
	defer close(release)

	srv.RegisterMethod("slow", func(context.Context, string, json.RawMessage) (any, error) {
		close(started)
		<-release
		return "late", nil
	})
	sessID := readySession(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	resp, ok := srv.HandleMessage(ctx, sessID, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewNumberID(requestSeq.Add(1)),
		Method:  "slow",
	})
	if !ok {
		t.Fatal("slow: no response")
	}
	assertRPCError(t, resp, -32603, "request cancelled")
	if strings.Contains(resp.Error.Message, "timed out") {
		t.Errorf("error message = %q, cancellation reported as a timeout", resp.Error.Message)
	}
}

func TestServerMethodHandlerError(t *testing.T) {
	srv := newTestServer(t)
	srv.RegisterMethod("custom/fail", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, errors.New("backend unavailable")
	})
	srv.RegisterMethod("custom/params", func(context.Context, string, json.RawMessage) (any, error) {
		return nil, mcp.NewProtocolError(mcp.ErrKindInvalidParams, "bad input")
	})
	sessID := readySession(t, srv)

	resp := sendRequest(t, srv, sessID, "custom/fail", nil)
	assertRPCError(t, resp, -32603, "Internal error: backend unavailable")

	resp = sendRequest(t, srv, sessID, "custom/params", nil)
	assertRPCError(t, resp, -32602, "bad input")
}

func TestServerNotificationHandler(t *testing.T) {
	srv := newTestServer(t)
	got := make(chan string, 2)
	srv.RegisterNotification("notifications/cancelled", func(_ context.Context, sessionID string, _ json.RawMessage) {
		got <- sessionID
	})
	sessID := createSession(t, srv)

	// Dropped before the handshake completes.
	sendNotification(t, srv, sessID, "notifications/cancelled", nil)

	initialize(t, srv, sessID)
	sendNotification(t, srv, sessID, "notifications/cancelled", nil)

	select {
	case id := <-got:
		if id != sessID {
			t.Errorf("handler got session %q, want %q", id, sessID)
		}
	case <-time.After(time.Second):
		t.Fatal("notification handler not called")
	}
	select {
	case <-got:
		t.Error("notification before initialization was dispatched")
	default:
	}
}

func TestServerNotifyAndRequest(t *testing.T) {
	srv := newTestServer(t)
	sessID := readySession(t, srv)
	sess, _ := srv.Sessions().Get(sessID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := srv.Notify(ctx, sessID, "notifications/resources/updated", map[string]string{"uri": "memo://one"}); err != nil {
		t.Fatalf("Notify() failed: %v", err)
	}
	frame, _, err := sess.Mailbox().WaitNext(ctx)
	if err != nil {
		t.Fatalf("WaitNext() failed: %v", err)
	}
	if frame.Event != "message" || !strings.Contains(frame.Data, `"method":"notifications/resources/updated"`) {
		t.Errorf("frame = %+v, want the notification", frame)
	}

	result := make(chan json.RawMessage, 1)
	errs := make(chan error, 1)
	go func() {
		raw, err := srv.Request(ctx, sessID, "roots/list", nil)
		if err != nil {
			errs <- err
			return
		}
		result <- raw
	}()

	frame, _, err = sess.Mailbox().WaitNext(ctx)
	if err != nil {
		t.Fatalf("WaitNext() failed: %v", err)
	}
	var req mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(frame.Data), &req); err != nil {
		t.Fatalf("failed to unmarshal request: %v", err)
	}
	if req.Method != "roots/list" || !strings.HasPrefix(req.ID.String(), "srv-") {
		t.Fatalf("request = %+v, want roots/list with a server id", req)
	}

	_, ok := srv.HandleMessage(ctx, sessID, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      req.ID,
		Result:  json.RawMessage(`{"roots":[]}`),
	})
	if ok {
		t.Error("a response produced a reply")
	}

	select {
	case raw := <-result:
		if string(raw) != `{"roots":[]}` {
			t.Errorf("Request() = %s", raw)
		}
	case err := <-errs:
		t.Fatalf("Request() failed: %v", err)
	case <-ctx.Done():
		t.Fatal("Request() never returned")
	}

	if err := srv.Notify(ctx, "missing", "x", nil); !errors.Is(err, mcp.ErrSessionNotFound) {
		t.Errorf("Notify() to an unknown session = %v, want ErrSessionNotFound", err)
	}
}

func TestServerRequestAnsweredByOtherSession(t *testing.T) {
	srv := newTestServer(t)
	target := readySession(t, srv)
	other := readySession(t, srv)
	sess, _ := srv.Sessions().Get(target)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := make(chan json.RawMessage, 1)
	errs := make(chan error, 1)
	go func() {
		raw, err := srv.Request(ctx, target, "roots/list", nil)
		if err != nil {
			errs <- err
			return
		}
		result <- raw
	}()

	frame, _, err := sess.Mailbox().WaitNext(ctx)
	if err != nil {
		t.Fatalf("WaitNext() failed: %v", err)
	}
	var req mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(frame.Data), &req); err != nil {
		t.Fatalf("failed to unmarshal request: %v", err)
	}

	srv.HandleMessage(ctx, other, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      req.ID,
		Result:  json.RawMessage(`{"forged":true}`),
	})

	select {
	case raw := <-result:
		t.Fatalf("Request() resolved by another session with %s", raw)
	case err := <-errs:
		t.Fatalf("Request() failed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	srv.HandleMessage(ctx, target, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      req.ID,
		Result:  json.RawMessage(`{"roots":[]}`),
	})

	select {
	case raw := <-result:
		if string(raw) != `{"roots":[]}` {
			t.Errorf("Request() = %s, want the target session's answer", raw)
		}
	case err := <-errs:
		t.Fatalf("Request() failed: %v", err)
	case <-ctx.Done():
		t.Fatal("Request() never returned")
	}
}

func TestServerShutdown(t *testing.T) {
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, mcp.WithWorkers(1))
	sessID := createSession(t, srv)
	sess, _ := srv.Sessions().Get(sessID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() failed: %v", err)
	}

	select {
	case <-sess.Done():
	default:
		t.Error("session still open after Shutdown")
	}
	if _, err := srv.Sessions().Create(); !errors.Is(err, mcp.ErrShuttingDown) {
		t.Errorf("Create() after Shutdown = %v, want ErrShuttingDown", err)
	}
}

func newTestServer(t *testing.T, opts ...mcp.ServerOption) *mcp.Server {
	t.Helper()

	opts = append([]mcp.ServerOption{
		mcp.WithWorkers(2),
		mcp.WithInstructions("test instructions"),
	}, opts...)
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"}, opts...)

	srv.RegisterTool(mcp.NewTool("echo").WithString("text", "Text to echo", false).Build(),
		func(_ context.Context, _ string, args json.RawMessage) ([]mcp.Content, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return []mcp.Content{{Type: mcp.ContentTypeText, Text: in.Text}}, nil
		})
	srv.RegisterTool(mcp.NewTool("fail").Build(),
		func(context.Context, string, json.RawMessage) ([]mcp.Content, error) {
			return nil, errors.New("tool exploded")
		})
	srv.RegisterTool(mcp.NewTool("panic").Build(),
		func(context.Context, string, json.RawMessage) ([]mcp.Content, error) {
			panic("unexpected state")
		})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func createSession(t *testing.T, srv *mcp.Server) string {
	t.Helper()

	sess, err := srv.Sessions().Create()
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return sess.ID()
}

func readySession(t *testing.T, srv *mcp.Server) string {
	t.Helper()

	sessID := createSession(t, srv)
	initialize(t, srv, sessID)
	return sessID
}

func initialize(t *testing.T, srv *mcp.Server, sessID string) {
	t.Helper()

	resp := sendRequest(t, srv, sessID, mcp.MethodInitialize, map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"clientInfo":      mcp.Info{Name: "test-client", Version: "1.0"},
	})
	if resp.Error != nil {
		t.Fatalf("initialize failed: %v", resp.Error)
	}
	sendNotification(t, srv, sessID, mcp.MethodNotificationInitialized, nil)
	if !srv.Sessions().IsInitialized(sessID) {
		t.Fatal("session not ready after the handshake")
	}
}

var requestSeq atomic.Int64

func sendRequest(t *testing.T, srv *mcp.Server, sessID, method string, params any) mcp.JSONRPCMessage {
	t.Helper()

	resp, ok := srv.HandleMessage(context.Background(), sessID, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewNumberID(requestSeq.Add(1)),
		Method:  method,
		Params:  mustMarshal(t, params),
	})
	if !ok {
		t.Fatalf("%s: no response", method)
	}
	return resp
}

func sendNotification(t *testing.T, srv *mcp.Server, sessID, method string, params any) {
	t.Helper()

	if _, ok := srv.HandleMessage(context.Background(), sessID, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  method,
		Params:  mustMarshal(t, params),
	}); ok {
		t.Fatalf("%s: notification produced a response", method)
	}
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()

	if v == nil {
		return nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return bs
}

func decodeResult(t *testing.T, resp mcp.JSONRPCMessage, v any) {
	t.Helper()

	if resp.Error != nil {
		t.Fatalf("unexpected error response: %v", resp.Error)
	}
	if err := json.Unmarshal(resp.Result, v); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
}

func assertRPCError(t *testing.T, resp mcp.JSONRPCMessage, code int, contains string) {
	t.Helper()

	if resp.Error == nil {
		t.Fatalf("expected error %d, got result %s", code, resp.Result)
	}
	if resp.Error.Code != code {
		t.Errorf("error code = %d, want %d (message %q)", resp.Error.Code, code, resp.Error.Message)
	}
	if !strings.Contains(resp.Error.Message, contains) {
		t.Errorf("error message = %q, want it to contain %q", resp.Error.Message, contains)
	}
}
