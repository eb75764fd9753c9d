package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/mcp-engine"
)

// TestHelperProcess is not a real test. It is the child process started by the StdIOClient
// tests, selected with GO_WANT_HELPER_PROCESS.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("HELPER_MODE") {
	case "exit":
		os.Exit(3)
	case "silent":
		_, _ = io.Copy(io.Discard, os.Stdin)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		// Keep running after stdin closes so only SIGKILL ends the process.
		_, _ = io.Copy(io.Discard, os.Stdin)
		time.Sleep(time.Minute)
	case "noisy":
		fmt.Println("starting up, not JSON")
		serveHelper()
	case "notify":
		fmt.Println(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`)
		serveHelper()
	default:
		serveHelper()
	}
	os.Exit(0)
}

func serveHelper() {
	srv := mcp.NewServer(mcp.Info{Name: "helper-server", Version: "1.0"})
	srv.RegisterTool(mcp.NewTool("echo").WithString("text", "", true).Build(),
		func(_ context.Context, _ string, args json.RawMessage) ([]mcp.Content, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return []mcp.Content{{Type: mcp.ContentTypeText, Text: in.Text}}, nil
		})
	if err := srv.ServeStdIO(context.Background(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func helperClient(mode string, opts ...mcp.StdIOClientOption) *mcp.StdIOClient {
	opts = append([]mcp.StdIOClientOption{
		mcp.WithEnv(map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HELPER_MODE":            mode,
		}),
		mcp.WithStderr(io.Discard),
	}, opts...)
	return mcp.NewStdIOClient(os.Args[0], []string{"-test.run=TestHelperProcess", "--"}, opts...)
}

func TestStdIOClientRoundTrip(t *testing.T) {
	for _, mode := range []string{"serve", "noisy"} {
		t.Run(mode, func(t *testing.T) {
			transport := helperClient(mode)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := transport.Start(ctx); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}
			if transport.State() != mcp.ProcessRunning {
				t.Fatalf("State() = %v, want %v", transport.State(), mcp.ProcessRunning)
			}
			if err := transport.Start(ctx); !errors.Is(err, mcp.ErrAlreadyStarted) {
				t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
			}

			client := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, transport)
			result, err := client.Initialize(ctx)
			if err != nil {
				t.Fatalf("Initialize() failed: %v", err)
			}
			if result.ServerInfo.Name != "helper-server" {
				t.Errorf("server name = %q, want %q", result.ServerInfo.Name, "helper-server")
			}

			res, err := client.CallTool(ctx, mcp.CallToolParams{Name: "echo", Arguments: json.RawMessage(`{"text":"over stdio"}`)})
			if err != nil {
				t.Fatalf("CallTool() failed: %v", err)
			}
			if len(res.Content) != 1 || res.Content[0].Text != "over stdio" {
				t.Errorf("CallTool() = %+v", res)
			}

			if err := client.Close(); err != nil {
				t.Errorf("Close() failed: %v", err)
			}
			if transport.State() != mcp.ProcessStopped {
				t.Errorf("State() after Close = %v, want %v", transport.State(), mcp.ProcessStopped)
			}
			if _, err := transport.Call(ctx, mcp.MethodPing, nil); !errors.Is(err, mcp.ErrNotRunning) {
				t.Errorf("Call() after Close = %v, want ErrNotRunning", err)
			}
		})
	}
}

func TestStdIOClientSlowHandler(t *testing.T) {
	release := make(chan struct{})
	received := make(chan string, 1)
	transport := helperClient("notify", mcp.WithStdIOClientHandler(func(msg mcp.JSONRPCMessage) {
		received <- msg.Method
		<-release
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := transport.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	client := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, transport)
	defer client.Close()
	defer close(release)

	select {
	case method := <-received:
		if method != "notifications/message" {
			t.Errorf("handler got %q, want notifications/message", method)
		}
	case <-ctx.Done():
		t.Fatal("handler never received the notification")
	}

	// The handler is still blocked here.
	if _, err := client.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	res, err := client.CallTool(ctx, mcp.CallToolParams{Name: "echo", Arguments: json.RawMessage(`{"text":"not stalled"}`)})
	if err != nil {
		t.Fatalf("CallTool() failed: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "not stalled" {
		t.Errorf("CallTool() = %+v", res)
	}
}

func TestStdIOClientProcessExited(t *testing.T) {
	transport := helperClient("exit", mcp.WithStartupCheck(2*time.Second))

	err := transport.Start(context.Background())
	if !errors.Is(err, mcp.ErrProcessExited) {
		t.Fatalf("Start() = %v, want ErrProcessExited", err)
	}
	if transport.State() != mcp.ProcessStopped {
		t.Errorf("State() = %v, want %v", transport.State(), mcp.ProcessStopped)
	}
}

func TestStdIOClientStartCommandNotFound(t *testing.T) {
	transport := mcp.NewStdIOClient("/nonexistent/mcp-server", nil)
	if err := transport.Start(context.Background()); err == nil {
		t.Fatal("Start() of a missing binary succeeded")
	}
	if transport.State() != mcp.ProcessStopped {
		t.Errorf("State() = %v, want %v", transport.State(), mcp.ProcessStopped)
	}
}

func TestStdIOClientRequestTimeout(t *testing.T) {
	transport := helperClient("silent", mcp.WithStdIORequestTimeout(50*time.Millisecond))
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer transport.Close()

	_, err := transport.Call(context.Background(), mcp.MethodPing, nil)
	if !errors.Is(err, mcp.ErrRequestTimeout) {
		t.Fatalf("Call() = %v, want ErrRequestTimeout", err)
	}
	if transport.Pending() != 0 {
		t.Errorf("Pending() = %d after timeout, want 0", transport.Pending())
	}
}

func TestStdIOClientStopFailsPendingCalls(t *testing.T) {
	transport := helperClient("silent")
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := transport.Call(context.Background(), mcp.MethodPing, nil)
		errs <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for transport.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := transport.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, mcp.ErrTransportClosed) {
			t.Errorf("pending Call() = %v, want ErrTransportClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Call() not failed by Stop")
	}
}

func TestStdIOClientKillsStubbornProcess(t *testing.T) {
	transport := helperClient("ignore-term", mcp.WithStopGrace(100*time.Millisecond))
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	start := time.Now()
	if err := transport.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Stop() returned after %v, before the grace period", elapsed)
	}
	if transport.State() != mcp.ProcessStopped {
		t.Errorf("State() = %v, want %v", transport.State(), mcp.ProcessStopped)
	}
	if err := transport.Stop(); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}
}

func TestServeStdIO(t *testing.T) {
	srv := newTestServer(t)

	clientReader, serverWriter := io.Pipe()
	serverReader, clientWriter := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- srv.ServeStdIO(context.Background(), serverReader, serverWriter)
		serverWriter.Close()
	}()

	lines := bufio.NewScanner(clientReader)
	exchange := func(line string) mcp.JSONRPCMessage {
		t.Helper()

		if _, err := io.WriteString(clientWriter, line+"\n"); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
		if !lines.Scan() {
			t.Fatalf("no response to %s: %v", line, lines.Err())
		}
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal(lines.Bytes(), &msg); err != nil {
			t.Fatalf("failed to unmarshal %s: %v", lines.Text(), err)
		}
		return msg
	}

	resp := exchange(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`)
	if resp.Error != nil || resp.ID != mcp.NewNumberID(1) {
		t.Fatalf("initialize = %+v", resp)
	}

	if _, err := io.WriteString(clientWriter, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n"); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	resp = exchange(`{"jsonrpc":"2.0","id":"two","method":"tools/call","params":{"name":"echo","arguments":"{\"text\":\"piped\"}"}}`)
	var result mcp.CallToolResult
	decodeResult(t, resp, &result)
	if resp.ID != mcp.NewStringID("two") || len(result.Content) != 1 || result.Content[0].Text != "piped" {
		t.Errorf("tools/call = %+v, result %+v", resp, result)
	}

	if _, err := io.WriteString(clientWriter, "this is not json\n"); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if !lines.Scan() {
		t.Fatal("no response to malformed line")
	}
	raw := lines.Text()
	if !strings.Contains(raw, `"id":null`) || !strings.Contains(raw, `"code":-32700`) {
		t.Errorf("parse error response = %s", raw)
	}

	clientWriter.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeStdIO() = %v, want nil at end of input", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ServeStdIO() did not return at end of input")
	}
	if srv.Sessions().Len() != 0 {
		t.Errorf("Len() = %d after ServeStdIO, want 0", srv.Sessions().Len())
	}
}
