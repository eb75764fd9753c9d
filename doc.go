// Package mcp implements a Model Context Protocol (MCP) tool-invocation engine: a JSON-RPC 2.0
// server that exposes tools and resources over HTTP with Server-Sent Events or over a line
// oriented stdio stream, and the matching clients.
//
// A Server owns a SessionManager, a WorkerPool and a registry of methods. Each Session has a
// Mailbox that orders the frames delivered to its client: responses keep their order and
// heartbeats coalesce. Handlers run on the pool with a bounded wait, so a slow tool never
// blocks the transport.
//
//	srv := mcp.NewServer(mcp.Info{Name: "demo", Version: "1.0"})
//	srv.RegisterTool(mcp.NewTool("echo").WithString("text", "", true).Build(), echo)
//	err := mcp.NewSSEServer(srv).Serve(ctx, ":8080")
//
// On the client side, StdIOClient starts a server as a subprocess and SSEClient connects to an
// event stream. Both correlate responses to requests through PendingRequests and plug into
// Client, which performs the initialize handshake.
package mcp
