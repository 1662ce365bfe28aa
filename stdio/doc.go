// Package stdio implements a JSON-RPC 2.0 client over the standard
// input/output streams of a server child process. It is intended for driving
// MCP servers (or any newline-delimited JSON-RPC peer) that are spawned as
// subprocesses rather than reached over the network.
//
// Characteristics
//
//	Connection model : 1 client <-> 1 child process
//	Framing          : one JSON-RPC message per line, UTF-8, newline-delimited
//	Correlation      : background read loop demultiplexes responses by id
//	Stderr           : drained separately and forwarded to the logger
//
// Lines that are not valid JSON, and responses whose id matches no
// outstanding call, are dropped without interrupting the read loop. A
// discard sink can be installed to observe dropped lines in tests or
// diagnostics without changing control flow.
//
// Example:
//
//	c, err := stdio.StartCommand(ctx, stdio.Command{Path: "my-mcp-server"})
//	if err != nil { log.Fatal(err) }
//	defer c.Close()
//	resp, err := c.Call(ctx, "tools/list", struct{}{})
//
// Higher-level MCP semantics (the initialize handshake, typed requests and
// results) live in the root mcpclient package; this package is transport and
// correlation only.
package stdio
