// Package mcpclient connects to Model Context Protocol servers that speak
// newline-delimited JSON-RPC over stdio, typically as child processes owned
// by the client.
//
// Dial spawns a server process and performs the MCP handshake. Session then
// exposes typed wrappers for the protocol's client-initiated operations:
//
//	sess, err := mcpclient.Dial(ctx,
//	    stdio.Command{Path: "my-mcp-server", Args: []string{"/path/to/project"}},
//	    mcp.ImplementationInfo{Name: "my-client", Version: "1.0"},
//	)
//	if err != nil { log.Fatal(err) }
//	defer sess.Close()
//
//	tools, err := sess.ListTools(ctx, "")
//	contents, err := sess.ReadResource(ctx, "mcp://example/status")
//
// A JSON-RPC error response is returned to the caller as a *jsonrpc.Error
// (via errors.As); it is a normal negative outcome of a call, distinct from
// transport faults like a broken pipe or the child exiting, which surface as
// wrapped write errors or stdio.ErrNoResponse.
//
// The stdio package underneath can be used directly when only raw
// call/notify correlation is needed.
package mcpclient
