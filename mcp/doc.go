// Package mcp contains the protocol data types and constants a Model Context
// Protocol client exchanges with servers. It mirrors the wire representation
// specified by the protocol while keeping the surface Go-friendly (exported
// structs with json tags, string constants for method names and
// enumerations).
//
// The package is intentionally free of transport logic: the stdio package
// frames and correlates JSON-RPC messages, and the root mcpclient package
// pairs these types with the methods that carry them. Only the subset of the
// protocol a client sends or receives is modeled here; server-side surfaces
// such as sampling and elicitation are out of scope.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Using the constants avoids typographical mistakes
// and ensures a single point of truth if the spec evolves.
//
// # Pagination
//
// List operations use cursor-based pagination. PaginatedRequest and
// PaginatedResult are embedded in request / result envelopes to keep the
// core list types clean while offering forward-compatible metadata via
// BaseMetadata.
package mcp
