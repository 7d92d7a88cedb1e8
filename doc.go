// Package toolrpc implements a minimal tool-invocation RPC protocol in the style of the
// Model Context Protocol (MCP). A server exposes a set of named tools, each described by
// a JSON Schema for its arguments; a client discovers the tools, invokes them with
// structured arguments, and receives structured results.
//
// The protocol engine is transport-agnostic. Two interchangeable transports are provided:
// a raw bidirectional socket carrying newline-delimited JSON messages, and an HTTP
// request/Server-Sent-Events pair carrying the same logical message shape. Both present
// the identical Session abstraction to the engine, so the same client and server code
// runs over either.
package toolrpc
