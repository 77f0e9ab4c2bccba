// Package mcp implements a bidirectional session engine for the Model Context Protocol (MCP):
// JSON-RPC 2.0 messages exchanged between one client and one server over a single logical
// session, with either side able to issue requests to the other.
//
// A Server serves a Registry of tools, prompts and resources. Every session the transport
// yields gets its own request dispatcher, notification bus and resource subscription table, and
// moves through the Created, Initialized and Closed states. A Client connects over a
// ClientTransport, performs the initialize handshake and issues typed requests.
//
// Each request receives exactly one response. A peer may cancel a request it sent with
// notifications/cancelled; handlers observe cancellation through their context or Call, and a
// cancelled request is always answered with a Cancelled error. Protocol errors carry an
// ErrorTag in their data so callers can branch on them with ErrorTagOf.
//
// Two transports are provided: StdIO frames messages as JSON lines over a reader and writer,
// and SSEServer/SSEClient stream server messages over Server-Sent Events while the client POSTs
// its messages to an endpoint identified by a sessionID query parameter.
package mcp
