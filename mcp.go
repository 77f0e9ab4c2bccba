package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as they are initiated.
	// Each yielded Session represents a unique client connection. The implementation must
	// guarantee that each session ID is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown releases the transport. The caller stops every Session it received before calling
	// this method, and calls it only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// StartSession connects to the server and returns the session once it is ready to send.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional communication channel between server and client.
//
// Send must be safe for concurrent use, and must return only after the message was handed to
// the underlying stream, so that two sequential Sends from one goroutine arrive in order.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the other party.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the other party. The
	// iteration ends when the stream ends or the session is stopped. Malformed input is logged
	// and skipped by the implementation.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller guarantees to call it once.
	Stop()
}

// SamplingHandler generates a model response for a sampling/createMessage request sent by the
// server. A client that has one declares the sampling capability.
type SamplingHandler interface {
	CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error)
}

// SamplingHandlerFunc adapts a function to SamplingHandler.
type SamplingHandlerFunc func(ctx context.Context, params SamplingParams) (SamplingResult, error)

// PromptListWatcher is notified when the server's prompt list changes.
type PromptListWatcher interface {
	OnPromptListChanged()
}

// ResourceListWatcher is notified when the server's resource list changes.
type ResourceListWatcher interface {
	OnResourceListChanged()
}

// ResourceSubscribedWatcher is notified when a subscribed resource changes.
type ResourceSubscribedWatcher interface {
	OnResourceSubscribedChanged(uri string)
}

// ToolListWatcher is notified when the server's tool list changes.
type ToolListWatcher interface {
	OnToolListChanged()
}

// ProgressListener receives progress updates for requests that carried a progress token.
type ProgressListener interface {
	OnProgress(params ProgressParams)
}

// LogReceiver receives log messages emitted by the server.
type LogReceiver interface {
	OnLog(params LogParams)
}

// CreateSampleMessage implements SamplingHandler.
func (f SamplingHandlerFunc) CreateSampleMessage(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	return f(ctx, params)
}
