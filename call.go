package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Call is the handle a capability handler receives for the request it serves. It exposes the
// request's cancellation token and the session's notification and sampling machinery.
//
// Cancellation is cooperative: a handler that performs several steps should call Checkpoint
// between them and return its error. A handler that never checks runs to completion, but its
// result is still replaced by a Cancelled error.
type Call struct {
	// ID is the id of the request being served.
	ID RequestID
	// Method is the request method, e.g. "tools/call".
	Method string
	// ProgressToken is the token from the request's _meta, zero when the caller did not ask
	// for progress.
	ProgressToken ProgressToken

	ctx     context.Context
	pending *pendingRequest
	session *serverSession
}

// SessionID returns the id of the session the request arrived on.
func (c *Call) SessionID() string {
	return c.session.id
}

// Cancelled reports whether the caller cancelled the request or the session is closing.
func (c *Call) Cancelled() bool {
	return c.pending.cancelled.Load() || c.ctx.Err() != nil
}

// Checkpoint returns a Cancelled error once the request has been cancelled, and nil otherwise.
func (c *Call) Checkpoint() error {
	if c.Cancelled() {
		return Errorf(TagCancelled, "request %s cancelled", c.ID)
	}
	return nil
}

// ReportProgress emits a progress notification correlated by the request's progress token. It is
// a no-op when the request carried no token. Progress reported before the handler returns is
// written before the response.
func (c *Call) ReportProgress(progress, total float64) {
	if c.ProgressToken.IsZero() {
		return
	}
	c.session.bus.Emit(TopicProgress, ProgressParams{
		ProgressToken: c.ProgressToken,
		Progress:      progress,
		Total:         total,
	})
}

// NotifyResourceUpdated tells the client that uri changed, if the client is subscribed to it.
func (c *Call) NotifyResourceUpdated(uri string) {
	c.session.bus.Emit(TopicResourceUpdated, uri)
}

// Log sends a notifications/message to the client when level passes the level it set.
func (c *Call) Log(level LogLevel, logger string, data any) {
	c.session.bus.Emit(TopicLog, LogParams{
		Level:  level,
		Logger: logger,
		Data:   logData(data),
	})
}

// CreateMessage asks the client to sample a model. The request travels over the same session
// and is correlated like any other request; cancelling ctx cancels it on the client too.
func (c *Call) CreateMessage(ctx context.Context, params SamplingParams) (SamplingResult, error) {
	if !c.session.clientDeclares(CapabilitySampling) {
		return SamplingResult{}, Errorf(TagCapabilityNotDeclared, "client did not declare the sampling capability")
	}
	raw, err := c.session.dispatcher.request(ctx, MethodSamplingCreateMessage, params)
	if err != nil {
		return SamplingResult{}, fmt.Errorf("failed to create message: %w", err)
	}
	var result SamplingResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return SamplingResult{}, fmt.Errorf("failed to unmarshal sampling result: %w", err)
	}
	return result, nil
}
