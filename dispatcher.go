package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// requestRouter answers one inbound request. It runs on its own goroutine; ctx is cancelled when
// the peer cancels the request or the session closes.
type requestRouter func(ctx context.Context, req *pendingRequest, msg JSONRPCMessage) (any, error)

// dispatcher correlates requests and responses over one Session. It does not care which side of
// the connection it serves: the server uses it for client requests and for its own sampling and
// ping requests, the client uses it for its calls and for server-initiated requests.
type dispatcher struct {
	session     Session
	logger      *slog.Logger
	sendTimeout time.Duration

	route          requestRouter
	onNotification func(JSONRPCMessage)
	onFailure      func(method string, err error)

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	inbound  map[RequestID]*pendingRequest
	outbound map[RequestID]chan JSONRPCMessage
	closing  bool
	closed   bool

	inflight sync.WaitGroup
}

// pendingRequest lives from the moment an inbound request is accepted until just before its
// response is written.
type pendingRequest struct {
	id     RequestID
	method string
	cancel context.CancelFunc
	// cancelled is flipped at most once, by the dispatcher. Once set, the response is Cancelled
	// whatever the handler returns.
	cancelled atomic.Bool
	// answered guards the single response: whoever flips it first writes it.
	answered atomic.Bool
}

func newDispatcher(session Session, logger *slog.Logger, sendTimeout time.Duration, route requestRouter) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		session:     session,
		logger:      logger,
		sendTimeout: sendTimeout,
		route:       route,
		baseCtx:     ctx,
		baseCancel:  cancel,
		inbound:     make(map[RequestID]*pendingRequest),
		outbound:    make(map[RequestID]chan JSONRPCMessage),
	}
}

// handleMessage routes one decoded message. It is called from the session's read loop and never
// blocks on a handler.
func (d *dispatcher) handleMessage(msg JSONRPCMessage) {
	switch msg.Kind() {
	case KindRequest:
		d.handleRequest(msg)
	case KindResponse:
		d.handleResponse(msg)
	case KindNotification:
		if msg.Method == MethodNotificationsCancelled {
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				d.logger.Warn("failed to unmarshal cancelled params", slog.String("err", err.Error()))
				return
			}
			d.cancel(params.RequestID, params.Reason)
			return
		}
		if d.onNotification != nil {
			d.onNotification(msg)
		}
	case KindInvalid:
		d.logger.Warn("dropping invalid message",
			slog.String("jsonrpc", msg.JSONRPC),
			slog.String("id", msg.ID.String()),
			slog.String("method", msg.Method))
	}
}

func (d *dispatcher) handleRequest(msg JSONRPCMessage) {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		d.respond(msg.ID, msg.Method, nil, Errorf(TagCancelled, "session is shutting down"))
		return
	}
	if _, ok := d.inbound[msg.ID]; ok {
		d.mu.Unlock()
		d.logger.Warn("dropping request with an id already in flight",
			slog.String("id", msg.ID.String()),
			slog.String("method", msg.Method))
		return
	}
	ctx, cancel := context.WithCancel(d.baseCtx)
	p := &pendingRequest{id: msg.ID, method: msg.Method, cancel: cancel}
	d.inbound[msg.ID] = p
	d.inflight.Add(1)
	d.mu.Unlock()

	go d.run(ctx, p, msg)
}

func (d *dispatcher) run(ctx context.Context, p *pendingRequest, msg JSONRPCMessage) {
	defer d.inflight.Done()
	defer p.cancel()

	result, err := d.invoke(ctx, p, msg)

	d.mu.Lock()
	delete(d.inbound, p.id)
	cancelled := p.cancelled.Load()
	d.mu.Unlock()

	if cancelled {
		result, err = nil, Errorf(TagCancelled, "request %s cancelled", p.id)
	}
	if !p.answered.CompareAndSwap(false, true) {
		return
	}
	d.respond(p.id, p.method, result, err)
}

func (d *dispatcher) invoke(ctx context.Context, p *pendingRequest, msg JSONRPCMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				slog.String("method", msg.Method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result, err = nil, Errorf(TagHandlerFailure, "panic: %v", r)
		}
	}()
	return d.route(ctx, p, msg)
}

func (d *dispatcher) respond(id RequestID, method string, result any, err error) {
	res := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
	}
	if err == nil {
		if result == nil {
			result = struct{}{}
		}
		bs, mErr := json.Marshal(result)
		if mErr != nil {
			err = Errorf(TagHandlerFailure, "failed to marshal result: %v", mErr)
		} else {
			res.Result = bs
		}
	}
	if err != nil {
		res.Error = toJSONRPCError(err)
		if res.Error.Tag() == TagHandlerFailure && d.onFailure != nil {
			d.onFailure(method, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.session.Send(ctx, res); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			d.logger.Debug("session closed, dropping response", slog.String("id", id.String()))
			return
		}
		d.logger.Error("failed to send response",
			slog.String("id", id.String()),
			slog.String("method", method),
			slog.String("err", err.Error()))
	}
}

// cancel flips the cancellation of an inbound request. Unknown ids are ignored: the request may
// already have been answered.
func (d *dispatcher) cancel(id RequestID, reason string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.inbound[id]
	if !ok {
		d.logger.Debug("cancel for unknown request", slog.String("id", id.String()))
		return false
	}
	if !p.cancelled.CompareAndSwap(false, true) {
		return false
	}
	d.logger.Debug("request cancelled",
		slog.String("id", id.String()),
		slog.String("method", p.method),
		slog.String("reason", reason))
	p.cancel()
	return true
}

func (d *dispatcher) cancelAll(reason string) {
	d.mu.Lock()
	ids := make([]RequestID, 0, len(d.inbound))
	for id := range d.inbound {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.cancel(id, reason)
	}
}

func (d *dispatcher) handleResponse(msg JSONRPCMessage) {
	d.mu.Lock()
	ch, ok := d.outbound[msg.ID]
	delete(d.outbound, msg.ID)
	d.mu.Unlock()

	if !ok {
		d.logger.Warn("discarding response with unknown id", slog.String("id", msg.ID.String()))
		return
	}
	ch <- msg
}

// request sends a request to the peer and waits for its response. When ctx ends first, the peer
// is told to cancel and the returned error is tagged Cancelled and wraps ctx.Err().
func (d *dispatcher) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := NewStringID(uuid.New().String())
	msg, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	results := make(chan JSONRPCMessage, 1)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrSessionClosed
	}
	d.outbound[id] = results
	d.mu.Unlock()

	if err := d.session.Send(ctx, msg); err != nil {
		d.forget(id)
		return nil, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case <-ctx.Done():
		d.forget(id)
		d.notifyCancelled(id, ctx.Err())
		return nil, fmt.Errorf("%w: %w", Errorf(TagCancelled, "%s request cancelled", method), ctx.Err())
	case res, ok := <-results:
		if !ok {
			return nil, ErrSessionClosed
		}
		if res.Error != nil {
			return nil, *res.Error
		}
		return res.Result, nil
	}
}

func (d *dispatcher) forget(id RequestID) {
	d.mu.Lock()
	delete(d.outbound, id)
	d.mu.Unlock()
}

func (d *dispatcher) notifyCancelled(id RequestID, cause error) {
	reason := userCancelledReason
	if errors.Is(cause, context.DeadlineExceeded) {
		reason = "request timed out"
	}
	msg, err := newNotification(MethodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    reason,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.session.Send(ctx, msg); err != nil {
		d.logger.Warn("failed to send cancellation", slog.String("id", id.String()), slog.String("err", err.Error()))
	}
}

// notify sends a notification that is not tied to any topic of the bus, such as
// notifications/initialized.
func (d *dispatcher) notify(ctx context.Context, method string, params any) error {
	msg, err := newNotification(method, params)
	if err != nil {
		return err
	}
	return d.session.Send(ctx, msg)
}

// drain stops accepting requests and waits for in-flight ones. When ctx ends first, the remaining
// requests are cancelled and ctx.Err() is returned; handlers that ignore cancellation keep
// running in the background, and close answers their requests for them.
func (d *dispatcher) drain(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.cancelAll("shutdown")
		return ctx.Err()
	}
}

// close fails every outstanding outbound request with ErrSessionClosed, cancels every inbound
// one and answers those that are still unanswered with Cancelled. It is idempotent.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.closing = true
	for id, ch := range d.outbound {
		close(ch)
		delete(d.outbound, id)
	}
	pending := make([]*pendingRequest, 0, len(d.inbound))
	for _, p := range d.inbound {
		p.cancelled.CompareAndSwap(false, true)
		pending = append(pending, p)
	}
	d.mu.Unlock()

	d.baseCancel()

	for _, p := range pending {
		if p.answered.CompareAndSwap(false, true) {
			d.respond(p.id, p.method, nil, Errorf(TagCancelled, "session is closing"))
		}
	}
}

func (d *dispatcher) inFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inbound)
}
