package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SessionState is the lifecycle state of a server session.
type SessionState int32

// Hooks are invoked synchronously on session state transitions. A nil hook is skipped.
type Hooks struct {
	// OnInitialized runs when the client sends notifications/initialized (Created → Initialized).
	OnInitialized func(sessionID string, client Info)
	// OnClose runs once when the session ends (→ Closed).
	OnClose func(sessionID string)
	// OnError runs when a request fails with HandlerFailure or the keepalive gives up.
	OnError func(sessionID string, err error)
}

// SessionState values.
const (
	StateCreated SessionState = iota
	StateInitialized
	StateClosed
)

type serverSession struct {
	id      string
	session Session
	server  *Server
	logger  *slog.Logger

	dispatcher *dispatcher
	bus        *notificationBus
	subs       *SubscriptionTable

	state atomic.Int32

	mu             sync.Mutex
	initializeSeen bool
	clientInfo     Info
	clientCaps     ClientCapabilities
	declared       ServerCapabilities

	closeOnce sync.Once
	done      chan struct{}
}

func newServerSession(srv *Server, sess Session) *serverSession {
	logger := srv.logger.With(slog.String("sessionID", sess.ID()))
	ss := &serverSession{
		id:      sess.ID(),
		session: sess,
		server:  srv,
		logger:  logger,
		subs:    NewSubscriptionTable(),
		done:    make(chan struct{}),
	}
	ss.bus = newNotificationBus(sess, ss.subs, logger, srv.sendTimeout)
	ss.dispatcher = newDispatcher(sess, logger, srv.sendTimeout, ss.route)
	ss.dispatcher.onNotification = ss.handleNotification
	ss.dispatcher.onFailure = func(method string, err error) {
		ss.logger.Error("request failed", slog.String("method", method), slog.String("err", err.Error()))
		ss.reportError(err)
	}
	return ss
}

// run reads the session until the transport ends it, then closes the session.
func (s *serverSession) run() {
	if s.server.pingInterval > 0 {
		go s.keepAlive()
	}

	for msg := range s.session.Messages() {
		s.dispatcher.handleMessage(msg)
	}

	s.close()
}

func (s *serverSession) State() SessionState {
	return SessionState(s.state.Load())
}

// drain stops accepting requests and waits for the ones in flight, see dispatcher.drain.
func (s *serverSession) drain(ctx context.Context) error {
	return s.dispatcher.drain(ctx)
}

func (s *serverSession) close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.dispatcher.close()
		s.subs.Clear()
		close(s.done)

		if hook := s.server.hooks.OnClose; hook != nil {
			hook(s.id)
		}
		s.session.Stop()
		s.logger.Info("session closed")
	})
}

func (s *serverSession) reportError(err error) {
	if hook := s.server.hooks.OnError; hook != nil {
		hook(s.id, err)
	}
}

func (s *serverSession) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case MethodNotificationsInitialized:
		s.mu.Lock()
		seen, info := s.initializeSeen, s.clientInfo
		s.mu.Unlock()
		if !seen {
			s.logger.Warn("initialized notification before initialize request")
			return
		}
		if !s.state.CompareAndSwap(int32(StateCreated), int32(StateInitialized)) {
			return
		}
		s.logger.Info("session initialized", slog.String("client", info.Name), slog.String("clientVersion", info.Version))
		if hook := s.server.hooks.OnInitialized; hook != nil {
			hook(s.id, info)
		}
	default:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (s *serverSession) route(ctx context.Context, req *pendingRequest, msg JSONRPCMessage) (any, error) {
	switch msg.Method {
	case MethodInitialize:
		return s.handleInitialize(msg)
	case MethodPing:
		return struct{}{}, nil
	}

	if s.State() != StateInitialized {
		return nil, Errorf(TagCapabilityNotDeclared, "session is not initialized, %s is not available", msg.Method)
	}

	call := &Call{
		ID:      req.id,
		Method:  msg.Method,
		ctx:     ctx,
		pending: req,
		session: s,
	}
	reg := s.server.Registry()

	switch msg.Method {
	case MethodToolsList:
		if err := s.requireDeclared(CapabilityTools); err != nil {
			return nil, err
		}
		return ListToolsResult{Tools: reg.Tools()}, nil
	case MethodToolsCall:
		if err := s.requireDeclared(CapabilityTools); err != nil {
			return nil, err
		}
		return s.callTool(ctx, call, reg, msg)
	case MethodPromptsList:
		if err := s.requireDeclared(CapabilityPrompts); err != nil {
			return nil, err
		}
		var params ListPromptsParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		return ListPromptResult{Prompts: filterPrompts(reg.Prompts(), params.Filter)}, nil
	case MethodPromptsGet:
		if err := s.requireDeclared(CapabilityPrompts); err != nil {
			return nil, err
		}
		return s.getPrompt(ctx, call, reg, msg)
	case MethodResourcesList:
		if err := s.requireDeclared(CapabilityResources); err != nil {
			return nil, err
		}
		return ListResourcesResult{Resources: reg.Resources()}, nil
	case MethodResourcesTemplatesList:
		if err := s.requireDeclared(CapabilityResources); err != nil {
			return nil, err
		}
		return ListResourceTemplatesResult{Templates: reg.ResourceTemplates()}, nil
	case MethodResourcesRead:
		if err := s.requireDeclared(CapabilityResources); err != nil {
			return nil, err
		}
		return s.readResource(ctx, call, reg, msg)
	case MethodResourcesSubscribe:
		if err := s.requireDeclared(CapabilityResources); err != nil {
			return nil, err
		}
		return s.subscribe(reg, msg)
	case MethodResourcesUnsubscribe:
		if err := s.requireDeclared(CapabilityResources); err != nil {
			return nil, err
		}
		var params UnsubscribeResourceParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		s.subs.Unsubscribe(params.URI)
		return struct{}{}, nil
	case MethodLoggingSetLevel:
		var params SetLogLevelParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		s.bus.setLogLevel(params.Level)
		return struct{}{}, nil
	}
	return nil, Errorf(TagCapabilityNotDeclared, "method %q is not supported", msg.Method)
}

func (s *serverSession) handleInitialize(msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := decodeParams(msg, &params); err != nil {
		return initializeResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initializeSeen {
		return initializeResult{}, Errorf(TagInvalidParams, "session already initialized")
	}
	if params.ProtocolVersion != ProtocolVersion {
		// The client decides whether it can talk to us; we always answer with our revision.
		s.logger.Info("client requested another protocol version",
			slog.String("requested", params.ProtocolVersion),
			slog.String("supported", ProtocolVersion))
	}
	s.initializeSeen = true
	s.clientInfo = params.ClientInfo
	s.clientCaps = params.Capabilities
	s.declared = s.server.capabilities()

	return initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.declared,
		ServerInfo:      s.server.info,
		Instructions:    s.server.instructions,
	}, nil
}

func (s *serverSession) requireDeclared(kind CapabilityKind) error {
	s.mu.Lock()
	declared := s.declared
	s.mu.Unlock()

	ok := false
	switch kind {
	case CapabilityTools:
		ok = declared.Tools != nil
	case CapabilityPrompts:
		ok = declared.Prompts != nil
	case CapabilityResources:
		ok = declared.Resources != nil
	case CapabilitySampling:
		ok = false
	}
	if !ok {
		return Errorf(TagCapabilityNotDeclared, "server did not declare the %s capability", kind)
	}
	return nil
}

func (s *serverSession) clientDeclares(kind CapabilityKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case CapabilitySampling:
		return s.clientCaps.Sampling != nil
	case CapabilityTools, CapabilityPrompts, CapabilityResources:
		return false
	}
	return false
}

func (s *serverSession) callTool(ctx context.Context, call *Call, reg *Registry, msg JSONRPCMessage) (CallToolResult, error) {
	var params CallToolParams
	if err := decodeParams(msg, &params); err != nil {
		return CallToolResult{}, err
	}
	entry, ok := reg.tools[params.Name]
	if !ok {
		return CallToolResult{}, Errorf(TagNotFound, "tool %q not found", params.Name).With("name", params.Name)
	}
	args, err := entry.validateArgs(params.Arguments)
	if err != nil {
		return CallToolResult{}, err
	}
	call.ProgressToken = params.Meta.ProgressToken
	return entry.handler(ctx, call, args)
}

func (s *serverSession) getPrompt(ctx context.Context, call *Call, reg *Registry, msg JSONRPCMessage) (GetPromptResult, error) {
	var params GetPromptParams
	if err := decodeParams(msg, &params); err != nil {
		return GetPromptResult{}, err
	}
	entry, ok := reg.prompts[params.Name]
	if !ok {
		return GetPromptResult{}, Errorf(TagNotFound, "prompt %q not found", params.Name).With("name", params.Name)
	}
	args := entry.withDefaults(params.Arguments)
	if name, missing := entry.missingArg(args); missing {
		return GetPromptResult{}, Errorf(TagMissingRequiredParam, "missing required argument %q", name).With("param", name)
	}
	call.ProgressToken = params.Meta.ProgressToken
	if entry.handler != nil {
		return entry.handler(ctx, call, args)
	}
	return GetPromptResult{
		Description: entry.prompt.Description,
		Messages:    RenderPrompt(entry.messages, args),
	}, nil
}

func (s *serverSession) readResource(ctx context.Context, call *Call, reg *Registry, msg JSONRPCMessage) (ReadResourceResult, error) {
	var params ReadResourceParams
	if err := decodeParams(msg, &params); err != nil {
		return ReadResourceResult{}, err
	}
	handler, vars, ok := reg.lookupResource(params.URI)
	if !ok {
		return ReadResourceResult{}, Errorf(TagNotFound, "resource %q not found", params.URI).With("uri", params.URI)
	}
	call.ProgressToken = params.Meta.ProgressToken
	return handler(ctx, call, params.URI, vars)
}

func (s *serverSession) subscribe(reg *Registry, msg JSONRPCMessage) (struct{}, error) {
	var params SubscribeResourceParams
	if err := decodeParams(msg, &params); err != nil {
		return struct{}{}, err
	}
	if !reg.HasResource(params.URI) {
		return struct{}{}, Errorf(TagNotFound, "resource %q not found", params.URI).With("uri", params.URI)
	}
	if s.subs.Subscribe(params.URI) {
		s.logger.Debug("resource subscribed", slog.String("uri", params.URI))
	}
	return struct{}{}, nil
}

// keepAlive pings the client and closes the session after too many consecutive failures.
func (s *serverSession) keepAlive() {
	ticker := time.NewTicker(s.server.pingInterval)
	defer ticker.Stop()

	failedPings := 0
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if s.State() != StateInitialized {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.server.pingTimeout)
		_, err := s.dispatcher.request(ctx, MethodPing, nil)
		cancel()

		if err == nil {
			failedPings = 0
			continue
		}
		if errors.Is(err, ErrSessionClosed) {
			return
		}
		failedPings++
		s.logger.Warn("ping failed", slog.Int("failed", failedPings), slog.String("err", err.Error()))
		if failedPings > s.server.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, closing session")
			s.reportError(err)
			s.close()
			return
		}
	}
}

// decodeParams unmarshals request params, treating absent params as an empty object.
func decodeParams(msg JSONRPCMessage, v any) error {
	if len(msg.Params) == 0 || string(msg.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(msg.Params, v); err != nil {
		return Errorf(TagInvalidParams, "failed to unmarshal %s params: %v", msg.Method, err)
	}
	return nil
}
