package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server serves a Registry of tools, prompts and resources to every session its transport
// produces. Each session gets its own dispatcher, notification bus and subscription table; the
// registry snapshot is shared and read-only.
type Server struct {
	info         Info
	instructions string
	transport    ServerTransport
	registry     atomic.Pointer[Registry]
	hooks        Hooks

	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	sendTimeout          time.Duration

	logger *slog.Logger

	mu           sync.Mutex
	sessions     map[string]*serverSession
	shuttingDown bool

	sessionsWaitGroup sync.WaitGroup
}

var (
	defaultServerPingInterval         = 30 * time.Second
	defaultServerPingTimeout          = 30 * time.Second
	defaultServerPingTimeoutThreshold = 3
	defaultServerSendTimeout          = 30 * time.Second
)

// NewServer creates a server for registry over transport. The registry is frozen: adding items
// to it afterwards fails with ErrRegistryFrozen. A nil registry serves nothing but ping.
func NewServer(info Info, transport ServerTransport, registry *Registry, options ...ServerOption) *Server {
	s := &Server{
		info:                 info,
		transport:            transport,
		logger:               slog.Default(),
		pingInterval:         defaultServerPingInterval,
		pingTimeout:          defaultServerPingTimeout,
		pingTimeoutThreshold: defaultServerPingTimeoutThreshold,
		sendTimeout:          defaultServerSendTimeout,
		sessions:             make(map[string]*serverSession),
	}
	for _, opt := range options {
		opt(s)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	registry.freeze()
	s.registry.Store(registry)

	return s
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithHooks returns a ServerOption that installs session lifecycle hooks.
func WithHooks(hooks Hooks) ServerOption {
	return func(s *Server) {
		s.hooks = hooks
	}
}

// WithServerPingInterval returns a ServerOption that configures the server's ping interval.
// A zero or negative interval disables the keepalive.
func WithServerPingInterval(interval time.Duration) ServerOption {
	return func(s *Server) {
		s.pingInterval = interval
	}
}

// WithServerPingTimeout returns a ServerOption that configures the server's ping timeout.
func WithServerPingTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.pingTimeout = timeout
		}
	}
}

// WithServerPingTimeoutThreshold sets the ping timeout threshold for the server.
// If the number of consecutive ping failures exceeds the threshold, the server closes the session.
func WithServerPingTimeoutThreshold(threshold int) ServerOption {
	return func(s *Server) {
		if threshold > 0 {
			s.pingTimeoutThreshold = threshold
		}
	}
}

// WithServerSendTimeout returns a ServerOption that bounds every write to a session.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.sendTimeout = timeout
		}
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// Registry returns the registry snapshot currently served.
func (s *Server) Registry() *Registry {
	return s.registry.Load()
}

// Serve accepts sessions from the transport until the transport stops yielding them, which
// happens after Shutdown or, for stdio, when the input ends. It returns once every session it
// started has closed.
func (s *Server) Serve() {
	for sess := range s.transport.Sessions() {
		s.mu.Lock()
		if s.shuttingDown {
			s.mu.Unlock()
			sess.Stop()
			continue
		}
		ss := newServerSession(s, sess)
		s.sessions[ss.id] = ss
		s.sessionsWaitGroup.Add(1)
		s.mu.Unlock()

		ss.logger.Info("session created")

		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.run()

			s.mu.Lock()
			delete(s.sessions, ss.id)
			s.mu.Unlock()
		}()
	}

	s.sessionsWaitGroup.Wait()
}

// Shutdown stops accepting requests, lets in-flight requests finish until ctx ends, cancels the
// rest, closes every session and finally the transport.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shuttingDown = true
	sessions := make([]*serverSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		sessions = append(sessions, ss)
	}
	s.mu.Unlock()

	var (
		wg       sync.WaitGroup
		errsLock sync.Mutex
		errs     []error
	)
	for _, ss := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ss.drain(ctx); err != nil {
				errsLock.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", ss.id, err))
				errsLock.Unlock()
			}
			ss.close()
		}()
	}
	wg.Wait()

	if err := s.transport.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown transport: %w", err))
	}

	done := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("failed to wait for sessions: %w", ctx.Err()))
	case <-done:
	}

	return errors.Join(errs...)
}

// UpdateRegistry publishes a new registry snapshot and tells every initialized session which
// kinds of items changed. Kinds a session did not declare at initialization stay unavailable to
// it.
func (s *Server) UpdateRegistry(registry *Registry) {
	registry.freeze()
	old := s.registry.Swap(registry)

	for _, kind := range []CapabilityKind{CapabilityTools, CapabilityPrompts, CapabilityResources} {
		if old.sameItems(registry, kind) {
			continue
		}
		for _, ss := range s.initializedSessions() {
			ss.bus.Emit(TopicListChanged, kind)
		}
	}
}

// NotifyResourceUpdated fans a resource change out to every session subscribed to uri and
// returns how many sessions were notified.
func (s *Server) NotifyResourceUpdated(uri string) int {
	n := 0
	for _, ss := range s.initializedSessions() {
		if ss.bus.Emit(TopicResourceUpdated, uri) {
			n++
		}
	}
	return n
}

// Log sends a notifications/message to every session whose log level admits level.
func (s *Server) Log(level LogLevel, logger string, data any) {
	params := LogParams{Level: level, Logger: logger, Data: logData(data)}
	for _, ss := range s.initializedSessions() {
		ss.bus.Emit(TopicLog, params)
	}
}

func (s *Server) initializedSessions() []*serverSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]*serverSession, 0, len(s.sessions))
	for _, ss := range s.sessions {
		if ss.State() == StateInitialized {
			sessions = append(sessions, ss)
		}
	}
	return sessions
}

// capabilities derives the advertisement from the current registry.
func (s *Server) capabilities() ServerCapabilities {
	reg := s.Registry()
	caps := ServerCapabilities{
		Logging: &LoggingCapability{},
	}
	if reg.Declares(CapabilityTools) {
		caps.Tools = &ToolsCapability{ListChanged: true}
	}
	if reg.Declares(CapabilityPrompts) {
		caps.Prompts = &PromptsCapability{ListChanged: true}
	}
	if reg.Declares(CapabilityResources) {
		caps.Resources = &ResourcesCapability{Subscribe: true, ListChanged: true}
	}
	return caps
}
