package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) server transport. Each GET
// on the handler returned by HandleSSE opens a session: the server answers with an "endpoint"
// event naming the URL, carrying a sessionID query parameter, to which the client POSTs its
// messages. Server-to-client messages travel as "message" events on the open stream.
//
// Instances should be created using NewSSEServer and released with Shutdown.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	sessions         chan *sseServerSession
	removedSessions  chan string
	receivedMessages chan sseSessionMessage

	closeOnce sync.Once
	done      chan struct{}
	closed    chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements the client side of the SSE transport. Instances should be created using
// NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerSession struct {
	id           string
	sess         *sse.Session
	sendMsgs     chan sseServerSessionSendMsg
	receivedMsgs chan JSONRPCMessage
	logger       *slog.Logger

	readStarted atomic.Bool
	stopOnce    sync.Once

	done           chan struct{}
	disconnected   chan struct{}
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSessionMessage struct {
	sessID string
	msg    JSONRPCMessage
	errs   chan error
}

type sseServerSessionSendMsg struct {
	msg  *sse.Message
	errs chan error
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	messages chan JSONRPCMessage
	cancel   context.CancelFunc

	stopOnce     sync.Once
	done         chan struct{}
	listenClosed chan struct{}
}

var (
	errSSESessionNotFound = errors.New("session not found")

	jsonMediaType = contenttype.NewMediaType("application/json")
)

// NewSSEServer creates an SSE server transport. messageURL is the URL, absolute or relative to
// the SSE endpoint, under which HandleMessage is mounted.
func NewSSEServer(messageURL string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL:       messageURL,
		logger:           slog.Default(),
		sessions:         make(chan *sseServerSession),
		removedSessions:  make(chan string),
		receivedMessages: make(chan sseSessionMessage),
		done:             make(chan struct{}),
		closed:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server transport.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse"))
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of an event the client accepts. An event
// exceeding it ends the session.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger for the SSE client transport.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(slog.String("component", "sse"))
	}
}

// Sessions returns an iterator over sessions as clients connect. It also routes POSTed messages
// to their sessions, so it must be running for HandleMessage to make progress. The iteration
// ends after Shutdown.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// Store all active sessions in a map for easy lookup when we receive a new message.
		sessionsMap := make(map[string]*sseServerSession)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				sessionsMap[sess.id] = sess
				if !yield(sess) {
					return
				}
			case sessID := <-s.removedSessions:
				delete(sessionsMap, sessID)
			case msg := <-s.receivedMessages:
				session, ok := sessionsMap[msg.sessID]
				if !ok {
					msg.errs <- errSSESessionNotFound
					continue
				}

				select {
				case <-s.done:
					msg.errs <- ErrSessionClosed
					return
				case <-session.done:
					msg.errs <- ErrSessionClosed
				case <-session.disconnected:
					msg.errs <- ErrSessionClosed
				case session.receivedMsgs <- msg.msg:
					msg.errs <- nil
				}
			}
		}
	}
}

// Shutdown stops the Sessions loop. Streams of sessions that were not stopped beforehand are
// ended as well.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests. The handler
// upgrades the connection, assigns a session ID and sends the message endpoint to the client.
// The connection remains open until the session is stopped, the client disconnects or the
// server shuts down.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()
		endpoint, err := s.endpointFor(sessID)
		if err != nil {
			s.logger.Error("failed to build endpoint URL", slog.String("err", err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write endpoint event", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event", slog.String("err", err.Error()))
			return
		}

		srvSession := &sseServerSession{
			id:             sessID,
			sess:           sess,
			logger:         s.logger.With(slog.String("sessionID", sessID)),
			sendMsgs:       make(chan sseServerSessionSendMsg),
			receivedMsgs:   make(chan JSONRPCMessage, 5),
			done:           make(chan struct{}),
			disconnected:   make(chan struct{}),
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}
		go srvSession.processSendMessages()

		select {
		case s.sessions <- srvSession:
		case <-s.done:
			close(srvSession.disconnected)
			<-srvSession.sendClosed
			return
		case <-r.Context().Done():
			close(srvSession.disconnected)
			<-srvSession.sendClosed
			return
		}

		// Block until the session ends, so the stream is left open.
		select {
		case <-srvSession.done:
		case <-r.Context().Done():
			srvSession.logger.Info("client disconnected")
			close(srvSession.disconnected)
		case <-s.done:
			close(srvSession.disconnected)
		}
		<-srvSession.sendClosed

		select {
		case s.removedSessions <- sessID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for processing client messages sent via POST requests.
// The handler expects a sessionID query parameter and an application/json body holding one
// message. It answers 202 Accepted once the message was handed to the session; responses to
// requests travel on the SSE stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			s.logger.Warn("unsupported content type", slog.String("contentType", r.Header.Get("Content-Type")))
			http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		sm := sseSessionMessage{sessID: sessID, msg: msg, errs: make(chan error, 1)}
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		case s.receivedMessages <- sm:
		}

		switch err := <-sm.errs; {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, errSSESessionNotFound):
			http.Error(w, fmt.Sprintf("session %s not found", sessID), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusGone)
		}
	})
}

func (s *SSEServer) endpointFor(sessID string) (string, error) {
	u, err := url.Parse(s.messageURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse message URL: %w", err)
	}
	q := u.Query()
	q.Set("sessionID", sessID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// StartSession opens the SSE stream and waits for the endpoint event. ctx bounds only the
// connection phase; the stream stays open until the session is stopped.
func (s *SSEClient) StartSession(ctx context.Context) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	type connectResult struct {
		resp *http.Response
		err  error
	}
	connected := make(chan connectResult, 1)
	go func() {
		resp, err := s.httpClient.Do(req)
		connected <- connectResult{resp, err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", ctx.Err())
	case res := <-connected:
		if res.err != nil {
			cancel()
			return nil, fmt.Errorf("failed to connect to SSE server: %w", res.err)
		}
		resp = res.resp
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		httpClient:   s.httpClient,
		logger:       s.logger,
		messages:     make(chan JSONRPCMessage),
		cancel:       cancel,
		done:         make(chan struct{}),
		listenClosed: make(chan struct{}),
	}
	ready := make(chan error, 1)
	go s.listen(sess, resp.Body, ready)

	select {
	case <-ctx.Done():
		sess.Stop()
		return nil, fmt.Errorf("failed to wait for endpoint event: %w", ctx.Err())
	case err := <-ready:
		if err != nil {
			sess.Stop()
			return nil, err
		}
	}
	return sess, nil
}

func (s *SSEClient) listen(sess *sseClientSession, body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(sess.messages)
		close(sess.listenClosed)
	}()

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	endpointSeen := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE event", slog.String("err", err.Error()))
			}
			if !endpointSeen {
				ready <- fmt.Errorf("stream ended before the endpoint event: %w", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if endpointSeen {
				s.logger.Warn("ignoring repeated endpoint event")
				continue
			}
			endpoint, id, err := s.resolveEndpoint(ev.Data)
			if err != nil {
				ready <- err
				return
			}
			sess.messageURL = endpoint
			sess.id = id
			endpointSeen = true
			close(ready)
		case "message", "":
			if !endpointSeen {
				s.logger.Error("received message before endpoint event")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Warn("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			select {
			case sess.messages <- msg:
			case <-sess.done:
				return
			}
		default:
			s.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}
	if !endpointSeen {
		ready <- errors.New("stream ended before the endpoint event")
	}
}

// resolveEndpoint resolves the endpoint event against the connect URL and extracts the session
// ID from it.
func (s *SSEClient) resolveEndpoint(data string) (string, string, error) {
	base, err := url.Parse(s.connectURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse connect URL: %w", err)
	}
	ref, err := url.Parse(data)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if data == "" {
		return "", "", errors.New("empty endpoint URL")
	}
	u := base.ResolveReference(ref)
	id := u.Query().Get("sessionID")
	if id == "" {
		return "", "", fmt.Errorf("endpoint URL %s has no sessionID", u)
	}
	return u.String(), id, nil
}

func (s *sseClientSession) ID() string { return s.id }

// Send POSTs msg to the endpoint announced by the server.
func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
		<-s.listenClosed
	})
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Queue the message, the send loop owns the stream.
	select {
	case s.sendMsgs <- sseServerSessionSendMsg{sseMsg, errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case <-s.sendClosed:
		return ErrSessionClosed
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		s.readStarted.Store(true)
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			case <-s.disconnected:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.sendClosed
		if s.readStarted.Load() {
			<-s.receivedClosed
		}
	})
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		var sm sseServerSessionSendMsg
		select {
		case sm = <-s.sendMsgs:
		case <-s.done:
			return
		case <-s.disconnected:
			return
		}

		if err := s.sess.Send(sm.msg); err != nil {
			s.logger.Warn("failed to send message", slog.String("err", err.Error()))
			sm.errs <- err
			continue
		}
		if err := s.sess.Flush(); err != nil {
			s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
			sm.errs <- err
			continue
		}
		sm.errs <- nil
	}
}
