package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the client side of a session. It initializes the session, issues typed
// requests, answers server-initiated sampling and ping requests, and forwards notifications to
// the configured watchers.
//
// A Client must be created using NewClient and requires Connect to be called before any other
// method. Close releases the session.
type Client struct {
	info         Info
	transport    ClientTransport
	capabilities ClientCapabilities

	samplingHandler SamplingHandler

	promptListWatcher         PromptListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	toolListWatcher           ToolListWatcher
	progressListener          ProgressListener
	logReceiver               LogReceiver

	sendTimeout    time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger

	session    Session
	dispatcher *dispatcher

	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string

	closeOnce sync.Once
	done      chan struct{}
}

var defaultClientSendTimeout = 30 * time.Second

// WithSamplingHandler sets the sampling handler for the client. A client with a sampling handler
// declares the sampling capability.
func WithSamplingHandler(handler SamplingHandler) ClientOption {
	return func(c *Client) {
		c.samplingHandler = handler
	}
}

// WithPromptListWatcher sets the prompt list watcher for the client.
func WithPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithResourceListWatcher sets the resource list watcher for the client.
func WithResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithResourceSubscribedWatcher sets the resource subscribe watcher for the client.
func WithResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) {
		c.resourceSubscribedWatcher = watcher
	}
}

// WithToolListWatcher sets the tool list watcher for the client.
func WithToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithProgressListener sets the progress listener for the client.
func WithProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithLogReceiver sets the log receiver for the client.
func WithLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// WithClientSendTimeout bounds writes that are not tied to a caller's context, such as
// responses to server requests.
func WithClientSendTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.sendTimeout = timeout
	}
}

// WithClientRequestTimeout bounds every request the client sends. By default requests wait as
// long as the caller's context allows.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(slog.String("component", "client"))
	}
}

// NewClient creates a client that talks over transport. Call Connect before anything else.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.sendTimeout == 0 {
		c.sendTimeout = defaultClientSendTimeout
	}
	if c.samplingHandler != nil {
		c.capabilities.Sampling = &SamplingCapability{}
	}
	return c
}

// Connect starts the session, performs the initialize handshake and sends
// notifications/initialized. It returns an error if the session cannot be established.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess
	c.logger = c.logger.With(slog.String("sessionID", sess.ID()))
	c.dispatcher = newDispatcher(sess, c.logger, c.sendTimeout, c.route)
	c.dispatcher.onNotification = c.handleNotification

	go c.listen()

	raw, err := c.dispatcher.request(ctx, MethodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to initialize: %w", err)
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.Close()
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("server answered with another protocol version", slog.String("version", result.ProtocolVersion))
	}
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions

	if err := c.dispatcher.notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		c.Close()
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}
	return nil
}

// ServerInfo returns the server's name and version, available after Connect.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns what the server advertised during Connect.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// Instructions returns the server's usage instructions, if any.
func (c *Client) Instructions() string {
	return c.instructions
}

// Done is closed when the session ends, either through Close or because the server went away.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Ping checks that the server is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MethodPing, nil, nil)
}

// ListTools retrieves the tools the server offers.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if err := c.require(CapabilityTools); err != nil {
		return ListToolsResult{}, err
	}
	var result ListToolsResult
	if err := c.call(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to list tools: %w", err)
	}
	return result, nil
}

// CallTool invokes a tool. A tool-level failure is a result with IsError set; protocol failures
// (unknown tool, invalid arguments, cancellation) are returned as errors carrying an ErrorTag.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if err := c.require(CapabilityTools); err != nil {
		return CallToolResult{}, err
	}
	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, fmt.Errorf("failed to call tool %s: %w", params.Name, err)
	}
	return result, nil
}

// ListPrompts retrieves the prompts the server offers.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptResult, error) {
	if err := c.require(CapabilityPrompts); err != nil {
		return ListPromptResult{}, err
	}
	var result ListPromptResult
	if err := c.call(ctx, MethodPromptsList, params, &result); err != nil {
		return ListPromptResult{}, fmt.Errorf("failed to list prompts: %w", err)
	}
	return result, nil
}

// GetPrompt renders a prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if err := c.require(CapabilityPrompts); err != nil {
		return GetPromptResult{}, err
	}
	var result GetPromptResult
	if err := c.call(ctx, MethodPromptsGet, params, &result); err != nil {
		return GetPromptResult{}, fmt.Errorf("failed to get prompt %s: %w", params.Name, err)
	}
	return result, nil
}

// ListResources retrieves the static resources the server offers.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if err := c.require(CapabilityResources); err != nil {
		return ListResourcesResult{}, err
	}
	var result ListResourcesResult
	if err := c.call(ctx, MethodResourcesList, params, &result); err != nil {
		return ListResourcesResult{}, fmt.Errorf("failed to list resources: %w", err)
	}
	return result, nil
}

// ListResourceTemplates retrieves the resource templates the server offers.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	if err := c.require(CapabilityResources); err != nil {
		return ListResourceTemplatesResult{}, err
	}
	var result ListResourceTemplatesResult
	if err := c.call(ctx, MethodResourcesTemplatesList, params, &result); err != nil {
		return ListResourceTemplatesResult{}, fmt.Errorf("failed to list resource templates: %w", err)
	}
	return result, nil
}

// ReadResource reads a static or templated resource.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if err := c.require(CapabilityResources); err != nil {
		return ReadResourceResult{}, err
	}
	var result ReadResourceResult
	if err := c.call(ctx, MethodResourcesRead, params, &result); err != nil {
		return ReadResourceResult{}, fmt.Errorf("failed to read resource %s: %w", params.URI, err)
	}
	return result, nil
}

// SubscribeResource asks the server for resource-updated notifications about params.URI.
func (c *Client) SubscribeResource(ctx context.Context, params SubscribeResourceParams) error {
	if err := c.requireSubscribe(); err != nil {
		return err
	}
	if err := c.call(ctx, MethodResourcesSubscribe, params, nil); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", params.URI, err)
	}
	return nil
}

// UnsubscribeResource stops resource-updated notifications about params.URI.
func (c *Client) UnsubscribeResource(ctx context.Context, params UnsubscribeResourceParams) error {
	if err := c.requireSubscribe(); err != nil {
		return err
	}
	if err := c.call(ctx, MethodResourcesUnsubscribe, params, nil); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", params.URI, err)
	}
	return nil
}

// SetLogLevel sets the minimum level of log notifications the server sends.
func (c *Client) SetLogLevel(ctx context.Context, level LogLevel) error {
	if c.serverCapabilities.Logging == nil {
		return Errorf(TagCapabilityNotDeclared, "server did not declare the logging capability")
	}
	if err := c.call(ctx, MethodLoggingSetLevel, SetLogLevelParams{Level: level}, nil); err != nil {
		return fmt.Errorf("failed to set log level: %w", err)
	}
	return nil
}

// Close ends the session. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.dispatcher != nil {
			c.dispatcher.close()
		}
		if c.session != nil {
			c.session.Stop()
		}
	})
}

func (c *Client) listen() {
	defer close(c.done)

	for msg := range c.session.Messages() {
		c.dispatcher.handleMessage(msg)
	}
	c.dispatcher.close()
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	if c.dispatcher == nil {
		return fmt.Errorf("client is not connected")
	}
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	raw, err := c.dispatcher.request(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func (c *Client) require(kind CapabilityKind) error {
	ok := false
	switch kind {
	case CapabilityTools:
		ok = c.serverCapabilities.Tools != nil
	case CapabilityPrompts:
		ok = c.serverCapabilities.Prompts != nil
	case CapabilityResources:
		ok = c.serverCapabilities.Resources != nil
	case CapabilitySampling:
		ok = c.capabilities.Sampling != nil
	}
	if !ok {
		return Errorf(TagCapabilityNotDeclared, "server did not declare the %s capability", kind)
	}
	return nil
}

func (c *Client) requireSubscribe() error {
	if err := c.require(CapabilityResources); err != nil {
		return err
	}
	if !c.serverCapabilities.Resources.Subscribe {
		return Errorf(TagCapabilityNotDeclared, "server does not support resource subscriptions")
	}
	return nil
}

// route answers requests the server sends to the client.
func (c *Client) route(ctx context.Context, _ *pendingRequest, msg JSONRPCMessage) (any, error) {
	switch msg.Method {
	case MethodPing:
		return struct{}{}, nil
	case MethodSamplingCreateMessage:
		if c.samplingHandler == nil {
			return nil, Errorf(TagCapabilityNotDeclared, "client did not declare the sampling capability")
		}
		var params SamplingParams
		if err := decodeParams(msg, &params); err != nil {
			return nil, err
		}
		return c.samplingHandler.CreateSampleMessage(ctx, params)
	}
	return nil, Errorf(TagCapabilityNotDeclared, "method %q is not supported", msg.Method)
}

func (c *Client) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case MethodNotificationsProgress:
		if c.progressListener == nil {
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("failed to unmarshal progress params", slog.String("err", err.Error()))
			return
		}
		c.progressListener.OnProgress(params)
	case MethodNotificationsResourcesUpdated:
		if c.resourceSubscribedWatcher == nil {
			return
		}
		var params notificationsResourcesUpdatedParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("failed to unmarshal resources updated params", slog.String("err", err.Error()))
			return
		}
		c.resourceSubscribedWatcher.OnResourceSubscribedChanged(params.URI)
	case MethodNotificationsToolsListChanged:
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged()
		}
	case MethodNotificationsPromptsListChanged:
		if c.promptListWatcher != nil {
			c.promptListWatcher.OnPromptListChanged()
		}
	case MethodNotificationsResourcesListChanged:
		if c.resourceListWatcher != nil {
			c.resourceListWatcher.OnResourceListChanged()
		}
	case MethodNotificationsMessage:
		if c.logReceiver == nil {
			return
		}
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Warn("failed to unmarshal log params", slog.String("err", err.Error()))
			return
		}
		c.logReceiver.OnLog(params)
	default:
		c.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}
