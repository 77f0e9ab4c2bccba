package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TangGee/mcp-session"
)

const testTimeout = 5 * time.Second

var (
	serverInfo = mcp.Info{Name: "test-server", Version: "1.0.0"}
	clientInfo = mcp.Info{Name: "test-client", Version: "1.0.0"}
)

// fixture is a registry with one item of every shape the tests need, and counters for the
// handlers that run.
type fixture struct {
	registry *mcp.Registry

	toolCalls      atomic.Int32
	uncooperative  chan struct{}
	blockedStarted chan struct{}
}

type echoArgs struct {
	Message string `json:"message"`
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		registry:       mcp.NewRegistry(),
		uncooperative:  make(chan struct{}),
		blockedStarted: make(chan struct{}, 1),
	}
	reg := f.registry

	echoSchema, err := mcp.InputSchemaFor[echoArgs]()
	if err != nil {
		t.Fatalf("failed to infer echo schema: %v", err)
	}
	mustAdd(t, reg.AddTool(mcp.Tool{Name: "echo", Description: "Echoes the message", InputSchema: echoSchema},
		func(_ context.Context, _ *mcp.Call, raw json.RawMessage) (mcp.CallToolResult, error) {
			f.toolCalls.Add(1)
			var args echoArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return mcp.CallToolResult{}, err
			}
			return textResult(args.Message), nil
		}))

	mustAdd(t, reg.AddTool(mcp.Tool{
		Name:        "steps",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"steps":{"type":"integer","minimum":1},"delay":{"type":"integer"}},"required":["steps"]}`),
	}, func(ctx context.Context, call *mcp.Call, raw json.RawMessage) (mcp.CallToolResult, error) {
		f.toolCalls.Add(1)
		var args struct {
			Steps int `json:"steps"`
			Delay int `json:"delay"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return mcp.CallToolResult{}, err
		}
		select {
		case f.blockedStarted <- struct{}{}:
		default:
		}
		for i := 1; i <= args.Steps; i++ {
			if err := call.Checkpoint(); err != nil {
				return mcp.CallToolResult{}, err
			}
			select {
			case <-ctx.Done():
				return mcp.CallToolResult{}, call.Checkpoint()
			case <-time.After(time.Duration(args.Delay) * time.Millisecond):
			}
			call.ReportProgress(float64(i), float64(args.Steps))
		}
		return textResult(fmt.Sprintf("done %d", args.Steps)), nil
	}))

	mustAdd(t, reg.AddTool(mcp.Tool{Name: "uncooperative"},
		func(context.Context, *mcp.Call, json.RawMessage) (mcp.CallToolResult, error) {
			f.toolCalls.Add(1)
			select {
			case f.blockedStarted <- struct{}{}:
			default:
			}
			<-f.uncooperative
			return textResult("finished anyway"), nil
		}))

	mustAdd(t, reg.AddTool(mcp.Tool{Name: "panic"},
		func(context.Context, *mcp.Call, json.RawMessage) (mcp.CallToolResult, error) {
			f.toolCalls.Add(1)
			panic("boom")
		}))

	mustAdd(t, reg.AddTool(mcp.Tool{Name: "fail"},
		func(context.Context, *mcp.Call, json.RawMessage) (mcp.CallToolResult, error) {
			f.toolCalls.Add(1)
			return mcp.CallToolResult{}, errors.New("database unavailable")
		}))

	mustAdd(t, reg.AddTool(mcp.Tool{Name: "sample"},
		func(ctx context.Context, call *mcp.Call, _ json.RawMessage) (mcp.CallToolResult, error) {
			f.toolCalls.Add(1)
			res, err := call.CreateMessage(ctx, mcp.SamplingParams{
				Messages: []mcp.SamplingMessage{
					{Role: mcp.RoleUser, Content: mcp.Content{Type: mcp.ContentTypeText, Text: "ping?"}},
				},
				MaxTokens: 10,
			})
			if err != nil {
				return mcp.CallToolResult{}, err
			}
			return textResult(res.Content.Text), nil
		}))

	mustAdd(t, reg.AddTool(mcp.Tool{Name: "log"},
		func(_ context.Context, call *mcp.Call, _ json.RawMessage) (mcp.CallToolResult, error) {
			f.toolCalls.Add(1)
			call.Log(mcp.LogLevelDebug, "test", "debug line")
			call.Log(mcp.LogLevelWarning, "test", "warning line")
			return textResult("logged"), nil
		}))

	mustAdd(t, reg.AddPrompt(mcp.Prompt{
		Name:      "greet",
		Arguments: []mcp.PromptArgument{{Name: "name"}},
	}, []mcp.PromptMessage{
		{Role: mcp.RoleUser, Content: mcp.Content{Type: mcp.ContentTypeText, Text: "Hi {{name}}"}},
	}))

	mustAdd(t, reg.AddPrompt(mcp.Prompt{
		Name:      "review",
		Arguments: []mcp.PromptArgument{{Name: "code", Required: true}, {Name: "language", Required: true}},
	}, []mcp.PromptMessage{
		{Role: mcp.RoleUser, Content: mcp.Content{Type: mcp.ContentTypeText, Text: "Review {{language}}: {{code}}"}},
	}))

	mustAdd(t, reg.AddResource(mcp.Resource{URI: "test://static", Name: "static", MimeType: "text/plain"},
		func(_ context.Context, _ *mcp.Call, uri string, _ map[string]string) (mcp.ReadResourceResult, error) {
			return mcp.ReadResourceResult{Contents: []mcp.ResourceContents{{URI: uri, Text: "static content"}}}, nil
		}))

	mustAdd(t, reg.AddResourceTemplate(mcp.ResourceTemplate{URITemplate: "greeting://{name}", Name: "greeting"},
		func(_ context.Context, _ *mcp.Call, uri string, vars map[string]string) (mcp.ReadResourceResult, error) {
			return mcp.ReadResourceResult{Contents: []mcp.ResourceContents{
				{URI: uri + "#content", Text: fmt.Sprintf("Hello, %s!", vars["name"])},
			}}, nil
		}))

	return f
}

func mustAdd(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed to register item: %v", err)
	}
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}}}
}

// rawPeer drives a server over stdio with hand-written JSON lines, so tests can observe exactly
// what goes over the wire.
type rawPeer struct {
	t      *testing.T
	writer *io.PipeWriter
	msgs   chan mcp.JSONRPCMessage
}

func startRawServer(t *testing.T, reg *mcp.Registry, options ...mcp.ServerOption) (*mcp.Server, *rawPeer) {
	t.Helper()

	srvReader, peerWriter := io.Pipe()
	peerReader, srvWriter := io.Pipe()

	opts := append([]mcp.ServerOption{mcp.WithServerPingInterval(0)}, options...)
	srv := mcp.NewServer(serverInfo, mcp.NewStdIO(srvReader, srvWriter), reg, opts...)
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	p := &rawPeer{t: t, writer: peerWriter, msgs: make(chan mcp.JSONRPCMessage, 100)}
	go func() {
		defer close(p.msgs)
		reader := bufio.NewReader(peerReader)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			var msg mcp.JSONRPCMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				t.Errorf("server wrote invalid JSON %q: %v", line, err)
				continue
			}
			p.msgs <- msg
		}
	}()

	t.Cleanup(func() {
		_ = peerReader.Close()
		_ = peerWriter.Close()

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		<-served
	})

	return srv, p
}

func (p *rawPeer) sendLine(line string) {
	p.t.Helper()
	if _, err := io.WriteString(p.writer, line+"\n"); err != nil {
		p.t.Fatalf("failed to write line: %v", err)
	}
}

func (p *rawPeer) send(msg any) {
	p.t.Helper()
	bs, err := json.Marshal(msg)
	if err != nil {
		p.t.Fatalf("failed to marshal message: %v", err)
	}
	p.sendLine(string(bs))
}

func (p *rawPeer) request(id any, method string, params any) {
	p.t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	p.send(msg)
}

func (p *rawPeer) notify(method string, params any) {
	p.t.Helper()
	msg := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = params
	}
	p.send(msg)
}

func (p *rawPeer) next() mcp.JSONRPCMessage {
	p.t.Helper()
	select {
	case msg, ok := <-p.msgs:
		if !ok {
			p.t.Fatal("server closed the stream")
		}
		return msg
	case <-time.After(testTimeout):
		p.t.Fatal("timed out waiting for a message")
	}
	return mcp.JSONRPCMessage{}
}

// response reads until the response for id, returning it with the notifications that came
// before it.
func (p *rawPeer) response(id string) (mcp.JSONRPCMessage, []mcp.JSONRPCMessage) {
	p.t.Helper()
	var notifications []mcp.JSONRPCMessage
	for {
		msg := p.next()
		switch msg.Kind() {
		case mcp.KindResponse:
			if msg.ID.String() != id {
				p.t.Fatalf("expected response for %s, got response for %s", id, msg.ID)
			}
			return msg, notifications
		case mcp.KindNotification:
			notifications = append(notifications, msg)
		case mcp.KindRequest, mcp.KindInvalid:
			p.t.Fatalf("unexpected message %+v", msg)
		}
	}
}

func (p *rawPeer) quiet(d time.Duration) {
	p.t.Helper()
	select {
	case msg, ok := <-p.msgs:
		if ok {
			p.t.Fatalf("expected no message, got %+v", msg)
		}
	case <-time.After(d):
	}
}

func (p *rawPeer) initialize(capabilities map[string]any) mcp.JSONRPCMessage {
	p.t.Helper()
	if capabilities == nil {
		capabilities = map[string]any{}
	}
	p.request("init", mcp.MethodInitialize, map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    capabilities,
		"clientInfo":      clientInfo,
	})
	res, _ := p.response("init")
	if res.Error != nil {
		p.t.Fatalf("initialize failed: %v", res.Error)
	}
	p.notify(mcp.MethodNotificationsInitialized, nil)
	return res
}

func errorTag(t *testing.T, msg mcp.JSONRPCMessage) mcp.ErrorTag {
	t.Helper()
	if msg.Error == nil {
		t.Fatalf("expected an error response, got result %s", msg.Result)
	}
	return msg.Error.Tag()
}

func decodeResult[T any](t *testing.T, msg mcp.JSONRPCMessage) T {
	t.Helper()
	var v T
	if msg.Error != nil {
		t.Fatalf("expected a result, got error %v", msg.Error)
	}
	if err := json.Unmarshal(msg.Result, &v); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	return v
}

// connectClient starts a server for reg and connects a Client to it over stdio pipes.
func connectClient(
	t *testing.T,
	reg *mcp.Registry,
	serverOptions []mcp.ServerOption,
	clientOptions ...mcp.ClientOption,
) (*mcp.Server, *mcp.Client) {
	t.Helper()

	srvReader, cliWriter := io.Pipe()
	cliReader, srvWriter := io.Pipe()

	opts := append([]mcp.ServerOption{mcp.WithServerPingInterval(0)}, serverOptions...)
	srv := mcp.NewServer(serverInfo, mcp.NewStdIO(srvReader, srvWriter), reg, opts...)
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	cli := mcp.NewClient(clientInfo, mcp.NewStdIO(cliReader, cliWriter), clientOptions...)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		cli.Close()
		_ = srvReader.Close()
		_ = srvWriter.Close()
		_ = cliReader.Close()
		_ = cliWriter.Close()

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		<-served
	})

	return srv, cli
}

type hookRecorder struct {
	mu     sync.Mutex
	events []string
}

func (h *hookRecorder) hooks() mcp.Hooks {
	return mcp.Hooks{
		OnInitialized: func(_ string, client mcp.Info) { h.record("initialized:" + client.Name) },
		OnClose:       func(string) { h.record("closed") },
		OnError:       func(_ string, err error) { h.record("error:" + err.Error()) },
	}
}

func (h *hookRecorder) record(event string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *hookRecorder) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *hookRecorder) waitFor(t *testing.T, prefix string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		for _, e := range h.snapshot() {
			if strings.HasPrefix(e, prefix) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("hook %q not called, got %v", prefix, h.snapshot())
}
