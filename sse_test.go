package mcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/TangGee/mcp-session"
	"github.com/google/go-cmp/cmp"
)

func startSSE(t *testing.T, reg *mcp.Registry) (*mcp.Server, *httptest.Server) {
	t.Helper()

	sseSrv := mcp.NewSSEServer("/message")
	mux := http.NewServeMux()
	mux.Handle("/sse", sseSrv.HandleSSE())
	mux.Handle("/message", sseSrv.HandleMessage())
	httpSrv := httptest.NewServer(mux)

	srv := mcp.NewServer(serverInfo, sseSrv, reg, mcp.WithServerPingInterval(0))
	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		<-served
		httpSrv.Close()
	})
	return srv, httpSrv
}

func TestSSEEndToEnd(t *testing.T) {
	f := newFixture(t)
	srv, httpSrv := startSSE(t, f.registry)

	rec := newClientRecorder()
	cli := mcp.NewClient(clientInfo, mcp.NewSSEClient(httpSrv.URL+"/sse", httpSrv.Client()),
		mcp.WithSamplingHandler(echoSampler()),
		mcp.WithProgressListener(rec),
		mcp.WithResourceSubscribedWatcher(rec),
	)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer cli.Close()

	res, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "echo", Arguments: json.RawMessage(`{"message":"over sse"}`)})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if diff := cmp.Diff(textResult("over sse"), res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	// A server-initiated request travels on the stream and its response comes back as a POST.
	res, err = cli.CallTool(ctx, mcp.CallToolParams{Name: "sample"})
	if err != nil {
		t.Fatalf("failed to call sampling tool: %v", err)
	}
	if diff := cmp.Diff(textResult("echo: ping?"), res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	_, err = cli.CallTool(ctx, mcp.CallToolParams{
		Name:      "steps",
		Arguments: json.RawMessage(`{"steps":3}`),
		Meta:      mcp.ParamsMeta{ProgressToken: mcp.NewStringID("sse")},
	})
	if err != nil {
		t.Fatalf("failed to call steps: %v", err)
	}
	rec.mu.Lock()
	progressCount := len(rec.progress)
	rec.mu.Unlock()
	if progressCount != 3 {
		t.Errorf("expected 3 progress notifications before the response, got %d", progressCount)
	}

	if err := cli.SubscribeResource(ctx, mcp.SubscribeResourceParams{URI: "test://static"}); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	if n := srv.NotifyResourceUpdated("test://static"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}
	select {
	case uri := <-rec.updated:
		if uri != "test://static" {
			t.Errorf("unexpected update for %s", uri)
		}
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for resource update")
	}
}

func TestSSEConcurrentSessions(t *testing.T) {
	f := newFixture(t)
	_, httpSrv := startSSE(t, f.registry)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	ids := make(map[string]bool)
	for i := range 3 {
		transport := mcp.NewSSEClient(httpSrv.URL+"/sse", httpSrv.Client())
		cli := mcp.NewClient(clientInfo, transport)
		if err := cli.Connect(ctx); err != nil {
			t.Fatalf("client %d failed to connect: %v", i, err)
		}
		defer cli.Close()

		msg := fmt.Sprintf("client %d", i)
		res, err := cli.CallTool(ctx, mcp.CallToolParams{Name: "echo", Arguments: json.RawMessage(fmt.Sprintf(`{"message":%q}`, msg))})
		if err != nil {
			t.Fatalf("client %d failed to call tool: %v", i, err)
		}
		if got := res.Content[0].Text; got != msg {
			t.Errorf("client %d got another session's answer %q", i, got)
		}

		sess, err := transport.StartSession(ctx)
		if err != nil {
			t.Fatalf("failed to open raw session: %v", err)
		}
		ids[sess.ID()] = true
		sess.Stop()
	}
	if len(ids) != 3 {
		t.Errorf("expected distinct session ids, got %v", ids)
	}
}

func TestSSEHandleMessageStatus(t *testing.T) {
	sseSrv := mcp.NewSSEServer("/message")
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		for sess := range sseSrv.Sessions() {
			sess.Stop()
		}
	}()

	tests := []struct {
		name        string
		query       string
		contentType string
		body        string
		want        int
	}{
		{"missing session id", "", "application/json", `{}`, http.StatusBadRequest},
		{"wrong content type", "?sessionID=abc", "text/plain", `{}`, http.StatusUnsupportedMediaType},
		{"missing content type", "?sessionID=abc", "", `{}`, http.StatusUnsupportedMediaType},
		{"malformed body", "?sessionID=abc", "application/json", `{oops`, http.StatusBadRequest},
		{"unknown session", "?sessionID=abc", "application/json; charset=utf-8", `{"jsonrpc":"2.0","method":"x"}`, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/message"+tc.query, strings.NewReader(tc.body))
			if tc.contentType != "" {
				req.Header.Set("Content-Type", tc.contentType)
			}
			w := httptest.NewRecorder()
			sseSrv.HandleMessage().ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("expected status %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := sseSrv.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown: %v", err)
	}
	<-loopDone

	req := httptest.NewRequest(http.MethodPost, "/message?sessionID=abc", strings.NewReader(`{"jsonrpc":"2.0","method":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	sseSrv.HandleMessage().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d after shutdown, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestSSEClientStartSessionErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, _ *http.Request) {
			http.NotFound(w, nil)
		}},
		{"endpoint without session id", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = fmt.Fprint(w, "event: endpoint\ndata: /message\n\n")
		}},
		{"stream ends before endpoint", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = fmt.Fprint(w, "event: message\ndata: {}\n\n")
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			httpSrv := httptest.NewServer(tc.handler)
			defer httpSrv.Close()

			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			sess, err := mcp.NewSSEClient(httpSrv.URL, httpSrv.Client()).StartSession(ctx)
			if err == nil {
				sess.Stop()
				t.Fatal("expected StartSession to fail")
			}
		})
	}
}
