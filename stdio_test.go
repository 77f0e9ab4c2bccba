package mcp_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/TangGee/mcp-session"
)

func readAll(sess mcp.Session) <-chan mcp.JSONRPCMessage {
	msgs := make(chan mcp.JSONRPCMessage, 10)
	go func() {
		defer close(msgs)
		for msg := range sess.Messages() {
			msgs <- msg
		}
	}()
	return msgs
}

func receive(t *testing.T, msgs <-chan mcp.JSONRPCMessage) mcp.JSONRPCMessage {
	t.Helper()
	select {
	case msg, ok := <-msgs:
		if !ok {
			t.Fatal("message stream ended")
		}
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for message")
	}
	return mcp.JSONRPCMessage{}
}

func TestStdIOExchange(t *testing.T) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a := mcp.NewStdIO(r1, w2)
	b := mcp.NewStdIO(r2, w1)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	sessA, err := a.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	sessB, err := b.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	t.Cleanup(func() {
		_ = w1.Close()
		_ = w2.Close()
		sessA.Stop()
		sessB.Stop()
	})

	again, err := a.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	if sessA.ID() == "" || again.ID() != sessA.ID() {
		t.Errorf("session id must be stable and non-empty, got %q and %q", sessA.ID(), again.ID())
	}
	if sessA.ID() == sessB.ID() {
		t.Error("two transports must not share a session id")
	}

	fromA := readAll(sessA)
	fromB := readAll(sessB)

	if err := sessA.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NewIntID(1), Method: mcp.MethodPing}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	msg := receive(t, fromB)
	if msg.Kind() != mcp.KindRequest || msg.ID != mcp.NewIntID(1) || msg.Method != mcp.MethodPing {
		t.Errorf("unexpected message %+v", msg)
	}

	if err := sessB.Send(ctx, mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: mcp.NewIntID(1), Result: []byte(`{}`)}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	msg = receive(t, fromA)
	if msg.Kind() != mcp.KindResponse || string(msg.Result) != `{}` {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestStdIOSkipsBadLines(t *testing.T) {
	r, w := io.Pipe()
	s := mcp.NewStdIO(r, io.Discard)
	sess, err := s.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer sess.Stop()

	msgs := readAll(sess)
	go func() {
		_, _ = io.WriteString(w, "\n   \n{oops\n"+`{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\r\n")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":"last","method":"ping"}`)
		_ = w.Close()
	}()

	if msg := receive(t, msgs); msg.Method != mcp.MethodNotificationsInitialized {
		t.Errorf("expected initialized notification, got %+v", msg)
	}
	// The final line has no trailing newline and is still delivered at EOF.
	if msg := receive(t, msgs); msg.ID != mcp.NewStringID("last") {
		t.Errorf("expected ping with id last, got %+v", msg)
	}
	select {
	case _, ok := <-msgs:
		if ok {
			t.Error("expected the stream to end at EOF")
		}
	case <-time.After(testTimeout):
		t.Fatal("stream did not end at EOF")
	}
}

func TestStdIOSendAfterStop(t *testing.T) {
	r, _ := io.Pipe()
	s := mcp.NewStdIO(r, io.Discard)
	sess, err := s.StartSession(context.Background())
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	sess.Stop()
	sess.Stop()

	err = sess.Send(context.Background(), mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, Method: mcp.MethodPing, ID: mcp.NewIntID(1)})
	if !errors.Is(err, mcp.ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestStdIOServerTransport(t *testing.T) {
	r, w := io.Pipe()
	s := mcp.NewStdIO(r, io.Discard)

	sessions := make(chan mcp.Session, 1)
	iterDone := make(chan struct{})
	go func() {
		defer close(iterDone)
		for sess := range s.Sessions() {
			sessions <- sess
		}
	}()

	var sess mcp.Session
	select {
	case sess = <-sessions:
	case <-time.After(testTimeout):
		t.Fatal("no session yielded")
	}

	// Sessions keeps running until the single session stops.
	select {
	case <-iterDone:
		t.Fatal("Sessions returned before the session stopped")
	case <-time.After(50 * time.Millisecond):
	}

	_ = w.Close()
	sess.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shutdown: %v", err)
	}
	<-iterDone
}
