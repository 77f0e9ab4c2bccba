package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer for MCP communication using
// newline-delimited JSON-RPC messages over stdin/stdout or similar io.Reader/io.Writer pairs.
// It provides a single persistent session and can be used as either ServerTransport or
// ClientTransport. Proper initialization requires using the NewStdIO constructor function.
//
// Each message is one line of UTF-8 JSON. Blank lines are ignored and lines that are not valid
// JSON are logged and skipped. The session ends when the reader reaches EOF or Stop is called.
type StdIO struct {
	sess   *stdIOSession
	closed chan struct{}
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

type stdIOSession struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeMessages chan stdIOMessage
	lines         chan string

	readOnce    sync.Once
	readStarted atomic.Bool
	stopOnce    sync.Once

	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}
}

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		sess: &stdIOSession{
			id:            uuid.New().String(),
			reader:        reader,
			writer:        writer,
			logger:        slog.Default(),
			writeMessages: make(chan stdIOMessage),
			lines:         make(chan string),
			done:          make(chan struct{}),
			readClosed:    make(chan struct{}),
			writeClosed:   make(chan struct{}),
		},
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	go s.sess.processWriteMessages()

	return s
}

// WithStdIOLogger sets the logger for the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.sess.logger = logger.With(slog.String("component", "stdio"))
	}
}

// Sessions implements the ServerTransport interface by yielding the single session, and
// returning once that session has stopped.
func (s *StdIO) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		// StdIO only supports a single session, so we yield it and wait until it's done.
		if !yield(s.sess) {
			return
		}
		<-s.sess.done
	}
}

// Shutdown implements the ServerTransport interface. It waits for the Sessions loop to end,
// which happens once the session has been stopped.
func (s *StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for stdio session: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface. The stdio session is ready as soon as
// the transport exists.
func (s *StdIO) StartSession(_ context.Context) (Session, error) {
	return s.sess, nil
}

func (s *stdIOSession) ID() string {
	return s.id
}

func (s *stdIOSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message, the write loop owns the writer.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			s.logger.Error("failed to write message", slog.String("err", err.Error()))
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stdIOSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		s.readStarted.Store(true)
		defer close(s.readClosed)

		s.readOnce.Do(func() {
			go s.readLines()
		})

		for {
			var line string
			select {
			case <-s.done:
				return
			case l, ok := <-s.lines:
				if !ok {
					return
				}
				line = l
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				s.logger.Warn("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}

			if !yield(msg) {
				return
			}
		}
	}
}

// readLines owns the reader. It runs until EOF, a read error, or the session is stopped; a read
// blocked on a reader that never returns outlives Stop.
func (s *stdIOSession) readLines() {
	defer close(s.lines)

	// bufio.Reader instead of bufio.Scanner, so long lines have no size limit.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			select {
			case <-s.done:
				return
			case s.lines <- line:
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Error("failed to read message", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (s *stdIOSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		<-s.writeClosed
		if s.readStarted.Load() {
			<-s.readClosed
		}
	})
}

func (s *stdIOSession) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)
		msg.errs <- err
	}
}
