package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Topic is a category of server-to-client notification.
type Topic int

// Topic values.
const (
	TopicProgress Topic = iota
	TopicResourceUpdated
	TopicListChanged
	TopicLog
)

// notificationBus writes out-of-band notifications for one session. Emissions are serialized, so
// notifications on a topic reach the transport in the order they were emitted.
type notificationBus struct {
	session     Session
	subs        *SubscriptionTable
	logger      *slog.Logger
	sendTimeout time.Duration

	// logLevel is the minimum level of TopicLog notifications, set by logging/setLevel.
	logLevel atomic.Int32

	mu sync.Mutex
}

func newNotificationBus(session Session, subs *SubscriptionTable, logger *slog.Logger, sendTimeout time.Duration) *notificationBus {
	b := &notificationBus{
		session:     session,
		subs:        subs,
		logger:      logger,
		sendTimeout: sendTimeout,
	}
	b.logLevel.Store(int32(LogLevelInfo))
	return b
}

// Emit sends a notification for topic. It is best effort: failures are logged, never returned.
// The payload type depends on the topic:
//   - TopicProgress: ProgressParams
//   - TopicResourceUpdated: the resource URI as a string
//   - TopicListChanged: the CapabilityKind whose items changed
//   - TopicLog: LogParams
//
// It reports whether a notification was written.
func (b *notificationBus) Emit(topic Topic, payload any) bool {
	msg, ok, err := b.build(topic, payload)
	if err != nil {
		b.logger.Error("failed to build notification", slog.String("topic", topic.String()), slog.String("err", err.Error()))
		return false
	}
	if !ok {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout)
	defer cancel()

	if err := b.session.Send(ctx, msg); err != nil {
		b.logger.Warn("failed to send notification",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		return false
	}
	return true
}

func (b *notificationBus) build(topic Topic, payload any) (JSONRPCMessage, bool, error) {
	switch topic {
	case TopicProgress:
		params, ok := payload.(ProgressParams)
		if !ok {
			return JSONRPCMessage{}, false, fmt.Errorf("progress payload must be ProgressParams, got %T", payload)
		}
		if params.ProgressToken.IsZero() {
			return JSONRPCMessage{}, false, nil
		}
		msg, err := newNotification(MethodNotificationsProgress, params)
		return msg, err == nil, err
	case TopicResourceUpdated:
		uri, ok := payload.(string)
		if !ok {
			return JSONRPCMessage{}, false, fmt.Errorf("resource-updated payload must be a string, got %T", payload)
		}
		if !b.subs.Has(uri) {
			return JSONRPCMessage{}, false, nil
		}
		msg, err := newNotification(MethodNotificationsResourcesUpdated, notificationsResourcesUpdatedParams{URI: uri})
		return msg, err == nil, err
	case TopicListChanged:
		kind, ok := payload.(CapabilityKind)
		if !ok {
			return JSONRPCMessage{}, false, fmt.Errorf("list-changed payload must be a CapabilityKind, got %T", payload)
		}
		method := kind.listChangedMethod()
		if method == "" {
			return JSONRPCMessage{}, false, nil
		}
		msg, err := newNotification(method, nil)
		return msg, err == nil, err
	case TopicLog:
		params, ok := payload.(LogParams)
		if !ok {
			return JSONRPCMessage{}, false, fmt.Errorf("log payload must be LogParams, got %T", payload)
		}
		if int32(params.Level) < b.logLevel.Load() {
			return JSONRPCMessage{}, false, nil
		}
		msg, err := newNotification(MethodNotificationsMessage, params)
		return msg, err == nil, err
	}
	return JSONRPCMessage{}, false, fmt.Errorf("unknown topic %d", int(topic))
}

func (b *notificationBus) setLogLevel(level LogLevel) {
	b.logLevel.Store(int32(level))
}

func (t Topic) String() string {
	switch t {
	case TopicProgress:
		return "progress"
	case TopicResourceUpdated:
		return "resource-updated"
	case TopicListChanged:
		return "list-changed"
	case TopicLog:
		return "log"
	}
	return fmt.Sprintf("Topic(%d)", int(t))
}

// logData wraps a plain message the way notifications/message data is usually shaped.
func logData(data any) json.RawMessage {
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	if s, ok := data.(string); ok {
		data = map[string]string{"message": s}
	}
	bs, err := json.Marshal(data)
	if err != nil {
		bs, _ = json.Marshal(map[string]string{"message": fmt.Sprint(data)})
	}
	return bs
}
