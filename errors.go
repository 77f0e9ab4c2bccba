package mcp

import (
	"context"
	"errors"
	"fmt"
)

// ErrorTag names the class of a protocol error. It travels in the "tag" field of the error's
// data so that peers can branch on it without parsing messages.
type ErrorTag string

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error. Errors produced by this package
	// always carry a "tag" entry holding an ErrorTag.
	Data map[string]any `json:"data,omitempty"`
}

// Error tags.
const (
	TagNotFound              ErrorTag = "NotFound"
	TagInvalidParams         ErrorTag = "InvalidParams"
	TagMissingRequiredParam  ErrorTag = "MissingRequiredParam"
	TagCapabilityNotDeclared ErrorTag = "CapabilityNotDeclared"
	TagCancelled             ErrorTag = "Cancelled"
	TagHandlerFailure        ErrorTag = "HandlerFailure"
)

var (
	// ErrSessionClosed is returned for operations on a session that already ended.
	ErrSessionClosed = errors.New("session closed")

	// ErrRegistryFrozen is returned when an item is added to a registry that a Server already uses.
	ErrRegistryFrozen = errors.New("registry is frozen")
)

// Errorf builds a tagged JSONRPCError. The JSON-RPC code is derived from the tag.
func Errorf(tag ErrorTag, format string, args ...any) JSONRPCError {
	return JSONRPCError{
		Code:    tag.code(),
		Message: fmt.Sprintf(format, args...),
		Data:    map[string]any{"tag": string(tag)},
	}
}

// ErrorTagOf returns the tag carried by err, or an empty tag when err is not a tagged
// JSONRPCError.
func ErrorTagOf(err error) ErrorTag {
	var jErr JSONRPCError
	if errors.As(err, &jErr) {
		return jErr.Tag()
	}
	var pErr *JSONRPCError
	if errors.As(err, &pErr) && pErr != nil {
		return pErr.Tag()
	}
	return ""
}

func (j JSONRPCError) Error() string {
	if tag := j.Tag(); tag != "" {
		return fmt.Sprintf("%s (code %d): %s", tag, j.Code, j.Message)
	}
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}

// Tag returns the ErrorTag stored in Data, if any.
func (j JSONRPCError) Tag() ErrorTag {
	tag, _ := j.Data["tag"].(string)
	return ErrorTag(tag)
}

// With returns a copy of the error with an additional data entry.
func (j JSONRPCError) With(key string, value any) JSONRPCError {
	data := make(map[string]any, len(j.Data)+1)
	for k, v := range j.Data {
		data[k] = v
	}
	data[key] = value
	j.Data = data
	return j
}

func (t ErrorTag) code() int {
	switch t {
	case TagNotFound:
		return jsonRPCNotFoundCode
	case TagInvalidParams, TagMissingRequiredParam:
		return jsonRPCInvalidParamsCode
	case TagCapabilityNotDeclared:
		return jsonRPCMethodNotFoundCode
	case TagCancelled:
		return jsonRPCCancelledCode
	default:
		return jsonRPCInternalErrorCode
	}
}

// toJSONRPCError converts anything a handler returned into the error object sent to the peer.
// Tagged errors pass through, context cancellation becomes Cancelled, and everything else is
// wrapped as HandlerFailure carrying the original message.
func toJSONRPCError(err error) *JSONRPCError {
	var jErr JSONRPCError
	if errors.As(err, &jErr) && jErr.Tag() != "" {
		return &jErr
	}
	var pErr *JSONRPCError
	if errors.As(err, &pErr) && pErr != nil && pErr.Tag() != "" {
		return pErr
	}
	if errors.Is(err, context.Canceled) {
		e := Errorf(TagCancelled, "request cancelled")
		return &e
	}
	e := Errorf(TagHandlerFailure, "%s", err.Error())
	return &e
}
