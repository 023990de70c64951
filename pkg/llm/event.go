package llm

import (
	"fmt"
	"strings"
)

// StreamEvent is one normalized event of a streamed completion. The concrete
// types are TextDelta, ToolCallRequested, Done and StreamError.
type StreamEvent interface {
	streamEvent()
}

// TextDelta carries incremental assistant text.
type TextDelta struct {
	Text string
}

// ToolCallRequested carries the complete tool calls of one response.
type ToolCallRequested struct {
	Calls []ToolCall
}

// Done marks the end of a successful response.
type Done struct {
	StopReason string
}

// ErrorKind names the failure carried by a StreamError.
type ErrorKind string

const (
	KindHTTPError    ErrorKind = "HttpError"
	KindRequestError ErrorKind = "RequestError"
	KindTimeout      ErrorKind = "Timeout"
	KindProtocol     ErrorKind = "ProtocolError"
	KindVendor       ErrorKind = "VendorError"
	KindAuth         ErrorKind = "AuthError"
	KindInternal     ErrorKind = "InternalError"
)

// StreamError ends a stream with a failure. Status and Body are set for
// KindHTTPError; Detail for everything else.
type StreamError struct {
	Kind   ErrorKind
	Status int
	Body   string
	Detail string
}

func (TextDelta) streamEvent()         {}
func (ToolCallRequested) streamEvent() {}
func (Done) streamEvent()              {}
func (StreamError) streamEvent()       {}

func (e StreamError) String() string {
	switch e.Kind {
	case KindHTTPError:
		return fmt.Sprintf("HttpError{status: %d, body: %q}", e.Status, e.Body)
	default:
		return fmt.Sprintf("%s{%s}", e.Kind, e.Detail)
	}
}

// Class maps the error kind onto the user-facing failure class.
func (e StreamError) Class() Class {
	switch e.Kind {
	case KindHTTPError:
		if e.Status == 401 || e.Status == 403 {
			return ClassAuth
		}
		return ClassTransport
	case KindRequestError, KindTimeout, KindVendor:
		return ClassTransport
	case KindProtocol:
		return ClassProtocol
	case KindAuth:
		return ClassAuth
	default:
		return ClassInternal
	}
}

// IsTerminal reports whether ev ends a stream.
func IsTerminal(ev StreamEvent) bool {
	switch ev.(type) {
	case Done, StreamError:
		return true
	}
	return false
}

// Collect concatenates the text deltas of events. Mostly useful in tests and
// non-interactive callers.
func Collect(events []StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if d, ok := ev.(TextDelta); ok {
			b.WriteString(d.Text)
		}
	}
	return b.String()
}
