package realtime

import (
	"errors"
	"fmt"

	"github.com/adred-codev/parkdog_dm/internal/protocol"
	"github.com/adred-codev/parkdog_dm/internal/sanitize"
	"github.com/adred-codev/parkdog_dm/internal/store"
)

// ProtocolError is returned by event handlers and rendered as a dm:error
// frame. Message is shown to the client; Cause is logged only.
type ProtocolError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return e.Code + ": " + e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

func newError(code, message string) error {
	return &ProtocolError{Code: code, Message: message}
}

func wrapError(code, message string, cause error) error {
	return &ProtocolError{Code: code, Message: message, Cause: cause}
}

var (
	errConversationNotFound = newError(protocol.CodeConversationNotFound, "conversation not found")
	errNotParticipant       = newError(protocol.CodeUnauthorized, "not a participant of this conversation")
	errBlocked              = newError(protocol.CodeBlocked, "messaging is blocked between these users")
	errNoMatch              = newError(protocol.CodeNoMatch, "users are not matched")
	errRateLimited          = newError(protocol.CodeRateLimited, "too many requests, slow down")
	errNoSession            = newError(protocol.CodeUnauthorized, "not authenticated")
)

// classify maps an arbitrary handler error onto a ProtocolError. Errors the
// handlers did not classify become INTERNAL_ERROR.
func classify(err error) *ProtocolError {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return &ProtocolError{Code: protocol.CodeConversationNotFound, Message: "conversation not found", Cause: err}
	case errors.Is(err, store.ErrNotParticipant):
		return &ProtocolError{Code: protocol.CodeUnauthorized, Message: "not a participant of this conversation", Cause: err}
	case errors.Is(err, store.ErrInvalidPair):
		return &ProtocolError{Code: protocol.CodeInvalidData, Message: "cannot open a conversation with yourself", Cause: err}
	case errors.Is(err, sanitize.ErrEmpty), errors.Is(err, sanitize.ErrSuspiciousContent):
		return &ProtocolError{Code: protocol.CodeInvalidMessage, Message: err.Error(), Cause: err}
	}
	return &ProtocolError{Code: protocol.CodeInternalError, Message: "internal error", Cause: err}
}
