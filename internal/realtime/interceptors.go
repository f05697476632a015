package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/parkdog_dm/internal/limits"
	"github.com/adred-codev/parkdog_dm/internal/monitoring"
	"github.com/adred-codev/parkdog_dm/internal/protocol"
	"github.com/adred-codev/parkdog_dm/internal/sanitize"
)

// Call is one inbound event travelling through the interceptor chain.
type Call struct {
	Client  *Client
	Event   string
	Raw     json.RawMessage
	Payload any // set by the decode step

	route *route
}

type Invoker func(ctx context.Context, call *Call) error

type Interceptor func(next Invoker) Invoker

// chain wraps final so that interceptors[0] runs first.
func chain(final Invoker, interceptors ...Interceptor) Invoker {
	for i := len(interceptors) - 1; i >= 0; i-- {
		final = interceptors[i](final)
	}
	return final
}

type route struct {
	// action is the event-specific limiter class, on top of websocket_event
	action limits.Action
	// silent routes never answer with dm:error
	silent     bool
	newPayload func() any
	handle     func(ctx context.Context, c *Client, payload any) error
}

func on[T any](action limits.Action, silent bool, fn func(context.Context, *Client, *T) error) *route {
	return &route{
		action:     action,
		silent:     silent,
		newPayload: func() any { return new(T) },
		handle: func(ctx context.Context, c *Client, payload any) error {
			return fn(ctx, c, payload.(*T))
		},
	}
}

func (s *Service) buildRoutes() map[string]*route {
	return map[string]*route{
		protocol.EventJoin:   on("", false, s.join),
		protocol.EventSend:   on(limits.ActionMessageSend, false, s.send),
		protocol.EventRead:   on("", false, s.read),
		protocol.EventTyping: on(limits.ActionTypingEvent, true, s.typing),
		protocol.EventLeave:  on("", false, s.leave),
		protocol.EventPing:   on("", false, s.ping),
	}
}

func dispatch(ctx context.Context, call *Call) error {
	return call.route.handle(ctx, call.Client, call.Payload)
}

// Handle processes one text frame from c.
func (s *Service) Handle(ctx context.Context, c *Client, data []byte) {
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		s.hub.Reply(c, protocol.EventError, protocol.Error{Code: protocol.CodeInvalidData, Message: "malformed frame"})
		return
	}

	r, ok := s.routes[frame.Type]
	if !ok {
		s.hub.Reply(c, protocol.EventError, protocol.Error{
			Code:    protocol.CodeInvalidData,
			Message: "unknown event",
			Event:   frame.Type,
		})
		return
	}

	_ = s.invoke(ctx, &Call{Client: c, Event: frame.Type, Raw: frame.Data, route: r})
}

// recoverer is the error boundary: it turns panics into errors and every
// error into a dm:error frame.
func (s *Service) recoverer(next Invoker) Invoker {
	return func(ctx context.Context, call *Call) (err error) {
		defer func() {
			if p := recover(); p != nil {
				monitoring.RecordError("panic")
				err = fmt.Errorf("panic in %s handler: %v", call.Event, p)
				monitoring.LogErrorWithStack(s.logger, err, "Recovered from handler panic", map[string]any{
					"event":   call.Event,
					"conn_id": call.Client.id,
				})
			}
			if err != nil {
				s.reportError(call, err)
			}
		}()
		return next(ctx, call)
	}
}

func (s *Service) reportError(call *Call, err error) {
	pe := classify(err)
	if call.route.silent {
		s.logger.Debug().Err(err).Str("event", call.Event).Msg("Event dropped")
		return
	}

	out := protocol.Error{
		Code:    pe.Code,
		Message: pe.Message,
		Event:   call.Event,
		TempID:  tempIDOf(call),
	}
	if pe.Code == protocol.CodeInternalError {
		out.TraceID = uuid.NewString()
		if !s.opts.HideInternalErrors {
			out.Message = err.Error()
		}
		s.logger.Error().
			Err(err).
			Str("trace_id", out.TraceID).
			Str("event", call.Event).
			Str("user_id", call.Client.userID).
			Msg("Event failed")
	} else {
		s.logger.Debug().Err(err).Str("code", pe.Code).Str("event", call.Event).Msg("Event rejected")
	}
	s.hub.Reply(call.Client, protocol.EventError, out)
}

// tempIDOf lets the client correlate a failed send with its optimistic bubble.
func tempIDOf(call *Call) string {
	if req, ok := call.Payload.(*protocol.SendRequest); ok {
		return req.TempID
	}
	if call.Event != protocol.EventSend {
		return ""
	}
	var partial struct {
		TempID string `json:"tempId"`
	}
	_ = json.Unmarshal(call.Raw, &partial)
	return partial.TempID
}

func (s *Service) instrument(next Invoker) Invoker {
	return func(ctx context.Context, call *Call) error {
		start := time.Now()
		err := next(ctx, call)

		result := "ok"
		if err != nil {
			result = classify(err).Code
		}
		monitoring.RecordEvent(call.Event, result, time.Since(start))
		s.logger.Debug().
			Str("event", call.Event).
			Str("conn_id", call.Client.id).
			Str("result", result).
			Dur("took", time.Since(start)).
			Msg("Event handled")
		return err
	}
}

func (s *Service) requireSession(next Invoker) Invoker {
	return func(ctx context.Context, call *Call) error {
		if call.Client == nil || call.Client.userID == "" {
			return errNoSession
		}
		return next(ctx, call)
	}
}

func (s *Service) rateLimit(next Invoker) Invoker {
	return func(ctx context.Context, call *Call) error {
		user := call.Client.userID
		if !s.limiter.Allow(ctx, user, limits.ActionWebsocketEvent) {
			return errRateLimited
		}
		if a := call.route.action; a != "" && !s.limiter.Allow(ctx, user, a) {
			return errRateLimited
		}
		return next(ctx, call)
	}
}

func (s *Service) decode(next Invoker) Invoker {
	return func(ctx context.Context, call *Call) error {
		payload := call.route.newPayload()
		if len(call.Raw) > 0 && string(call.Raw) != "null" {
			if err := json.Unmarshal(call.Raw, payload); err != nil {
				return wrapError(protocol.CodeInvalidData, "malformed payload", err)
			}
		}
		if err := s.validate.Struct(payload); err != nil {
			switch field := sanitize.FirstInvalidField(err); field {
			case "conversationId":
				return wrapError(protocol.CodeInvalidConversationID, "invalid conversation id", err)
			case "text":
				return wrapError(protocol.CodeInvalidMessage, "message text is required", err)
			default:
				return wrapError(protocol.CodeInvalidData, "invalid field: "+field, err)
			}
		}
		call.Payload = payload
		return next(ctx, call)
	}
}

func (s *Service) touchPresence(next Invoker) Invoker {
	return func(ctx context.Context, call *Call) error {
		c := call.Client
		c.leaseMu.Lock()
		if !c.closed() {
			if err := s.presence.Touch(ctx, c.userID, c.id, s.opts.PresenceTTL); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.id).Msg("Presence touch failed")
			}
		}
		c.leaseMu.Unlock()
		return next(ctx, call)
	}
}
