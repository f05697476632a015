// Package limits throttles per-actor actions with sliding windows and
// guards the WebSocket upgrade path with token buckets.
package limits

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action names one class of throttled work.
type Action string

const (
	ActionMessageSend    Action = "message_send"
	ActionTypingEvent    Action = "typing_event"
	ActionConnection     Action = "connection"
	ActionAPIGeneral     Action = "api_general"
	ActionWebsocketEvent Action = "websocket_event"
)

// Actions lists every known action in a stable order.
var Actions = []Action{
	ActionMessageSend,
	ActionTypingEvent,
	ActionConnection,
	ActionAPIGeneral,
	ActionWebsocketEvent,
}

// Rule allows Limit occurrences per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) String() string {
	return fmt.Sprintf("%d/%s", r.Limit, r.Window)
}

// Rules maps actions to their budget. Actions without a rule are unlimited.
type Rules map[Action]Rule

const (
	ProfileDevelopment = "development"
	ProfileProduction  = "production"
)

// Profile returns a copy of the named preset.
func Profile(name string) (Rules, error) {
	var src Rules
	switch name {
	case ProfileDevelopment, "":
		src = Rules{
			ActionMessageSend:    {Limit: 1000, Window: time.Minute},
			ActionTypingEvent:    {Limit: 500, Window: time.Minute},
			ActionConnection:     {Limit: 100, Window: time.Minute},
			ActionAPIGeneral:     {Limit: 10000, Window: time.Minute},
			ActionWebsocketEvent: {Limit: 2000, Window: time.Minute},
		}
	case ProfileProduction:
		src = Rules{
			ActionMessageSend:    {Limit: 30, Window: time.Minute},
			ActionTypingEvent:    {Limit: 60, Window: time.Minute},
			ActionConnection:     {Limit: 10, Window: time.Minute},
			ActionAPIGeneral:     {Limit: 300, Window: time.Minute},
			ActionWebsocketEvent: {Limit: 120, Window: time.Minute},
		}
	default:
		return nil, fmt.Errorf("unknown rate limit profile %q", name)
	}

	out := make(Rules, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out, nil
}

// ParseOverrides reads a comma separated list like
// "message_send=3/1m,typing_event=10/10s".
func ParseOverrides(s string) (Rules, error) {
	out := Rules{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("override %q: missing '='", part)
		}
		action := Action(strings.TrimSpace(name))
		if !action.known() {
			return nil, fmt.Errorf("override %q: unknown action %q", part, action)
		}

		count, window, ok := strings.Cut(strings.TrimSpace(value), "/")
		if !ok {
			return nil, fmt.Errorf("override %q: expected <count>/<window>", part)
		}
		limit, err := strconv.Atoi(count)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("override %q: invalid count %q", part, count)
		}
		d, err := time.ParseDuration(window)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("override %q: invalid window %q", part, window)
		}
		out[action] = Rule{Limit: limit, Window: d}
	}
	return out, nil
}

// Merge applies overrides on top of r in place and returns r.
func (r Rules) Merge(overrides Rules) Rules {
	for k, v := range overrides {
		r[k] = v
	}
	return r
}

func (a Action) known() bool {
	for _, k := range Actions {
		if k == a {
			return true
		}
	}
	return false
}

// Limiter decides whether an actor may perform an action now. A limiter
// whose backend fails must allow.
type Limiter interface {
	Allow(ctx context.Context, actorID string, action Action) bool
}

func key(action Action, actorID string) string {
	return "rate_limit:" + string(action) + ":" + actorID
}
