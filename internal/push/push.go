// Package push sends mobile notifications through an external gateway and
// keeps the per-user device token registry.
package push

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Notification is one multicast to every active device of a user.
type Notification struct {
	UserID   string            `json:"userId"`
	Tokens   []string          `json:"tokens"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	ThreadID string            `json:"threadId,omitempty"`
}

// Result counts per-token outcomes. InvalidTokens were rejected by the
// provider as unregistered and should be deactivated.
type Result struct {
	SuccessCount  int      `json:"successCount"`
	FailureCount  int      `json:"failureCount"`
	InvalidTokens []string `json:"invalidTokens,omitempty"`
}

//go:generate mockgen -destination=mocks/mock_push.go -package=mocks github.com/adred-codev/parkdog_dm/internal/push Gateway,DeviceRegistry

type Gateway interface {
	Send(ctx context.Context, n Notification) (Result, error)
}

type DeviceRegistry interface {
	ActiveTokens(ctx context.Context, userID string) ([]string, error)
	Register(ctx context.Context, userID, token, platform string) error
	Deactivate(ctx context.Context, tokens []string) error
}

const MaxBodyRunes = 100

// TruncateBody shortens s to at most max runes, marking the cut with "...".
func TruncateBody(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-3]) + "..."
}
