// Package presence tracks which users have live realtime connections, which
// connection belongs to which user, and which conversations a user is
// currently viewing.
//
// Every record is time-boxed. A process that dies without running its
// disconnect path leaves entries that expire on their own within one TTL.
package presence

import (
	"context"
	"errors"
	"time"
)

var ErrUnknownConnection = errors.New("presence: unknown connection")

// Registry is shared by every realtime process. The Redis implementation is
// the multi-process backend; Memory is for single-process development.
type Registry interface {
	// SetOnline records connID as a live connection of userID.
	SetOnline(ctx context.Context, userID, connID string, ttl time.Duration) error
	// Touch extends a live connection's lease.
	Touch(ctx context.Context, userID, connID string, ttl time.Duration) error
	// Disconnect removes connID and reports whether userID still has other
	// live connections.
	Disconnect(ctx context.Context, userID, connID string) (stillOnline bool, err error)
	// SetOffline drops every connection of userID.
	SetOffline(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
	// LastSeen is the zero time for users never seen.
	LastSeen(ctx context.Context, userID string) (time.Time, error)

	Bind(ctx context.Context, connID, userID string, ttl time.Duration) error
	Resolve(ctx context.Context, connID string) (string, error)
	Unbind(ctx context.Context, connID string) error

	// SetViewing marks that connID of userID has conversationID open.
	SetViewing(ctx context.Context, userID, conversationID, connID string, ttl time.Duration) error
	ClearViewing(ctx context.Context, userID, conversationID, connID string) error
	// IsViewing is true when any live connection of userID has the
	// conversation open.
	IsViewing(ctx context.Context, userID, conversationID string) (bool, error)
}
