package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// PayloadFunc receives one event payload for a channel. The same
// function is called for push events and for poll results.
type PayloadFunc func(payload json.RawMessage)

// PollFunc fetches the current state of a channel while in poll mode.
// It must return the same payload shape a push event would carry.
type PollFunc func(ctx context.Context) (json.RawMessage, error)

// PushTransport is the capability the manager needs from a pub/sub
// client. Listen binds fn to event on channel; Leave drops every
// binding on channel. Implementations must be safe for concurrent use.
type PushTransport interface {
	Listen(ctx context.Context, channel, event string, fn PayloadFunc) error
	Leave(ctx context.Context, channel string) error
}

// Suspender is implemented by push transports that keep a connection
// alive on their own. Suspend stops reconnection attempts while the
// manager is in poll mode; Resume re-enables them.
type Suspender interface {
	Suspend()
	Resume(ctx context.Context) error
}

// Snapshot is one answer from the status endpoint.
type Snapshot struct {
	Mode   Mode
	Reason Reason
	// PollingInterval is the cadence the backend wants while polling.
	// Zero means "no opinion".
	PollingInterval time.Duration
}

// StatusSource reports which mode the manager should use.
type StatusSource interface {
	Check(ctx context.Context) (Snapshot, error)
}
