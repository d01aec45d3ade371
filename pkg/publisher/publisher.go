// Package publisher emits credential lifecycle audit events. Events never
// carry secrets; delivery is best effort and must not block credential use.
package publisher

import (
	"context"
)

// Publisher delivers audit events to a sink.
type Publisher interface {
	// Publish sends event, giving up when ctx is done.
	Publish(ctx context.Context, event *Event) error

	Close() error
}
