package publisher

import (
	"context"

	"go.uber.org/zap"
)

// NopPublisher discards events. Each discarded event is logged at debug level
// so audit activity stays visible with --debug when no broker is configured.
type NopPublisher struct {
	logger *zap.Logger
}

// NewNopPublisher creates a discarding publisher. logger may be nil.
func NewNopPublisher(logger *zap.Logger) *NopPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NopPublisher{logger: logger}
}

// Publish logs event and drops it.
func (n *NopPublisher) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	n.logger.Debug("audit event (publishing disabled)",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("provider", event.Provider),
		zap.String("profile_id", event.ProfileID),
	)
	return nil
}

func (n *NopPublisher) Close() error {
	return nil
}
