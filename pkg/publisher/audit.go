package publisher

import (
	"context"

	"go.uber.org/zap"
)

// Auditor publishes credential events on a best-effort basis: failures are
// logged and never returned. A nil *Auditor is valid and does nothing.
type Auditor struct {
	pub    Publisher
	logger *zap.Logger
}

// NewAuditor wraps pub. A nil pub behaves like NopPublisher.
func NewAuditor(pub Publisher, logger *zap.Logger) *Auditor {
	if pub == nil {
		pub = NewNopPublisher(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{pub: pub, logger: logger}
}

// Emit builds and publishes an event.
func (a *Auditor) Emit(ctx context.Context, typ EventType, provider, profileID string, detail map[string]string) {
	if a == nil {
		return
	}

	event, err := NewEvent(typ, provider, profileID, detail)
	if err != nil {
		a.logger.Warn("dropping audit event", zap.String("type", string(typ)), zap.Error(err))
		return
	}

	if err := a.pub.Publish(context.WithoutCancel(ctx), event); err != nil {
		a.logger.Warn("publishing audit event",
			zap.String("type", string(typ)),
			zap.String("provider", provider),
			zap.Error(err),
		)
	}
}

// Close closes the underlying publisher.
func (a *Auditor) Close() error {
	if a == nil {
		return nil
	}
	return a.pub.Close()
}
