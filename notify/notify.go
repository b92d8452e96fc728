// Package notify contains the notification emitters handed to the
// reconciler. The real delivery channel (mail, webhook, message broker)
// sits behind the allocation.Emitter interface; this package ships the
// log-backed emitter used by the server and a no-op for tests.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/tierpoint/allocation-engine/allocation"
)

// LogEmitter writes every event to the structured log. It stands in for a
// real delivery channel and keeps the event flow observable.
type LogEmitter struct {
	log *zap.Logger
}

var _ allocation.Emitter = (*LogEmitter)(nil)

func NewLogEmitter(log *zap.Logger) *LogEmitter {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogEmitter{log: log}
}

func (e *LogEmitter) Emit(_ context.Context, event allocation.NotificationEvent) error {
	fields := []zap.Field{
		zap.String("type", string(event.Type)),
		zap.String("request_id", string(event.RequestID)),
		zap.String("client_id", string(event.ClientID)),
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	if event.Snapshot != nil {
		fields = append(fields,
			zap.Int64("quantity", event.Snapshot.Quantity),
			zap.Int64("points_credited", event.Snapshot.PointsCredited))
	}
	e.log.Info("notification", fields...)
	return nil
}

// NopEmitter discards every event.
type NopEmitter struct{}

var _ allocation.Emitter = NopEmitter{}

func (NopEmitter) Emit(context.Context, allocation.NotificationEvent) error {
	return nil
}
