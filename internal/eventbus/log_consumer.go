package eventbus

import (
	"context"

	"go.uber.org/zap"
)

// LogConsumer logs all bus events at debug level.
type LogConsumer struct {
	log *zap.Logger
}

func NewLogConsumer(log *zap.Logger) *LogConsumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogConsumer{log: log}
}

func (c *LogConsumer) HandleEvent(_ context.Context, evt Event) error {
	fields := []zap.Field{
		zap.String("kind", string(evt.Kind)),
		zap.String("namespace", evt.Namespace),
	}
	if evt.Key != "" {
		fields = append(fields, zap.String("key", evt.Key))
	}
	if evt.Entry != nil {
		fields = append(fields, zap.String("entry_id", evt.Entry.ID), zap.String("type", evt.Entry.Type))
	}
	c.log.Debug("event", fields...)
	return nil
}
