package helpers

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"
)

// WatermillZerologAdapter routes watermill's internal logging into zerolog.
type WatermillZerologAdapter struct {
	logger zerolog.Logger
}

func NewWatermill(logger zerolog.Logger) *WatermillZerologAdapter {
	return &WatermillZerologAdapter{logger: logger}
}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(map[string]interface{}(fields)).Err(err).Msg(msg)
}

// Info is logged at debug, the pubsub is chatty at info.
func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillZerologAdapter{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}

var _ watermill.LoggerAdapter = &WatermillZerologAdapter{}

const (
	RequestIDHeader      = "X-Request-Id"
	requestIDMetadataKey = "request_id"
)

type requestIDKeyType string

const requestIDKey requestIDKeyType = "request_id"

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id carried by ctx, or a fresh one
// prefixed with "gen_" when none was attached.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v
	}
	return "gen_" + shortuuid.New()
}

func NewRequestID() string {
	return shortuuid.New()
}

// RequestIDPublisherDecorator stamps outgoing messages with the request id of
// their context, so events of one submit can be correlated in logs.
type RequestIDPublisherDecorator struct {
	message.Publisher
}

func (d RequestIDPublisherDecorator) Publish(topic string, messages ...*message.Message) error {
	for _, m := range messages {
		if m.Metadata.Get(requestIDMetadataKey) != "" {
			continue
		}
		m.Metadata.Set(requestIDMetadataKey, RequestIDFromContext(m.Context()))
	}
	return d.Publisher.Publish(topic, messages...)
}

func RequestIDFromMessage(m *message.Message) string {
	return m.Metadata.Get(requestIDMetadataKey)
}
