package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/chatsync/pkg/helpers"
	"github.com/rs/zerolog/log"
)

const TopicChat = "chatsync"

// EventRouter is the in-process bus the engine publishes to and the CLI
// subscribes from. Publishing waits for subscribers to ack so that events of
// one stream are delivered in order; Subscribe acks right away and keeps its
// own bounded backlog.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	bufferSize int64
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		if verbose {
			r.logger = helpers.NewWatermill(log.Logger)
		}
	}
}

func WithBufferSize(n int64) EventRouterOption {
	return func(r *EventRouter) {
		r.bufferSize = n
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger:     watermill.NopLogger{},
		bufferSize: 256,
	}
	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            ret.bufferSize,
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = helpers.RequestIDPublisherDecorator{Publisher: goPubSub}
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router
	return ret, nil
}

// Subscribe decodes the events of topic onto a channel until ctx is done.
// Messages are acked as soon as they are decoded, so a slow reader never holds
// up publishers. Events wait in a backlog of up to the buffer size; when it
// overflows, the oldest partial completion is dropped first (later partial
// and final events carry the full content), then the oldest event.
func (e *EventRouter) Subscribe(ctx context.Context, topic string) (<-chan Event, error) {
	msgs, err := e.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	out := make(chan Event)
	limit := int(e.bufferSize)
	if limit <= 0 {
		limit = 1
	}
	go func() {
		defer close(out)
		backlog := []Event{}
		dropped := 0
		for {
			var send chan<- Event
			var next Event
			if len(backlog) > 0 {
				send = out
				next = backlog[0]
			}

			select {
			case msg, ok := <-msgs:
				if !ok {
					for _, ev := range backlog {
						select {
						case out <- ev:
						case <-ctx.Done():
							return
						}
					}
					return
				}
				ev, err := NewEventFromJson(msg.Payload)
				msg.Ack()
				if err != nil {
					log.Warn().Err(err).Str("message_id", msg.UUID).Msg("could not decode event")
					continue
				}
				backlog = append(backlog, ev)
				if len(backlog) > limit {
					backlog = shed(backlog)
					dropped++
					if dropped == 1 {
						log.Warn().Str("topic", topic).Int("backlog", limit).Msg("subscriber is falling behind, dropping events")
					}
				}
			case send <- next:
				backlog = backlog[1:]
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// shed removes one event from a full backlog, preferring the oldest partial
// completion.
func shed(backlog []Event) []Event {
	for i, ev := range backlog {
		if ev.Type() == EventTypePartialCompletion {
			return append(backlog[:i:i], backlog[i+1:]...)
		}
	}
	return backlog[1:]
}

// Sink returns an EventSink publishing to the given topic of this router.
func (e *EventRouter) Sink(topic string) *WatermillSink {
	return NewWatermillSink(e.Publisher, topic)
}

// AddEventHandler registers f for every decoded event on topic. Undecodable
// messages are logged and acknowledged.
func (e *EventRouter) AddEventHandler(name string, topic string, f func(Event) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, func(msg *message.Message) error {
		ev, err := NewEventFromJson(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("could not decode event")
			return nil
		}
		return f(ev)
	})
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) IsRunning() bool {
	return e.router.IsRunning()
}

func (e *EventRouter) Close() error {
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
	}
	if err := e.router.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close router")
	}
	return nil
}
