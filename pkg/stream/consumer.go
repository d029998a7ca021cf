package stream

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/go-go-golems/chatsync/pkg/events"
	"github.com/go-go-golems/chatsync/pkg/helpers"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/remote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateStreaming  State = "streaming"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

type ChatStreamer interface {
	OpenChatStream(ctx context.Context, path string, request *remote.ChatRequest) (io.ReadCloser, error)
}

type Request struct {
	ConversationID string
	// Path is the streaming endpoint, remote.PathChat unless set.
	Path string
	Chat remote.ChatRequest
}

// Update is the live state of the response handed to the caller after every
// applied frame and state change.
type Update struct {
	State     State
	Delta     string
	Content   string
	Sources   []conversation.Source
	MessageID string
}

type Result struct {
	State         State
	Content       string
	Sources       []conversation.Source
	MessageID     string
	FinalReceived bool
	Malformed     int
	Err           error
}

// Message freezes the result into the assistant message kept in the
// transcript. Cancelled and failed results are marked partial.
func (r *Result) Message() conversation.Message {
	m := conversation.NewAssistantMessage(r.Content, conversation.CloneSources(r.Sources))
	m.MessageID = r.MessageID
	m.Partial = r.State != StateCompleted
	return m
}

// Cause is the human-readable failure reason of a failed result.
func (r *Result) Cause() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type Consumer struct {
	client    ChatStreamer
	sink      events.EventSink
	chunkSize int
}

type ConsumerOption func(*Consumer)

func WithSink(sink events.EventSink) ConsumerOption {
	return func(c *Consumer) {
		c.sink = sink
	}
}

func WithChunkSize(n int) ConsumerOption {
	return func(c *Consumer) {
		c.chunkSize = n
	}
}

func NewConsumer(client ChatStreamer, options ...ConsumerOption) *Consumer {
	ret := &Consumer{
		client:    client,
		sink:      events.NewNullSink(),
		chunkSize: 4096,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// run holds the mutable state of one response.
type run struct {
	c        *Consumer
	md       events.EventMetadata
	onUpdate func(Update)
	result   *Result
}

func (r *run) transition(s State) {
	r.result.State = s
	r.emit("")
}

func (r *run) emit(delta string) {
	if r.onUpdate == nil {
		return
	}
	r.onUpdate(Update{
		State:     r.result.State,
		Delta:     delta,
		Content:   r.result.Content,
		Sources:   conversation.CloneSources(r.result.Sources),
		MessageID: r.result.MessageID,
	})
}

func (r *run) apply(raw string) {
	f, err := ParseFrame(raw)
	if err != nil {
		r.result.Malformed++
		metrics.RecordMalformedFrame()
		log.Warn().Err(err).Str("conversation_id", r.md.ConversationID).Str("frame", raw).Msg("skipping malformed frame")
		return
	}
	if f == nil || r.result.FinalReceived {
		return
	}

	if f.MessageID != "" {
		r.result.MessageID = f.MessageID
	}
	if f.HasSources {
		r.result.Sources = f.Sources
		events.Publish(r.c.sink, events.NewSourcesEvent(r.md, conversation.CloneSources(f.Sources)))
	}
	if f.HasToken {
		r.result.Content += f.Token
		events.Publish(r.c.sink, events.NewPartialCompletionEvent(r.md, f.Token, r.result.Content))
	}
	if f.EOS {
		r.result.FinalReceived = true
		log.Debug().Str("conversation_id", r.md.ConversationID).Str("message_id", r.result.MessageID).Msg("end of stream received")
	}
	if f.HasToken || f.HasSources || f.EOS {
		r.emit(f.Token)
	}
}

// Run drives one response from request to a terminal state. It never returns
// an error: failures are reported through Result.State and Result.Err.
// Cancelling ctx stops the stream; a deadline on ctx fails it.
func (c *Consumer) Run(ctx context.Context, req Request, onUpdate func(Update)) *Result {
	requestID := helpers.RequestIDFromContext(ctx)
	ctx = helpers.ContextWithRequestID(ctx, requestID)

	r := &run{
		c:        c,
		md:       events.NewMetadata(req.ConversationID, requestID),
		onUpdate: onUpdate,
		result:   &Result{State: StateIdle, Sources: []conversation.Source{}},
	}
	path := req.Path
	if path == "" {
		path = remote.PathChat
	}
	started := time.Now()
	logger := log.With().Str("conversation_id", req.ConversationID).Str("request_id", requestID).Logger()

	r.transition(StateRequesting)
	events.Publish(c.sink, events.NewStartEvent(r.md, req.Chat.Question))

	body, err := c.client.OpenChatStream(ctx, path, &req.Chat)
	if err != nil {
		return c.finish(ctx, r, err, started)
	}
	defer func() { _ = body.Close() }()

	r.transition(StateStreaming)
	dec := NewDecoder()
	buf := make([]byte, c.chunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			for _, frame := range dec.Feed(buf[:n]) {
				// nothing is applied once the response is stopped
				if ctx.Err() != nil {
					return c.finish(ctx, r, ctx.Err(), started)
				}
				r.apply(frame)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return c.finish(ctx, r, readErr, started)
		}
		if ctx.Err() != nil {
			return c.finish(ctx, r, ctx.Err(), started)
		}
	}

	r.transition(StateFinalizing)
	if rest := dec.Flush(); rest != "" {
		r.apply(rest)
	}
	logger.Debug().
		Int("content_length", len(r.result.Content)).
		Bool("eos", r.result.FinalReceived).
		Dur("elapsed", time.Since(started)).
		Msg("stream finished")
	return c.finish(ctx, r, nil, started)
}

func (c *Consumer) finish(ctx context.Context, r *run, err error, started time.Time) *Result {
	res := r.result
	switch {
	case err == nil:
		res.State = StateCompleted
		events.Publish(c.sink, events.NewFinalEvent(r.md, res.Content, res.MessageID))
	case errors.Is(ctx.Err(), context.Canceled):
		res.State = StateCancelled
		events.Publish(c.sink, events.NewInterruptEvent(r.md, res.Content))
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.State = StateFailed
		res.Err = fmt.Errorf("response timed out after %s", time.Since(started).Round(time.Second))
	default:
		res.State = StateFailed
		res.Err = err
	}
	if res.State == StateFailed {
		metrics.RecordRemoteFailure("chat", string(remote.Classify(err)))
		events.Publish(c.sink, events.NewErrorEvent(r.md, res.Err))
		log.Warn().Err(res.Err).Str("conversation_id", r.md.ConversationID).Msg("stream failed")
	}
	metrics.RecordStream(string(res.State))
	r.emit("")
	return res
}
