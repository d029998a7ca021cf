package events

import (
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart to EventTypeFinal describe a single streamed response.
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeSources           EventType = "sources"
	EventTypeFinal             EventType = "final"
	EventTypeInterrupt         EventType = "interrupt"
	EventTypeError             EventType = "error"

	EventTypeStatusChanged  EventType = "status-changed"
	EventTypeAdvisory       EventType = "advisory"
	EventTypeSaveResult     EventType = "save-result"
	EventTypeTitleGenerated EventType = "title-generated"
	EventTypeOutboxChanged  EventType = "outbox-changed"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventMetadata struct {
	ID             uuid.UUID `json:"event_id" yaml:"event_id"`
	ConversationID string    `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty"`
	// RequestID correlates all events of one submit.
	RequestID string                 `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty"`
}

func NewMetadata(conversationID, requestID string) EventMetadata {
	return EventMetadata{
		ID:             uuid.New(),
		ConversationID: conversationID,
		RequestID:      requestID,
	}
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.RequestID != "" {
		e.Str("request_id", em.RequestID)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// set when the event was decoded by NewEventFromJson
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

type EventStart struct {
	EventImpl
	Question string `json:"question"`
}

func NewStartEvent(metadata EventMetadata, question string) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
		Question:  question,
	}
}

// EventPartialCompletion carries one token and the accumulated text so far.
type EventPartialCompletion struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

type EventSources struct {
	EventImpl
	Sources []conversation.Source `json:"sources"`
}

func NewSourcesEvent(metadata EventMetadata, sources []conversation.Source) *EventSources {
	return &EventSources{
		EventImpl: EventImpl{Type_: EventTypeSources, Metadata_: metadata},
		Sources:   sources,
	}
}

type EventFinal struct {
	EventImpl
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, text string, messageID string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
		MessageID: messageID,
	}
}

// EventInterrupt is emitted when a stream was stopped by the user. Text holds
// the partial response that was kept.
type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	s := "unknown error"
	if err != nil {
		s = err.Error()
	}
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: s,
	}
}

type EventStatusChanged struct {
	EventImpl
	Previous string `json:"previous"`
	Current  string `json:"current"`
	Reason   string `json:"reason,omitempty"`
}

func NewStatusChangedEvent(metadata EventMetadata, previous, current, reason string) *EventStatusChanged {
	return &EventStatusChanged{
		EventImpl: EventImpl{Type_: EventTypeStatusChanged, Metadata_: metadata},
		Previous:  previous,
		Current:   current,
		Reason:    reason,
	}
}

// EventAdvisory is a short user-facing notice, such as a save that fell back
// to local storage.
type EventAdvisory struct {
	EventImpl
	Text string `json:"text"`
}

func NewAdvisoryEvent(metadata EventMetadata, text string) *EventAdvisory {
	return &EventAdvisory{
		EventImpl: EventImpl{Type_: EventTypeAdvisory, Metadata_: metadata},
		Text:      text,
	}
}

type EventSaveResult struct {
	EventImpl
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func NewSaveResultEvent(metadata EventMetadata, outcome string, err error) *EventSaveResult {
	ret := &EventSaveResult{
		EventImpl: EventImpl{Type_: EventTypeSaveResult, Metadata_: metadata},
		Outcome:   outcome,
	}
	if err != nil {
		ret.Error = err.Error()
	}
	return ret
}

type EventTitleGenerated struct {
	EventImpl
	Title    string `json:"title"`
	Fallback bool   `json:"fallback"`
}

func NewTitleGeneratedEvent(metadata EventMetadata, title string, fallback bool) *EventTitleGenerated {
	return &EventTitleGenerated{
		EventImpl: EventImpl{Type_: EventTypeTitleGenerated, Metadata_: metadata},
		Title:     title,
		Fallback:  fallback,
	}
}

type EventOutboxChanged struct {
	EventImpl
	Pending []string `json:"pending"`
}

func NewOutboxChangedEvent(metadata EventMetadata, pending []string) *EventOutboxChanged {
	return &EventOutboxChanged{
		EventImpl: EventImpl{Type_: EventTypeOutboxChanged, Metadata_: metadata},
		Pending:   append([]string{}, pending...),
	}
}

var (
	_ Event = &EventStart{}
	_ Event = &EventPartialCompletion{}
	_ Event = &EventSources{}
	_ Event = &EventFinal{}
	_ Event = &EventInterrupt{}
	_ Event = &EventError{}
	_ Event = &EventStatusChanged{}
	_ Event = &EventAdvisory{}
	_ Event = &EventSaveResult{}
	_ Event = &EventTitleGenerated{}
	_ Event = &EventOutboxChanged{}
)

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

type decodable[T any] interface {
	*T
	Event
	setPayload([]byte)
}

func decodeAs[T any, P decodable[T]](b []byte) (Event, error) {
	var ret T
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, err
	}
	p := P(&ret)
	p.setPayload(b)
	return p, nil
}

// NewEventFromJson decodes an event serialized by a sink back into its typed form.
func NewEventFromJson(b []byte) (Event, error) {
	var hdr EventImpl
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, err
	}

	var (
		ev  Event
		err error
	)
	switch hdr.Type_ {
	case EventTypeStart:
		ev, err = decodeAs[EventStart](b)
	case EventTypePartialCompletion:
		ev, err = decodeAs[EventPartialCompletion](b)
	case EventTypeSources:
		ev, err = decodeAs[EventSources](b)
	case EventTypeFinal:
		ev, err = decodeAs[EventFinal](b)
	case EventTypeInterrupt:
		ev, err = decodeAs[EventInterrupt](b)
	case EventTypeError:
		ev, err = decodeAs[EventError](b)
	case EventTypeStatusChanged:
		ev, err = decodeAs[EventStatusChanged](b)
	case EventTypeAdvisory:
		ev, err = decodeAs[EventAdvisory](b)
	case EventTypeSaveResult:
		ev, err = decodeAs[EventSaveResult](b)
	case EventTypeTitleGenerated:
		ev, err = decodeAs[EventTitleGenerated](b)
	case EventTypeOutboxChanged:
		ev, err = decodeAs[EventOutboxChanged](b)
	default:
		return nil, fmt.Errorf("unknown event type %q", hdr.Type_)
	}
	if err != nil {
		return nil, fmt.Errorf("could not decode %s event: %w", hdr.Type_, err)
	}
	return ev, nil
}
