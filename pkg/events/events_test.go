package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventFromJsonRoundTripsTypedEvents(t *testing.T) {
	md := NewMetadata("c1", "req-1")
	tests := []Event{
		NewPartialCompletionEvent(md, "lo", "Hello"),
		NewSourcesEvent(md, []conversation.Source{{Title: "manual.pdf", Page: 4}}),
		NewFinalEvent(md, "Hello", "m1"),
		NewInterruptEvent(md, "Hel"),
		NewErrorEvent(md, errors.New("HTTP 500")),
		NewStatusChangedEvent(md, "unknown", "connected", ""),
		NewSaveResultEvent(md, "queued", errors.New("timeout")),
		NewOutboxChangedEvent(md, []string{"c1"}),
	}

	for _, in := range tests {
		t.Run(string(in.Type()), func(t *testing.T) {
			b, err := json.Marshal(in)
			require.NoError(t, err)

			out, err := NewEventFromJson(b)
			require.NoError(t, err)
			assert.Equal(t, in.Type(), out.Type())
			assert.Equal(t, "c1", out.Metadata().ConversationID)
			assert.Equal(t, b, out.Payload())
		})
	}
}

func TestNewEventFromJsonDecodesFields(t *testing.T) {
	b, err := json.Marshal(NewFinalEvent(NewMetadata("c1", ""), "Hello", "m1"))
	require.NoError(t, err)

	ev, err := NewEventFromJson(b)
	require.NoError(t, err)
	final, ok := ev.(*EventFinal)
	require.True(t, ok)
	assert.Equal(t, "Hello", final.Text)
	assert.Equal(t, "m1", final.MessageID)

	_, err = NewEventFromJson([]byte(`{"type":"bogus","meta":{}}`))
	require.Error(t, err)
}

func TestEventRouterDeliversToHandler(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)

	var mu sync.Mutex
	received := []Event{}
	router.AddEventHandler("collect", TopicChat, func(e Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	<-router.Running()

	sink := router.Sink(TopicChat)
	require.NoError(t, sink.PublishEvent(NewAdvisoryEvent(NewMetadata("c1", "req-9"), "saved locally")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	adv, ok := received[0].(*EventAdvisory)
	mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "saved locally", adv.Text)
	assert.Equal(t, "req-9", adv.Metadata().RequestID)

	require.NoError(t, router.Close())
}

func TestCollectingAndMultiSink(t *testing.T) {
	a := NewCollectingSink()
	b := NewCollectingSink()
	m := MultiSink{a, b, NewNullSink()}

	Publish(m, NewFinalEvent(NewMetadata("c1", ""), "x", ""))
	Publish(m, NewInterruptEvent(NewMetadata("c1", ""), "y"))

	assert.Len(t, a.Events(), 2)
	assert.Len(t, b.OfType(EventTypeInterrupt), 1)
	Publish(nil, NewFinalEvent(NewMetadata("", ""), "", ""))
}

func TestSubscribePreservesOrder(t *testing.T) {
	router, err := NewEventRouter()
	require.NoError(t, err)
	defer func() { _ = router.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := router.Subscribe(ctx, TopicChat)
	require.NoError(t, err)

	sink := router.Sink(TopicChat)
	md := NewMetadata("c1", "")
	for _, tok := range []string{"a", "b", "c"} {
		require.NoError(t, sink.PublishEvent(NewPartialCompletionEvent(md, tok, "")))
	}

	got := ""
	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			got += ev.(*EventPartialCompletion).Delta
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, "abc", got)
}

func TestSubscribeDoesNotBlockPublishersAndShedsPartials(t *testing.T) {
	router, err := NewEventRouter(WithBufferSize(8))
	require.NoError(t, err)
	defer func() { _ = router.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := router.Subscribe(ctx, TopicChat)
	require.NoError(t, err)

	sink := router.Sink(TopicChat)
	md := NewMetadata("c1", "")
	published := make(chan struct{})
	go func() {
		defer close(published)
		content := ""
		for i := 0; i < 100; i++ {
			content += "x"
			assert.NoError(t, sink.PublishEvent(NewPartialCompletionEvent(md, "x", content)))
		}
		assert.NoError(t, sink.PublishEvent(NewFinalEvent(md, content, "m1")))
	}()
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a subscriber that is not reading")
	}

	got := []Event{}
	for i := 0; i < 8; i++ {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	last := got[len(got)-1]
	require.Equal(t, EventTypeFinal, last.Type())
	prev := 0
	for _, ev := range got[:len(got)-1] {
		p, ok := ev.(*EventPartialCompletion)
		require.True(t, ok)
		assert.Greater(t, len(p.Completion), prev)
		prev = len(p.Completion)
	}
	assert.Equal(t, 100, prev)
}
