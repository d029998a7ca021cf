package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/chatsync/pkg/events"
	"github.com/go-go-golems/chatsync/pkg/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedServer writes each frame followed by a flush. When hold is set it
// keeps the response open until the client goes away.
func scriptedServer(t *testing.T, frames []string, hold bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req remote.ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, f := range frames {
			_, _ = io.WriteString(w, f)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if hold {
			<-r.Context().Done()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func data(payload string) string {
	return fmt.Sprintf("data: %s\n\n", payload)
}

func newRequest() Request {
	return Request{
		ConversationID: "c1",
		Chat:           remote.ChatRequest{Question: "hi", Category: "manual"},
	}
}

func TestRunCompletesAndIgnoresFramesAfterEOS(t *testing.T) {
	srv := scriptedServer(t, []string{
		data(`{"token":"Hel"}`),
		data(`{"token":"lo"}`),
		data(`{"event":"eos","messageId":"m1"}`),
		data(`{"token":" late"}`),
		data(`{"sources":[{"title":"late.pdf"}]}`),
	}, false)

	sink := events.NewCollectingSink()
	c := NewConsumer(remote.NewClient(srv.URL), WithSink(sink))

	states := []State{}
	res := c.Run(context.Background(), newRequest(), func(u Update) {
		if len(states) == 0 || states[len(states)-1] != u.State {
			states = append(states, u.State)
		}
	})

	require.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "Hello", res.Content)
	assert.Equal(t, "m1", res.MessageID)
	assert.True(t, res.FinalReceived)
	assert.Empty(t, res.Sources)

	msg := res.Message()
	assert.Equal(t, "Hello", msg.Content)
	assert.Equal(t, "m1", msg.MessageID)
	assert.False(t, msg.Partial)

	assert.Equal(t, []State{StateRequesting, StateStreaming, StateFinalizing, StateCompleted}, states)
	assert.Len(t, sink.OfType(events.EventTypePartialCompletion), 2)
	assert.Len(t, sink.OfType(events.EventTypeFinal), 1)
}

func TestRunReplacesSources(t *testing.T) {
	srv := scriptedServer(t, []string{
		data(`{"sources":[{"title":"a.pdf"},{"title":"b.pdf"}]}`),
		data(`{"token":"x"}`),
		data(`{"sources":[{"title":"c.pdf"}]}`),
		data(`{"event":"eos"}`),
	}, false)

	res := NewConsumer(remote.NewClient(srv.URL)).Run(context.Background(), newRequest(), nil)
	require.Equal(t, StateCompleted, res.State)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "c.pdf", res.Sources[0].Title)
	assert.Equal(t, "", res.MessageID)
}

func TestRunSkipsMalformedFrames(t *testing.T) {
	srv := scriptedServer(t, []string{
		data(`{"token":"a"}`),
		data(`{"token":`),
		": comment\n\n",
		data(`{"token":"b"}`),
	}, false)

	res := NewConsumer(remote.NewClient(srv.URL)).Run(context.Background(), newRequest(), nil)
	require.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "ab", res.Content)
	assert.Equal(t, 1, res.Malformed)
}

func TestRunProcessesTrailingUnterminatedFrame(t *testing.T) {
	srv := scriptedServer(t, []string{
		data(`{"token":"a"}`),
		`data: {"token":"b"}`,
	}, false)

	res := NewConsumer(remote.NewClient(srv.URL)).Run(context.Background(), newRequest(), nil)
	require.Equal(t, StateCompleted, res.State)
	assert.Equal(t, "ab", res.Content)
}

func TestRunCancelKeepsPartialContent(t *testing.T) {
	srv := scriptedServer(t, []string{data(`{"token":"Hel"}`)}, true)
	sink := events.NewCollectingSink()
	c := NewConsumer(remote.NewClient(srv.URL), WithSink(sink))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := c.Run(ctx, newRequest(), func(u Update) {
		if u.Content == "Hel" {
			cancel()
		}
	})

	require.Equal(t, StateCancelled, res.State)
	assert.Equal(t, "Hel", res.Content)
	assert.NoError(t, res.Err)
	assert.True(t, res.Message().Partial)
	assert.Len(t, sink.OfType(events.EventTypeInterrupt), 1)
	assert.Empty(t, sink.OfType(events.EventTypeFinal))
}

func TestRunAppliesNothingAfterCancelWithinChunk(t *testing.T) {
	// one write, so every frame arrives in the same read
	srv := scriptedServer(t, []string{
		data(`{"token":"a"}`) + data(`{"token":"b"}`) + data(`{"sources":[{"title":"late.pdf"}]}`) + data(`{"event":"eos"}`),
	}, false)
	sink := events.NewCollectingSink()
	c := NewConsumer(remote.NewClient(srv.URL), WithSink(sink))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := c.Run(ctx, newRequest(), func(u Update) {
		if u.Content == "a" {
			cancel()
		}
	})

	require.Equal(t, StateCancelled, res.State)
	assert.Equal(t, "a", res.Content)
	assert.Empty(t, res.Sources)
	assert.False(t, res.FinalReceived)
	assert.Len(t, sink.OfType(events.EventTypePartialCompletion), 1)
}

func TestRunNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := events.NewCollectingSink()
	res := NewConsumer(remote.NewClient(srv.URL), WithSink(sink)).Run(context.Background(), newRequest(), nil)
	require.Equal(t, StateFailed, res.State)
	assert.Equal(t, "HTTP 502 Bad Gateway", res.Cause())
	assert.Len(t, sink.OfType(events.EventTypeError), 1)
}

func TestRunDeadlineFails(t *testing.T) {
	srv := scriptedServer(t, []string{data(`{"token":"slow"}`)}, true)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res := NewConsumer(remote.NewClient(srv.URL)).Run(ctx, newRequest(), nil)

	require.Equal(t, StateFailed, res.State)
	assert.True(t, strings.HasPrefix(res.Cause(), "response timed out"))
	assert.Equal(t, "slow", res.Content)
}

func TestRunUsesConfiguredPath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = io.WriteString(w, data(`{"event":"eos"}`))
	}))
	defer srv.Close()

	req := newRequest()
	req.Path = remote.PathSQLAndLLM
	res := NewConsumer(remote.NewClient(srv.URL)).Run(context.Background(), req, nil)
	require.Equal(t, StateCompleted, res.State)
	assert.Equal(t, remote.PathSQLAndLLM, path)
}
