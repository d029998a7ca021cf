package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-go-golems/chatsync/pkg/events"
	"github.com/go-go-golems/chatsync/pkg/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeMapsResponses(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := int(code.Load())
		w.WriteHeader(c)
		if c == http.StatusOK {
			_, _ = w.Write([]byte(`{"services":{"vector-db":"ok"}}`))
		}
	}))
	defer srv.Close()

	sink := events.NewCollectingSink()
	m := NewMonitor(remote.NewClient(srv.URL), WithSink(sink))

	snap := m.Probe(context.Background())
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Equal(t, "ok", snap.Services["vector-db"])

	code.Store(http.StatusInternalServerError)
	snap = m.Probe(context.Background())
	assert.Equal(t, StatusError, snap.Status)
	assert.Equal(t, "HTTP 500 Internal Server Error", snap.Cause)
	assert.Nil(t, snap.Services)
	assert.Equal(t, StatusError, m.Status())

	assert.Len(t, sink.OfType(events.EventTypeStatusChanged), 2)
}

func TestProbeNetworkFailureIsDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	m := NewMonitor(remote.NewClient(url))
	snap := m.Probe(context.Background())
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.NotEmpty(t, snap.Cause)
}

func TestProbeTimeoutIsDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	m := NewMonitor(remote.NewClient(srv.URL), WithProbeTimeout(30*time.Millisecond))
	start := time.Now()
	snap := m.Probe(context.Background())
	assert.Equal(t, StatusDisconnected, snap.Status)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestListenersSeeEveryProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := NewMonitor(remote.NewClient(srv.URL))
	var mu sync.Mutex
	transitions := [][2]Status{}
	m.OnProbe(func(prev, next Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, [2]Status{prev.Status, next.Status})
	})

	m.Probe(context.Background())
	m.Probe(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 2)
	assert.Equal(t, [2]Status{StatusUnknown, StatusConnected}, transitions[0])
	assert.Equal(t, [2]Status{StatusConnected, StatusConnected}, transitions[1])
}

func TestStartProbesPeriodically(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	m := NewMonitor(remote.NewClient(srv.URL), WithInterval(20*time.Millisecond))
	require.NoError(t, m.Start(context.Background()))
	require.ErrorIs(t, m.Start(context.Background()), ErrAlreadyStarted)

	require.Eventually(t, func() bool { return hits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusConnected, m.Status())

	m.Stop()
	n := hits.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, n, hits.Load())
}
