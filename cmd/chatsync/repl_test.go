package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/engine"
	"github.com/go-go-golems/chatsync/pkg/remotefake"
	"github.com/go-go-golems/chatsync/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepl(t *testing.T) (*repl, *bytes.Buffer) {
	t.Helper()
	fake := remotefake.New()
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	settings := config.NewSettings()
	settings.BaseURL = srv.URL
	settings.HealthInterval = time.Hour
	settings.Store = config.StoreSettings{Driver: config.StoreDriverMemory}

	e, err := engine.New(settings, store.NewInMemoryStore())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	require.True(t, e.CheckStatus(context.Background()).Connected())

	out := &bytes.Buffer{}
	return &repl{engine: e, printer: newStreamPrinter(&bytes.Buffer{}), out: out}, out
}

func TestReplConversationCommands(t *testing.T) {
	r, out := newTestRepl(t)
	ctx := context.Background()
	first := r.engine.ActiveConversationID()

	quit, err := r.handle(ctx, "/new Billing questions")
	require.NoError(t, err)
	assert.False(t, quit)
	second := r.engine.ActiveConversationID()
	assert.NotEqual(t, first, second)

	_, err = r.handle(ctx, "/rename "+second+" Invoices")
	require.NoError(t, err)
	_, err = r.handle(ctx, "/pin "+second)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "pinned: true")

	out.Reset()
	_, err = r.handle(ctx, "/list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "Invoices")

	_, err = r.handle(ctx, "/select "+first)
	require.NoError(t, err)
	assert.Equal(t, first, r.engine.ActiveConversationID())

	_, err = r.handle(ctx, "/delete "+first)
	require.NoError(t, err)
	assert.Equal(t, second, r.engine.ActiveConversationID())

	_, err = r.handle(ctx, "/select")
	assert.Error(t, err)
	_, err = r.handle(ctx, "/bogus")
	assert.Error(t, err)

	quit, err = r.handle(ctx, "/quit")
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestReplAskAndSearch(t *testing.T) {
	r, out := newTestRepl(t)
	ctx := context.Background()

	_, err := r.handle(ctx, "where is the manual")
	require.NoError(t, err)
	r.wg.Wait()

	out.Reset()
	_, err = r.handle(ctx, "/search manual")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "[user]: where is the manual")
	assert.Contains(t, out.String(), "[assistant]: You asked: where is the manual")

	out.Reset()
	_, err = r.handle(ctx, "/status")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "status: connected")

	_, err = r.handle(ctx, "/stop")
	assert.Error(t, err)
}
