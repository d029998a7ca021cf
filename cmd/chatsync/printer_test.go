package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-go-golems/chatsync/pkg/events"
	"github.com/stretchr/testify/assert"
)

func TestStreamPrinterFillsGapsFromCompletion(t *testing.T) {
	var out bytes.Buffer
	p := newStreamPrinter(&out)
	md := events.NewMetadata("c1", "r1")

	ch := make(chan events.Event, 8)
	ch <- events.NewStartEvent(md, "hi")
	ch <- events.NewPartialCompletionEvent(md, "He", "He")
	// the partials for "llo" and " wo" were dropped
	ch <- events.NewPartialCompletionEvent(md, "rld", "Hello world")
	ch <- events.NewFinalEvent(md, "Hello world!", "m1")
	close(ch)

	go p.run(ch)
	p.wait("r1", time.Second)

	assert.Equal(t, "Hello world!\n", out.String())
}
