package main

import (
	"fmt"
	"io"
	"time"

	"github.com/go-go-golems/chatsync/pkg/events"
)

// streamPrinter writes the tokens of a streamed response as they arrive and
// reports the end of every response on done. It prints from the accumulated
// completion so that dropped partial events leave no gaps.
type streamPrinter struct {
	w       io.Writer
	done    chan string
	printed int
}

func newStreamPrinter(w io.Writer) *streamPrinter {
	return &streamPrinter{w: w, done: make(chan string, 16)}
}

func (p *streamPrinter) run(ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case *events.EventStart:
			p.printed = 0
		case *events.EventPartialCompletion:
			p.catchUp(e.Completion)
		case *events.EventSources:
			for _, s := range e.Sources {
				_, _ = fmt.Fprintf(p.w, "[source] %s", s.Title)
				if s.Page > 0 {
					_, _ = fmt.Fprintf(p.w, " p.%g", s.Page)
				}
				_, _ = fmt.Fprintln(p.w)
			}
		case *events.EventFinal:
			p.catchUp(e.Text)
			_, _ = fmt.Fprintln(p.w)
			p.finished(e.Metadata().RequestID)
		case *events.EventInterrupt:
			p.catchUp(e.Text)
			_, _ = fmt.Fprintln(p.w)
			p.finished(e.Metadata().RequestID)
		case *events.EventError:
			_, _ = fmt.Fprintf(p.w, "\nerror: %s\n", e.ErrorString)
			p.finished(e.Metadata().RequestID)
		case *events.EventAdvisory:
			_, _ = fmt.Fprintf(p.w, "! %s\n", e.Text)
		case *events.EventStatusChanged:
			if e.Current != e.Previous {
				_, _ = fmt.Fprintf(p.w, "* backend %s\n", e.Current)
			}
		case *events.EventTitleGenerated:
			_, _ = fmt.Fprintf(p.w, "* titled %q\n", e.Title)
		}
	}
	close(p.done)
}

func (p *streamPrinter) catchUp(completion string) {
	if len(completion) > p.printed {
		_, _ = fmt.Fprint(p.w, completion[p.printed:])
		p.printed = len(completion)
	}
}

func (p *streamPrinter) finished(requestID string) {
	select {
	case p.done <- requestID:
	default:
	}
}

// wait blocks until the response with requestID has been printed, or timeout.
func (p *streamPrinter) wait(requestID string, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case id, ok := <-p.done:
			if !ok || id == requestID {
				return
			}
		case <-deadline:
			return
		}
	}
}
