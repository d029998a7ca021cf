package stream

import (
	"encoding/json"
	"strings"

	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/pkg/errors"
)

const (
	frameDelimiter = "\n\n"
	dataPrefix     = "data:"
	eventEOS       = "eos"
)

// Decoder splits a byte stream into frames. Incomplete trailing data is kept
// until the next Feed or until Flush.
type Decoder struct {
	buf strings.Builder
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends a chunk and returns every frame completed by it.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf.Write(chunk)
	pending := strings.ReplaceAll(d.buf.String(), "\r\n", "\n")

	frames := []string{}
	for {
		i := strings.Index(pending, frameDelimiter)
		if i < 0 {
			break
		}
		frames = append(frames, pending[:i])
		pending = pending[i+len(frameDelimiter):]
	}

	d.buf.Reset()
	d.buf.WriteString(pending)
	return frames
}

// Flush returns the unterminated remainder, if any, and resets the decoder.
func (d *Decoder) Flush() string {
	rest := strings.TrimRight(d.buf.String(), "\r\n")
	d.buf.Reset()
	return rest
}

// Frame is one parsed event of the response stream.
type Frame struct {
	Token      string
	HasToken   bool
	Sources    []conversation.Source
	HasSources bool
	EOS        bool
	MessageID  string
}

type wireFrame struct {
	Token     *string                `json:"token"`
	Sources   *[]conversation.Source `json:"sources"`
	Event     string                 `json:"event"`
	MessageID string                 `json:"messageId"`
}

var ErrMalformedFrame = errors.New("malformed frame")

// ParseFrame extracts the JSON payload of a frame's data lines. It returns a
// nil frame for frames without data, such as comments or keep-alives.
func ParseFrame(raw string) (*Frame, error) {
	var data []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, dataPrefix), " "))
	}
	if len(data) == 0 {
		return nil, nil
	}
	payload := strings.TrimSpace(strings.Join(data, "\n"))
	if payload == "" {
		return nil, nil
	}

	var w wireFrame
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "%v", err)
	}

	f := &Frame{
		EOS:       w.Event == eventEOS,
		MessageID: w.MessageID,
	}
	if w.Token != nil {
		f.Token = *w.Token
		f.HasToken = true
	}
	if w.Sources != nil {
		f.Sources = *w.Sources
		if f.Sources == nil {
			f.Sources = []conversation.Source{}
		}
		f.HasSources = true
	}
	return f, nil
}
