package conversation

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleError marks synthetic messages produced by a failed submit. They are
	// shown in the transcript but never sent back to the remote service as history.
	RoleError Role = "error"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleError:
		return true
	default:
		return false
	}
}

// Source is a citation record attached to an assistant message.
type Source struct {
	Title string  `json:"title,omitempty" yaml:"title,omitempty"`
	URL   string  `json:"url,omitempty" yaml:"url,omitempty"`
	Text  string  `json:"text,omitempty" yaml:"text,omitempty"`
	File  string  `json:"file,omitempty" yaml:"file,omitempty"`
	Page  float64 `json:"page,omitempty" yaml:"page,omitempty"`
	Score float64 `json:"score,omitempty" yaml:"score,omitempty"`
}

type Message struct {
	Role      Role      `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	Sources   []Source  `json:"sources" yaml:"sources"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	// MessageID is assigned by the remote service in the end-of-stream frame.
	MessageID string `json:"messageId,omitempty" yaml:"messageId,omitempty"`
	// Partial is set on assistant messages whose stream was stopped before completion.
	Partial bool `json:"partial,omitempty" yaml:"partial,omitempty"`
}

func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Sources: []Source{}, Timestamp: time.Now()}
}

func NewAssistantMessage(content string, sources []Source) Message {
	if sources == nil {
		sources = []Source{}
	}
	return Message{Role: RoleAssistant, Content: content, Sources: sources, Timestamp: time.Now()}
}

func NewErrorMessage(cause string) Message {
	if strings.TrimSpace(cause) == "" {
		cause = "unknown error"
	}
	return Message{
		Role:      RoleError,
		Content:   fmt.Sprintf("An error occurred: %s", cause),
		Sources:   []Source{},
		Timestamp: time.Now(),
	}
}

func (m Message) String() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
}

// Turn is the reduced form of a message sent to the remote service as history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History returns the oldest-first turn history for a chat request. Error
// messages are dropped.
func History(messages []Message) []Turn {
	ret := make([]Turn, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleError {
			continue
		}
		ret = append(ret, Turn{Role: m.Role, Content: m.Content})
	}
	return ret
}

// Search returns the messages whose content contains term, ignoring case.
// An empty term returns all messages.
func Search(messages []Message, term string) []Message {
	if term == "" {
		return append([]Message(nil), messages...)
	}
	needle := strings.ToLower(term)
	ret := []Message{}
	for _, m := range messages {
		if strings.Contains(strings.ToLower(m.Content), needle) {
			ret = append(ret, m)
		}
	}
	return ret
}

func CountRole(messages []Message, role Role) int {
	n := 0
	for _, m := range messages {
		if m.Role == role {
			n++
		}
	}
	return n
}

func CloneSources(sources []Source) []Source {
	return append([]Source{}, sources...)
}
