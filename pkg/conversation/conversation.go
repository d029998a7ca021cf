package conversation

import (
	"time"

	"github.com/google/uuid"
	"github.com/huandu/go-clone"
)

type Metadata struct {
	MessageCount          int       `json:"messageCount" yaml:"messageCount"`
	FirstMessageTimestamp time.Time `json:"firstMessageTimestamp" yaml:"firstMessageTimestamp"`
}

// Conversation is the unit of synchronization. Message order is significant
// and is never rearranged once appended.
type Conversation struct {
	ID           string    `json:"id" yaml:"id"`
	Title        string    `json:"title" yaml:"title"`
	Category     string    `json:"category" yaml:"category"`
	Messages     []Message `json:"messages" yaml:"messages"`
	Pinned       bool      `json:"pinned" yaml:"pinned"`
	CreatedAt    time.Time `json:"createdAt" yaml:"createdAt"`
	LastActivity time.Time `json:"lastActivity" yaml:"lastActivity"`
	Metadata     Metadata  `json:"metadata" yaml:"metadata"`
}

func NewID() string {
	return "conv_" + uuid.NewString()
}

// New creates a conversation seeded with an assistant greeting, if one is given.
func New(id, title, category, greeting string) *Conversation {
	if id == "" {
		id = NewID()
	}
	now := time.Now()
	c := &Conversation{
		ID:           id,
		Title:        title,
		Category:     category,
		Messages:     []Message{},
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     Metadata{FirstMessageTimestamp: now},
	}
	if greeting != "" {
		c.Append(NewAssistantMessage(greeting, nil))
	}
	return c
}

func (c *Conversation) Append(msgs ...Message) {
	c.Messages = append(c.Messages, msgs...)
	c.Touch()
}

// ReplaceLast swaps the trailing message when it has the given role, and
// appends otherwise. It is used to keep only the latest partial state of a
// streaming assistant message.
func (c *Conversation) ReplaceLast(role Role, m Message) {
	if n := len(c.Messages); n > 0 && c.Messages[n-1].Role == role {
		c.Messages[n-1] = m
	} else {
		c.Messages = append(c.Messages, m)
	}
	c.Touch()
}

func (c *Conversation) SetMessages(msgs []Message) {
	c.Messages = msgs
	c.Touch()
}

func (c *Conversation) Touch() {
	c.LastActivity = time.Now()
	c.Metadata.MessageCount = len(c.Messages)
}

// UserMessageCount is used to detect the first exchange of a conversation.
func (c *Conversation) UserMessageCount() int {
	return CountRole(c.Messages, RoleUser)
}

// Normalize repairs records written by older clients: nil source lists and a
// stale message count.
func (c *Conversation) Normalize() {
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	for i := range c.Messages {
		if c.Messages[i].Sources == nil {
			c.Messages[i].Sources = []Source{}
		}
	}
	c.Metadata.MessageCount = len(c.Messages)
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	return clone.Clone(c).(*Conversation)
}

func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	return clone.Clone(msgs).([]Message)
}

func CloneAll(convs []*Conversation) []*Conversation {
	ret := make([]*Conversation, 0, len(convs))
	for _, c := range convs {
		ret = append(ret, c.Clone())
	}
	return ret
}

func Find(convs []*Conversation, id string) (int, *Conversation) {
	for i, c := range convs {
		if c.ID == id {
			return i, c
		}
	}
	return -1, nil
}

// Snapshot is the per-conversation record written under conversation_<id>.
// It is what the outbox drain sends when it retries a save.
type Snapshot struct {
	ID        string    `json:"id" yaml:"id"`
	Messages  []Message `json:"messages" yaml:"messages"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

func NewSnapshot(id string, messages []Message) *Snapshot {
	return &Snapshot{ID: id, Messages: CloneMessages(messages), Timestamp: time.Now()}
}
