package conversation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeedsGreeting(t *testing.T) {
	c := New("", "Conversation 1", "manual", "Hello! How can I help you?")
	require.True(t, strings.HasPrefix(c.ID, "conv_"))
	require.Len(t, c.Messages, 1)
	assert.Equal(t, RoleAssistant, c.Messages[0].Role)
	assert.Equal(t, 1, c.Metadata.MessageCount)
	assert.NotNil(t, c.Messages[0].Sources)

	empty := New("c1", "t", "", "")
	assert.Empty(t, empty.Messages)
	assert.Equal(t, "c1", empty.ID)
}

func TestReplaceLastKeepsOnlyLatestPartial(t *testing.T) {
	c := New("c1", "t", "", "")
	c.Append(NewUserMessage("hi"))
	c.ReplaceLast(RoleAssistant, NewAssistantMessage("He", nil))
	c.ReplaceLast(RoleAssistant, NewAssistantMessage("Hello", nil))

	require.Len(t, c.Messages, 2)
	assert.Equal(t, "Hello", c.Messages[1].Content)
	assert.Equal(t, 2, c.Metadata.MessageCount)
}

func TestHistoryDropsErrorMessages(t *testing.T) {
	msgs := []Message{
		NewAssistantMessage("greeting", nil),
		NewUserMessage("q1"),
		NewErrorMessage("boom"),
		NewUserMessage("q2"),
	}
	h := History(msgs)
	require.Len(t, h, 3)
	assert.Equal(t, Turn{Role: RoleAssistant, Content: "greeting"}, h[0])
	assert.Equal(t, Turn{Role: RoleUser, Content: "q2"}, h[2])
}

func TestFallbackTitle(t *testing.T) {
	now := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		messages []Message
		expected string
	}{
		{
			name:     "short question kept whole",
			messages: []Message{NewUserMessage("  What is Go?  ")},
			expected: "What is Go?",
		},
		{
			name:     "long question truncated",
			messages: []Message{NewUserMessage("How do I configure the replication factor?")},
			expected: "How do I config...",
		},
		{
			name:     "exactly fifteen characters",
			messages: []Message{NewUserMessage("123456789012345")},
			expected: "123456789012345",
		},
		{
			name:     "multibyte truncation counts characters",
			messages: []Message{NewUserMessage("데이터베이스 연결 설정 방법을 알려주세요")},
			expected: "데이터베이스 연결 설정 방법...",
		},
		{
			name:     "too short uses date",
			messages: []Message{NewUserMessage("hi")},
			expected: "Conversation 2026-10-15",
		},
		{
			name:     "no user message uses date",
			messages: []Message{NewAssistantMessage("hello", nil)},
			expected: "Conversation 2026-10-15",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FallbackTitle(tt.messages, now))
		})
	}
}

func TestPlausibleTitle(t *testing.T) {
	assert.False(t, PlausibleTitle(""))
	assert.False(t, PlausibleTitle("  x "))
	assert.True(t, PlausibleTitle("Go setup"))
}

func TestCloneIsDeep(t *testing.T) {
	c := New("c1", "t", "", "")
	c.Append(NewAssistantMessage("a", []Source{{Title: "doc", Page: 3}}))

	cp := c.Clone()
	cp.Messages[0].Content = "changed"
	cp.Messages[0].Sources[0].Title = "other"

	assert.Equal(t, "a", c.Messages[0].Content)
	assert.Equal(t, "doc", c.Messages[0].Sources[0].Title)
}

func TestNormalizeRepairsNilSources(t *testing.T) {
	c := &Conversation{ID: "c1", Messages: []Message{{Role: RoleUser, Content: "q"}}}
	c.Normalize()
	assert.NotNil(t, c.Messages[0].Sources)
	assert.Equal(t, 1, c.Metadata.MessageCount)
}

func TestSearchIgnoresCase(t *testing.T) {
	msgs := []Message{NewUserMessage("Replication lag"), NewAssistantMessage("see the docs", nil)}
	got := Search(msgs, "REPLICATION")
	require.Len(t, got, 1)
	assert.Equal(t, RoleUser, got[0].Role)
	assert.Len(t, Search(msgs, ""), 2)
}
