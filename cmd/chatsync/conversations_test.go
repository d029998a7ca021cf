package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-go-golems/chatsync/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterByTitle(t *testing.T) {
	convs := []*conversation.Conversation{
		{ID: "a", Title: "Replication factor"},
		{ID: "b", Title: "Backup schedule"},
		{ID: "c", Title: "Replica lag"},
	}

	all, err := filterByTitle(convs, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	matched, err := filterByTitle(convs, "Replica*")
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, "a", matched[0].ID)
	assert.Equal(t, "c", matched[1].ID)

	none, err := filterByTitle(convs, "Restore*")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestConfirm(t *testing.T) {
	var out bytes.Buffer
	ok, err := confirm(strings.NewReader("y\n"), &out, "Delete all 2 conversations?")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Delete all 2 conversations?")

	ok, err = confirm(strings.NewReader("n\n"), &bytes.Buffer{}, "Delete?")
	require.NoError(t, err)
	assert.False(t, ok)
}
