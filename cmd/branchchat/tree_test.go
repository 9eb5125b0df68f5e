package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var branchedFixture = &conversation.Fixture{
	Title:   "two answers",
	AgentID: "default",
	Messages: []conversation.FixtureMessage{
		{Key: "root", Role: conversation.RoleSystem, Text: "Be brief."},
		{Key: "u1", Parent: "root", Role: conversation.RoleUser, Text: "Name a color"},
		{Key: "a1", Parent: "u1", Role: conversation.RoleAssistant, Text: "Blue"},
		{Key: "a2", Parent: "u1", Role: conversation.RoleAssistant, Status: conversation.StatusFailed},
	},
}

func importBranched(t *testing.T, policy conversation.SelectionPolicy) *conversation.ConversationTree {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c, err := importFixture(ctx, s, branchedFixture, "alice", time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	got, ok, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, "two answers", got.Title)

	msgs, err := s.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	tree := conversation.NewConversationTree(policy)
	tree.InsertMessages(msgs...)
	return tree
}

func TestWriteTreeText(t *testing.T) {
	tree := importBranched(t, conversation.PolicyEarliest)

	var buf bytes.Buffer
	require.NoError(t, writeTree(&buf, tree, "text"))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "* "))
	assert.Contains(t, lines[0], "system: Be brief.")
	assert.True(t, strings.HasPrefix(lines[1], "  * "))
	assert.True(t, strings.HasPrefix(lines[2], "    * "))
	assert.Contains(t, lines[2], "assistant: Blue")
	assert.True(t, strings.HasPrefix(lines[3], "    - "))
	assert.Contains(t, lines[3], "assistant (failed)")
}

func TestWriteTreeJSONFollowsPolicy(t *testing.T) {
	tree := importBranched(t, conversation.PolicyLatest)

	var buf bytes.Buffer
	require.NoError(t, writeTree(&buf, tree, "json"))
	var roots []*treeNode
	require.NoError(t, json.Unmarshal(buf.Bytes(), &roots))
	require.Len(t, roots, 1)
	require.Len(t, roots[0].Children, 1)
	answers := roots[0].Children[0].Children
	require.Len(t, answers, 2)
	assert.False(t, answers[0].Canonical)
	assert.True(t, answers[1].Canonical)
	assert.Equal(t, conversation.StatusFailed, answers[1].Status)
}

func TestWriteTreeRejectsUnknownFormat(t *testing.T) {
	tree := importBranched(t, conversation.PolicyEarliest)
	err := writeTree(&bytes.Buffer{}, tree, "xml")
	assert.ErrorIs(t, err, conversation.ErrValidation)
}
