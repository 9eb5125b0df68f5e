package main

import (
	"context"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowValue(t *testing.T, row types.Row, key string) interface{} {
	t.Helper()
	v, ok := row.Get(key)
	require.True(t, ok, "row has no %q column", key)
	return v
}

func TestMessageRowsAreDepthFirst(t *testing.T) {
	tree := importBranched(t, conversation.PolicyLatest)

	rows := messageRows(tree)
	require.Len(t, rows, 4)

	var depths []interface{}
	var roles []interface{}
	for _, r := range rows {
		depths = append(depths, rowValue(t, r, "depth"))
		roles = append(roles, rowValue(t, r, "role"))
	}
	assert.Equal(t, []interface{}{0, 1, 2, 2}, depths)
	assert.Equal(t, []interface{}{"system", "user", "assistant", "assistant"}, roles)

	assert.Equal(t, "", rowValue(t, rows[0], "parent_id"))
	assert.Equal(t, rowValue(t, rows[1], "id"), rowValue(t, rows[2], "parent_id"))
	assert.Equal(t, rowValue(t, rows[1], "id"), rowValue(t, rows[3], "parent_id"))

	assert.Equal(t, false, rowValue(t, rows[2], "canonical"))
	assert.Equal(t, true, rowValue(t, rows[3], "canonical"))
	assert.Equal(t, "failed", rowValue(t, rows[3], "status"))
	assert.Equal(t, "Blue", rowValue(t, rows[2], "text"))
}

func TestConversationRows(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c, err := importFixture(ctx, s, branchedFixture, "bob", now)
	require.NoError(t, err)

	cs, err := s.ListConversations(ctx, "bob")
	require.NoError(t, err)
	rows := conversationRows(cs)
	require.Len(t, rows, 1)
	assert.Equal(t, c.ID.String(), rowValue(t, rows[0], "id"))
	assert.Equal(t, "two answers", rowValue(t, rows[0], "title"))
	assert.Equal(t, "bob", rowValue(t, rows[0], "owner_id"))
	assert.Equal(t, "default", rowValue(t, rows[0], "agent_id"))
}

func TestReadTreeUnknownConversation(t *testing.T) {
	_, err := readTree(context.Background(), store.NewMemoryStore(), conversation.NewConversationID(), conversation.PolicyEarliest)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}
