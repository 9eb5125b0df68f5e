package access

import (
	"context"
	"testing"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticConversations map[conversation.ConversationID]*conversation.Conversation

func (s staticConversations) GetConversation(_ context.Context, id conversation.ConversationID) (*conversation.Conversation, bool, error) {
	c, ok := s[id]
	return c, ok, nil
}

func TestStoreResolver_OwnerMode(t *testing.T) {
	ctx := context.Background()
	id := conversation.NewConversationID()
	convs := staticConversations{id: {ID: id, OwnerID: "alice", AgentID: "writer"}}
	r := NewStoreResolver(convs, ModeOwner)

	got, err := r.ResolveAccess(ctx, "alice", Scope{ConversationID: id})
	require.NoError(t, err)
	assert.Equal(t, "writer", got.AgentID)
	assert.Equal(t, id, got.Conversation.ID)

	_, err = r.ResolveAccess(ctx, "bob", Scope{ConversationID: id})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = r.ResolveAccess(ctx, "alice", Scope{ConversationID: conversation.NewConversationID()})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestStoreResolver_OpenMode(t *testing.T) {
	ctx := context.Background()
	id := conversation.NewConversationID()
	r := NewStoreResolver(staticConversations{id: {ID: id, OwnerID: "alice"}}, ModeOpen)

	_, err := r.ResolveAccess(ctx, "bob", Scope{ConversationID: id})
	require.NoError(t, err)
}

func TestStoreResolver_AgentScope(t *testing.T) {
	r := NewStoreResolver(staticConversations{}, ModeOwner)
	got, err := r.ResolveAccess(context.Background(), "alice", Scope{AgentID: "default"})
	require.NoError(t, err)
	assert.Nil(t, got.Conversation)
	assert.Equal(t, "default", got.AgentID)
}

func TestUserIDFromContext(t *testing.T) {
	assert.Equal(t, AnonymousUser, UserIDFromContext(context.Background()))
	assert.Equal(t, "alice", UserIDFromContext(WithUserID(context.Background(), "alice")))
}
