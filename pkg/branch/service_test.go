package branch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/access"
	"github.com/go-go-golems/branchchat/pkg/agents"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/generation"
	"github.com/go-go-golems/branchchat/pkg/query"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerations struct {
	mu        sync.Mutex
	requests  []generation.Request
	cancelled []conversation.NodeID
	active    map[conversation.ConversationID]conversation.NodeID
	err       error
}

func (f *fakeGenerations) RequestGeneration(_ context.Context, req generation.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func (f *fakeGenerations) CancelGeneration(_ context.Context, id conversation.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeGenerations) ActiveGeneration(id conversation.ConversationID) (conversation.NodeID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.active[id]
	return n, ok
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches []conversation.Messages
}

func (p *recordingPublisher) PublishMessages(_ context.Context, _ conversation.ConversationID, msgs ...*conversation.MessageNode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, msgs)
	return nil
}

type serviceFixture struct {
	store       *store.MemoryStore
	generations *fakeGenerations
	publisher   *recordingPublisher
	service     *Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	s := store.NewMemoryStore()
	reg := agents.NewInMemoryAgentStore(agents.DefaultSlug, &agents.Agent{
		Slug:         agents.DefaultSlug,
		DisplayName:  "Default",
		SystemPrompt: "You help {{ .UserID }}.",
	})
	f := &serviceFixture{
		store:       s,
		generations: &fakeGenerations{active: map[conversation.ConversationID]conversation.NodeID{}},
		publisher:   &recordingPublisher{},
	}
	f.service = NewService(s, agents.NewResolver(reg), f.generations, WithPublisher(f.publisher))
	return f
}

func textParts(s string) []conversation.Part {
	return []conversation.Part{conversation.NewTextPart(s)}
}

func (f *serviceFixture) get(t *testing.T, id conversation.NodeID) *conversation.MessageNode {
	t.Helper()
	n, ok, err := f.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	return n
}

func (f *serviceFixture) children(t *testing.T, id conversation.NodeID) []conversation.NodeID {
	t.Helper()
	c, err := f.store.ChildrenOf(context.Background(), id)
	require.NoError(t, err)
	return c.IDs()
}

func (f *serviceFixture) count(t *testing.T, id conversation.ConversationID) int {
	t.Helper()
	ms, err := f.store.ListMessages(context.Background(), id)
	require.NoError(t, err)
	return len(ms)
}

func TestSend_NewConversation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	res, err := f.service.Send(ctx, SendRequest{
		Parts:                textParts("Hi"),
		UserID:               "alice",
		TemporaryID:          "tmp-user",
		AssistantTemporaryID: "tmp-assistant",
	})
	require.NoError(t, err)

	require.False(t, res.ConversationID.IsZero())
	c, ok, err := f.store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", c.OwnerID)
	assert.Equal(t, "default", c.AgentID)
	assert.Equal(t, "Hi", c.Title)

	require.NotNil(t, res.Root)
	assert.Equal(t, conversation.RoleSystem, res.Root.Role)
	assert.Equal(t, "You help alice.", res.Root.Text())
	assert.True(t, res.Root.IsRoot())

	assert.Equal(t, res.Root.ID, res.UserMessage.ParentID)
	assert.Equal(t, conversation.StatusCompleted, res.UserMessage.Status)
	assert.Equal(t, "tmp-user", res.UserMessage.TemporaryID)
	assert.Equal(t, []conversation.NodeID{res.AssistantMessage.ID}, res.UserMessage.Children)

	assert.Equal(t, res.UserMessage.ID, res.AssistantMessage.ParentID)
	assert.Equal(t, conversation.StatusQueued, res.AssistantMessage.Status)
	assert.Equal(t, "tmp-assistant", res.AssistantMessage.TemporaryID)
	assert.Equal(t, []conversation.NodeID{}, res.AssistantMessage.Children)

	assert.True(t, res.Root.CreatedAt.Before(res.UserMessage.CreatedAt))
	assert.True(t, res.UserMessage.CreatedAt.Before(res.AssistantMessage.CreatedAt))

	require.Len(t, f.generations.requests, 1)
	req := f.generations.requests[0]
	assert.Equal(t, res.ConversationID, req.ConversationID)
	assert.Equal(t, res.AssistantMessage.ID, req.AssistantMessageID)
	assert.Equal(t, res.UserMessage.ID, req.UserMessage.ID)

	require.Len(t, f.publisher.batches, 1)
	assert.Equal(t, []conversation.NodeID{res.Root.ID, res.UserMessage.ID, res.AssistantMessage.ID}, f.publisher.batches[0].IDs())
	for _, m := range f.publisher.batches[0] {
		assert.Empty(t, m.TemporaryID)
	}
}

func TestSend_ExistingConversation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.Send(ctx, SendRequest{Parts: textParts("one"), UserID: "alice"})
	require.NoError(t, err)

	second, err := f.service.Send(ctx, SendRequest{
		ConversationID:  first.ConversationID,
		ParentMessageID: first.AssistantMessage.ID,
		Parts:           textParts("two"),
		UserID:          "alice",
	})
	require.NoError(t, err)
	assert.Nil(t, second.Root)
	assert.Equal(t, first.AssistantMessage.ID, second.UserMessage.ParentID)

	t.Run("nil parent creates another root", func(t *testing.T) {
		res, err := f.service.Send(ctx, SendRequest{
			ConversationID: first.ConversationID,
			Parts:          textParts("fresh start"),
			UserID:         "alice",
		})
		require.NoError(t, err)
		assert.True(t, res.UserMessage.IsRoot())
		roots, err := f.store.RootsOf(ctx, first.ConversationID)
		require.NoError(t, err)
		assert.Equal(t, []conversation.NodeID{first.Root.ID, res.UserMessage.ID}, roots.IDs())
	})
}

func TestSend_Rejections(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.Send(ctx, SendRequest{Parts: textParts("one"), UserID: "alice"})
	require.NoError(t, err)
	other, err := f.service.Send(ctx, SendRequest{Parts: textParts("other"), UserID: "alice"})
	require.NoError(t, err)
	before := f.count(t, first.ConversationID)

	_, err = f.service.Send(ctx, SendRequest{
		ConversationID:  first.ConversationID,
		ParentMessageID: other.UserMessage.ID,
		Parts:           textParts("cross"),
		UserID:          "alice",
	})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = f.service.Send(ctx, SendRequest{
		ConversationID:  first.ConversationID,
		ParentMessageID: conversation.NewNodeID(),
		Parts:           textParts("dangling"),
		UserID:          "alice",
	})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = f.service.Send(ctx, SendRequest{ConversationID: conversation.NewConversationID(), Parts: textParts("x")})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = f.service.Send(ctx, SendRequest{ConversationID: first.ConversationID, Parts: textParts("intruder"), UserID: "mallory"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = f.service.Send(ctx, SendRequest{ConversationID: first.ConversationID, Parts: textParts("  "), UserID: "alice"})
	assert.ErrorIs(t, err, conversation.ErrValidation)

	_, err = f.service.Send(ctx, SendRequest{ConversationID: first.ConversationID, UserID: "alice"})
	assert.ErrorIs(t, err, conversation.ErrValidation)

	assert.Equal(t, before, f.count(t, first.ConversationID))
}

func TestSend_HandOffFailureMarksAssistantFailed(t *testing.T) {
	f := newServiceFixture(t)
	f.generations.err = errors.New("pipeline offline")

	res, err := f.service.Send(context.Background(), SendRequest{Parts: textParts("hi"), UserID: "alice", AssistantTemporaryID: "tmp-a"})
	require.NoError(t, err)

	assert.Equal(t, conversation.StatusFailed, res.AssistantMessage.Status)
	assert.Equal(t, "pipeline offline", res.AssistantMessage.ErrorMessage())
	assert.Equal(t, "tmp-a", res.AssistantMessage.TemporaryID)
	assert.Equal(t, conversation.StatusFailed, f.get(t, res.AssistantMessage.ID).Status)

	require.Len(t, f.publisher.batches, 2)
	last := f.publisher.batches[1]
	require.Len(t, last, 1)
	assert.Equal(t, conversation.StatusFailed, last[0].Status)
}

func TestResend_ForksUnderSameParent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.Send(ctx, SendRequest{Parts: textParts("what is go?"), UserID: "alice"})
	require.NoError(t, err)
	original := f.get(t, first.UserMessage.ID)

	res, err := f.service.Resend(ctx, ResendRequest{MessageID: first.UserMessage.ID, UserID: "alice", TemporaryID: "tmp-r"})
	require.NoError(t, err)

	assert.Equal(t, original.ParentID, res.UserMessage.ParentID)
	assert.Equal(t, "what is go?", res.UserMessage.Text())
	assert.Equal(t, "tmp-r", res.UserMessage.TemporaryID)
	assert.Equal(t, res.UserMessage.ID, res.AssistantMessage.ParentID)

	after := f.get(t, first.UserMessage.ID)
	if diff := cmp.Diff(original, after); diff != "" {
		t.Errorf("original changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, []conversation.NodeID{first.AssistantMessage.ID}, f.children(t, first.UserMessage.ID))
	assert.Equal(t, []conversation.NodeID{first.UserMessage.ID, res.UserMessage.ID}, f.children(t, first.Root.ID))

	edited, err := f.service.Resend(ctx, ResendRequest{MessageID: first.UserMessage.ID, Parts: textParts("what is rust?"), UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "what is rust?", edited.UserMessage.Text())
	assert.Len(t, f.children(t, first.Root.ID), 3)
}

func TestResend_Rejections(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.Send(ctx, SendRequest{Parts: textParts("hello"), UserID: "alice"})
	require.NoError(t, err)

	_, err = f.service.Resend(ctx, ResendRequest{MessageID: conversation.NewNodeID(), UserID: "alice"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = f.service.Resend(ctx, ResendRequest{MessageID: first.AssistantMessage.ID, UserID: "alice"})
	assert.ErrorIs(t, err, conversation.ErrConflict)

	_, err = f.service.Delete(ctx, DeleteRequest{MessageID: first.UserMessage.ID, UserID: "alice"})
	require.NoError(t, err)
	_, err = f.service.Resend(ctx, ResendRequest{MessageID: first.UserMessage.ID, UserID: "alice"})
	var conflict *conversation.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "message deleted", conflict.Reason)
}

func TestRegenerate_CreatesSiblingAndKeepsEarliestDefault(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.Send(ctx, SendRequest{Parts: textParts("U1"), UserID: "alice"})
	require.NoError(t, err)
	u1, a1 := first.UserMessage.ID, first.AssistantMessage.ID
	failed := conversation.StatusFailed
	_, err = f.store.UpdateMessage(ctx, a1, store.MessageUpdate{Status: &failed})
	require.NoError(t, err)

	res, err := f.service.Regenerate(ctx, RegenerateRequest{MessageID: a1, UserID: "alice", TemporaryID: "tmp-a2"})
	require.NoError(t, err)
	a2 := res.AssistantMessage

	assert.Equal(t, u1, a2.ParentID)
	assert.Equal(t, conversation.StatusQueued, a2.Status)
	assert.Equal(t, "tmp-a2", a2.TemporaryID)
	assert.Equal(t, u1, res.UserMessage.ID)
	assert.Equal(t, []conversation.NodeID{a1, a2.ID}, res.UserMessage.Children)

	require.Len(t, f.generations.requests, 2)
	assert.Equal(t, u1, f.generations.requests[1].UserMessage.ID)
	assert.Equal(t, a2.ID, f.generations.requests[1].AssistantMessageID)

	chain, err := query.NewEngine(f.store).DefaultDescendantChain(ctx, first.ConversationID, u1)
	require.NoError(t, err)
	assert.Equal(t, []conversation.NodeID{a1}, chain.IDs())

	latest, err := query.NewEngine(f.store, query.WithPolicy(conversation.PolicyLatest)).DefaultDescendantChain(ctx, first.ConversationID, u1)
	require.NoError(t, err)
	assert.Equal(t, []conversation.NodeID{a2.ID}, latest.IDs())
}

func TestRegenerate_Rejections(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.Send(ctx, SendRequest{Parts: textParts("hi"), UserID: "alice"})
	require.NoError(t, err)

	orphan := conversation.NewMessageNode(first.ConversationID, conversation.RoleAssistant, textParts("orphan"))
	require.NoError(t, f.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertMessage(ctx, orphan)
	}))
	before := f.count(t, first.ConversationID)

	_, err = f.service.Regenerate(ctx, RegenerateRequest{MessageID: orphan.ID, UserID: "alice"})
	assert.ErrorIs(t, err, conversation.ErrConflict)

	_, err = f.service.Regenerate(ctx, RegenerateRequest{MessageID: first.UserMessage.ID, UserID: "alice"})
	assert.ErrorIs(t, err, conversation.ErrConflict)

	_, err = f.service.Regenerate(ctx, RegenerateRequest{MessageID: first.AssistantMessage.ID, UserID: "mallory"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	assert.Equal(t, before, f.count(t, first.ConversationID))
	assert.Len(t, f.generations.requests, 1)
}

func TestStop(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.Send(ctx, SendRequest{Parts: textParts("hi"), UserID: "alice"})
	require.NoError(t, err)

	_, err = f.service.Stop(ctx, StopRequest{ConversationID: first.ConversationID, UserID: "alice"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	f.generations.active[first.ConversationID] = first.AssistantMessage.ID
	n, err := f.service.Stop(ctx, StopRequest{ConversationID: first.ConversationID, UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, first.AssistantMessage.ID, n.ID)
	assert.Equal(t, conversation.StatusQueued, n.Status)

	n, err = f.service.Stop(ctx, StopRequest{MessageID: first.AssistantMessage.ID, UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusQueued, n.Status)
	assert.Equal(t, []conversation.NodeID{first.AssistantMessage.ID, first.AssistantMessage.ID}, f.generations.cancelled)

	_, err = f.service.Stop(ctx, StopRequest{MessageID: first.AssistantMessage.ID, UserID: "mallory"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestDelete_RemovesSubtree(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	first, err := f.service.Send(ctx, SendRequest{Parts: textParts("hi"), UserID: "alice"})
	require.NoError(t, err)
	fork, err := f.service.Resend(ctx, ResendRequest{MessageID: first.UserMessage.ID, UserID: "alice"})
	require.NoError(t, err)

	res, err := f.service.Delete(ctx, DeleteRequest{MessageID: first.UserMessage.ID, UserID: "alice"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []conversation.NodeID{first.UserMessage.ID, first.AssistantMessage.ID}, res.Deleted.IDs())
	for _, n := range res.Deleted {
		assert.NotNil(t, n.DeletedAt)
	}
	assert.Equal(t, []conversation.NodeID{first.AssistantMessage.ID}, f.generations.cancelled)
	assert.Equal(t, []conversation.NodeID{fork.UserMessage.ID}, f.children(t, first.Root.ID))

	_, err = f.service.Delete(ctx, DeleteRequest{MessageID: first.UserMessage.ID, UserID: "alice"})
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestService_OpenAccessMode(t *testing.T) {
	f := newServiceFixture(t)
	f.service = NewService(f.store, f.service.agents, f.generations,
		WithAccessResolver(access.NewStoreResolver(f.store, access.ModeOpen)),
		WithClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }),
	)
	ctx := context.Background()

	first, err := f.service.Send(ctx, SendRequest{Parts: textParts("hi"), UserID: "alice"})
	require.NoError(t, err)
	res, err := f.service.Send(ctx, SendRequest{
		ConversationID:  first.ConversationID,
		ParentMessageID: first.AssistantMessage.ID,
		Parts:           textParts("me too"),
		UserID:          "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", res.UserMessage.AuthorID)
	assert.True(t, res.UserMessage.CreatedAt.After(first.AssistantMessage.CreatedAt))
}
