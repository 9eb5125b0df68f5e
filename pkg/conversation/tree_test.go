package conversation

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type treeFixture struct {
	tree *ConversationTree
	conv ConversationID
	at   int
}

func newTreeFixture(policy SelectionPolicy) *treeFixture {
	return &treeFixture{tree: NewConversationTree(policy), conv: NewConversationID()}
}

func (f *treeFixture) add(role Role, parent NodeID, text string) *MessageNode {
	f.at++
	n := NewMessageNode(f.conv, role, []Part{NewTextPart(text)},
		WithParentID(parent),
		WithTime(t0.Add(time.Duration(f.at)*time.Second)),
	)
	f.tree.InsertMessages(n)
	return n
}

func TestConversationTree_ChildrenAreDerivedFromParentID(t *testing.T) {
	f := newTreeFixture(PolicyEarliest)
	root := f.add(RoleSystem, NullNode, "sys")
	u1 := f.add(RoleUser, root.ID, "hi")
	u2 := f.add(RoleUser, root.ID, "hello")
	other := f.add(RoleUser, NullNode, "second root")

	assert.Empty(t, cmp.Diff([]NodeID{u1.ID, u2.ID}, f.tree.ChildIDs(root.ID)))
	assert.Empty(t, cmp.Diff([]NodeID{root.ID, other.ID}, f.tree.Roots().IDs()))

	deleted := t0
	u1.DeletedAt = &deleted
	assert.Empty(t, cmp.Diff([]NodeID{u2.ID}, f.tree.ChildIDs(root.ID)))
	assert.Empty(t, f.tree.ChildIDs(NullNode))
}

func TestConversationTree_AncestorChainExcludesTarget(t *testing.T) {
	f := newTreeFixture(PolicyEarliest)
	root := f.add(RoleSystem, NullNode, "sys")
	u1 := f.add(RoleUser, root.ID, "hi")
	a1 := f.add(RoleAssistant, u1.ID, "hello")
	u2 := f.add(RoleUser, a1.ID, "how are you")

	chain := f.tree.AncestorChain(u2.ID, 0)
	assert.Empty(t, cmp.Diff([]NodeID{root.ID, u1.ID, a1.ID}, chain.IDs()))

	limited := f.tree.AncestorChain(u2.ID, 2)
	assert.Empty(t, cmp.Diff([]NodeID{u1.ID, a1.ID}, limited.IDs()))

	assert.Empty(t, f.tree.AncestorChain(root.ID, 0))
	assert.Empty(t, f.tree.AncestorChain(NewNodeID(), 0))
}

func TestConversationTree_DefaultDescendantChainFollowsEarliestChild(t *testing.T) {
	f := newTreeFixture(PolicyEarliest)
	root := f.add(RoleSystem, NullNode, "sys")
	u1 := f.add(RoleUser, root.ID, "hi")
	a1 := f.add(RoleAssistant, u1.ID, "first")
	a2 := f.add(RoleAssistant, u1.ID, "second")

	chain := f.tree.DefaultDescendantChain(root.ID)
	require.Len(t, chain, 2)
	assert.Equal(t, u1.ID, chain[0].ID)
	assert.Equal(t, a1.ID, chain[1].ID)
	assert.Empty(t, cmp.Diff([]NodeID{a1.ID, a2.ID}, chain[0].Children))
	assert.Empty(t, chain[1].Children)

	// the stored node is not mutated by the children annotation
	assert.Nil(t, f.tree.Nodes[u1.ID].Children)
}

func TestConversationTree_LatestPolicyFollowsNewestChild(t *testing.T) {
	f := newTreeFixture(PolicyLatest)
	root := f.add(RoleSystem, NullNode, "sys")
	u1 := f.add(RoleUser, root.ID, "hi")
	f.add(RoleAssistant, u1.ID, "first")
	a2 := f.add(RoleAssistant, u1.ID, "second")

	chain := f.tree.DefaultDescendantChain(u1.ID)
	require.Len(t, chain, 1)
	assert.Equal(t, a2.ID, chain[0].ID)
}

func TestConversationTree_ThreadIsStable(t *testing.T) {
	f := newTreeFixture(PolicyEarliest)
	root := f.add(RoleSystem, NullNode, "sys")
	u1 := f.add(RoleUser, root.ID, "hi")
	a1 := f.add(RoleAssistant, u1.ID, "hello")
	f.add(RoleUser, root.ID, "fork")

	first := f.tree.Thread(u1.ID)
	second := f.tree.Thread(u1.ID)
	assert.Empty(t, cmp.Diff(first.IDs(), second.IDs()))
	assert.Empty(t, cmp.Diff([]NodeID{root.ID, u1.ID, a1.ID}, first.IDs()))
	assert.Equal(t, []NodeID{a1.ID}, first[1].Children)
}

func TestConversationTree_FindSiblings(t *testing.T) {
	f := newTreeFixture(PolicyEarliest)
	root := f.add(RoleSystem, NullNode, "sys")
	u1 := f.add(RoleUser, root.ID, "a")
	u2 := f.add(RoleUser, root.ID, "b")
	u3 := f.add(RoleUser, root.ID, "c")

	assert.Empty(t, cmp.Diff([]NodeID{u1.ID, u3.ID}, f.tree.FindSiblings(u2.ID)))
	assert.Nil(t, f.tree.FindSiblings(NewNodeID()))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusQueued, StatusStreaming))
	assert.True(t, CanTransition(StatusQueued, StatusFailed))
	assert.True(t, CanTransition(StatusStreaming, StatusStreaming))
	assert.True(t, CanTransition(StatusStreaming, StatusCompleted))
	assert.False(t, CanTransition(StatusQueued, StatusCompleted))
	assert.False(t, CanTransition(StatusCompleted, StatusStreaming))
	assert.False(t, CanTransition(StatusFailed, StatusQueued))
}

func TestNodeID_JSONNull(t *testing.T) {
	n := NewMessageNode(NewConversationID(), RoleUser, nil)
	data, err := n.ParentID.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var id NodeID
	require.NoError(t, id.UnmarshalJSON([]byte(`"`+n.ID.String()+`"`)))
	assert.Equal(t, n.ID, id)
	require.NoError(t, id.UnmarshalJSON([]byte("null")))
	assert.Equal(t, NullNode, id)
}
