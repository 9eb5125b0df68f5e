package ui

import (
	"testing"

	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/stretchr/testify/assert"
)

func testItem(kind client.ItemKind, role conversation.Role, status conversation.Status, text string) client.ChainItem {
	n := conversation.NewMessageNode(conversation.NewConversationID(), role,
		[]conversation.Part{conversation.NewTextPart(text)},
		conversation.WithStatus(status),
	)
	return client.ChainItem{Key: client.KeyOf(n.ID), Kind: kind, Message: n}
}

func TestBranchLabel(t *testing.T) {
	item := testItem(client.ItemMessage, conversation.RoleAssistant, conversation.StatusCompleted, "hi")
	assert.Equal(t, "", branchLabel(item))

	item.Siblings = []client.Key{"a", "b", "c"}
	item.Index = 1
	assert.Equal(t, "‹2/3›", branchLabel(item))
}

func TestRenderShowsBranchAndStatus(t *testing.T) {
	r := &chainRenderer{style: DefaultStyles(), width: 60}

	answer := testItem(client.ItemMessage, conversation.RoleAssistant, conversation.StatusCompleted, "second answer")
	answer.Siblings = []client.Key{"a", "b"}
	answer.Index = 1
	out := r.render([]client.ChainItem{
		testItem(client.ItemMessage, conversation.RoleUser, conversation.StatusCompleted, "question"),
		answer,
	}, -1, "")

	assert.Contains(t, out, "question")
	assert.Contains(t, out, "second answer")
	assert.Contains(t, out, "‹2/2›")
}

func TestRenderFailures(t *testing.T) {
	r := &chainRenderer{style: DefaultStyles(), width: 60}

	failed := testItem(client.ItemMessage, conversation.RoleAssistant, conversation.StatusFailed, "partial")
	failed.Message.Metadata = map[string]any{
		conversation.MetadataKeyError: map[string]any{"message": "model exploded"},
	}
	out := r.item(failed, false, "")
	assert.Contains(t, out, "assistant · failed")
	assert.Contains(t, out, "error: model exploded")

	stopped := testItem(client.ItemMessage, conversation.RoleAssistant, conversation.StatusFailed, "half")
	stopped.Message.Metadata = map[string]any{conversation.MetadataKeyCancelled: true}
	out = r.item(stopped, false, "")
	assert.Contains(t, out, "stopped")
	assert.NotContains(t, out, "error:")
}

func TestRenderPendingAndLoading(t *testing.T) {
	r := &chainRenderer{style: DefaultStyles(), width: 60}

	pending := testItem(client.ItemPending, conversation.RoleUser, conversation.StatusFailed, "lost in transit")
	assert.Contains(t, r.item(pending, false, ""), "not sent")

	generating := testItem(client.ItemGenerating, conversation.RoleAssistant, conversation.StatusQueued, "")
	assert.Contains(t, r.item(generating, false, "*"), "thinking")

	assert.Contains(t, r.item(client.ChainItem{Kind: client.ItemLoading}, false, ""), "loading branch")
}
