package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// Reader exposes point lookups over conversations and message nodes.
//
// GetMessage returns soft-deleted nodes too (with DeletedAt set) so callers
// can tell "deleted" from "absent"; ChildrenOf and RootsOf only return live
// nodes ordered by CreatedAt. A missing row is reported as ok=false, not as
// an error.
type Reader interface {
	GetConversation(ctx context.Context, id conversation.ConversationID) (*conversation.Conversation, bool, error)
	ListConversations(ctx context.Context, ownerID string) ([]*conversation.Conversation, error)
	GetMessage(ctx context.Context, id conversation.NodeID) (*conversation.MessageNode, bool, error)
	ChildrenOf(ctx context.Context, id conversation.NodeID) (conversation.Messages, error)
	RootsOf(ctx context.Context, conversationID conversation.ConversationID) (conversation.Messages, error)
	ListMessages(ctx context.Context, conversationID conversation.ConversationID) (conversation.Messages, error)
}

// ChainReader is implemented by stores that can compute chains natively.
// Both methods exclude the target, return nodes oldest first, and return an
// empty result when the target is unknown, deleted, or belongs to another
// conversation.
type ChainReader interface {
	AncestorChain(ctx context.Context, conversationID conversation.ConversationID, targetID conversation.NodeID, limit int) (conversation.Messages, error)
	DefaultDescendantChain(ctx context.Context, conversationID conversation.ConversationID, targetID conversation.NodeID, policy conversation.SelectionPolicy) (conversation.Messages, error)
}

// Tx is the write side of a transaction. Reads through a Tx see its own
// uncommitted writes.
type Tx interface {
	Reader
	CreateConversation(ctx context.Context, c *conversation.Conversation) error
	// InsertMessage persists n. CreatedAt is adjusted so that it is strictly
	// greater than every other node of the conversation; n is updated in place.
	InsertMessage(ctx context.Context, n *conversation.MessageNode) error
	SoftDeleteMessages(ctx context.Context, ids []conversation.NodeID, at time.Time) error
}

// MessageUpdate carries the pipeline-owned fields of a node. Nil fields are
// left unchanged; Metadata is merged key by key.
type MessageUpdate struct {
	Status   *conversation.Status
	Parts    []conversation.Part
	Metadata map[string]any
}

type Store interface {
	Reader
	ChainReader
	// RunInTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; nothing is visible to other
	// readers before commit.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// UpdateMessage applies a pipeline update. Status changes must follow
	// conversation.CanTransition, otherwise a ConflictError is returned.
	UpdateMessage(ctx context.Context, id conversation.NodeID, update MessageUpdate) (*conversation.MessageNode, error)
	Close() error
}

// maxChainDepth bounds chain walks so that corrupted parent links cannot
// loop forever.
const maxChainDepth = 100000

// nextCreatedAt returns requested truncated to microseconds, bumped past last
// when needed so that createdAt is strictly increasing per conversation.
func nextCreatedAt(requested time.Time, last time.Time) time.Time {
	if requested.IsZero() {
		requested = time.Now()
	}
	ret := time.UnixMicro(requested.UnixMicro()).UTC()
	if !last.IsZero() && !ret.After(last) {
		ret = last.Add(time.Microsecond)
	}
	return ret
}

func applyUpdate(n *conversation.MessageNode, update MessageUpdate) error {
	if update.Status != nil {
		if !conversation.CanTransition(n.Status, *update.Status) {
			return &conversation.ConflictError{
				Op:     "update message",
				Reason: fmt.Sprintf("invalid status transition %s -> %s", n.Status, *update.Status),
			}
		}
		n.Status = *update.Status
	} else if update.Parts != nil && n.Status.IsTerminal() {
		return &conversation.ConflictError{Op: "update message", Reason: fmt.Sprintf("message is already %s", n.Status)}
	}
	if update.Parts != nil {
		n.Parts = update.Parts
	}
	if len(update.Metadata) > 0 {
		if n.Metadata == nil {
			n.Metadata = map[string]any{}
		}
		for k, v := range update.Metadata {
			n.Metadata[k] = v
		}
	}
	return nil
}
