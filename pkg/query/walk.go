package query

import (
	"context"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
)

// maxWalkDepth guards the point-lookup walks against parent cycles.
const maxWalkDepth = 10000

// walkAncestors is the point-lookup version of store.ChainReader.AncestorChain.
func walkAncestors(ctx context.Context, r store.Reader, conversationID conversation.ConversationID, targetID conversation.NodeID, limit int) (conversation.Messages, error) {
	target, ok, err := r.GetMessage(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if !ok || !target.IsLive() || target.ConversationID != conversationID {
		return nil, nil
	}

	var chain conversation.Messages
	seen := map[conversation.NodeID]bool{targetID: true}
	for parentID := target.ParentID; parentID != conversation.NullNode && len(chain) < maxWalkDepth; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seen[parentID] {
			break
		}
		seen[parentID] = true
		parent, ok, err := r.GetMessage(ctx, parentID)
		if err != nil {
			return nil, err
		}
		if !ok || !parent.IsLive() {
			break
		}
		chain = append(chain, parent)
		if limit > 0 && len(chain) >= limit {
			break
		}
		parentID = parent.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// walkDescendants is the point-lookup version of
// store.ChainReader.DefaultDescendantChain.
func walkDescendants(ctx context.Context, r store.Reader, conversationID conversation.ConversationID, targetID conversation.NodeID, policy conversation.SelectionPolicy) (conversation.Messages, error) {
	target, ok, err := r.GetMessage(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if !ok || !target.IsLive() || target.ConversationID != conversationID {
		return nil, nil
	}

	var chain conversation.Messages
	seen := map[conversation.NodeID]bool{targetID: true}
	current := targetID
	for len(chain) < maxWalkDepth {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		children, err := r.ChildrenOf(ctx, current)
		if err != nil {
			return nil, err
		}
		next := policy.Pick(children)
		if next == nil || seen[next.ID] {
			break
		}
		seen[next.ID] = true
		chain = append(chain, next)
		current = next.ID
	}
	return chain, nil
}
