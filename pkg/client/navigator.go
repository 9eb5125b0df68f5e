package client

import (
	"context"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"golang.org/x/sync/singleflight"
)

// Navigator moves the cache pointer between branches, fetching subtrees the
// cache cannot render on its own.
type Navigator struct {
	transport Transport
	cache     *Cache
	sf        singleflight.Group
}

func NewNavigator(transport Transport, cache *Cache) *Navigator {
	return &Navigator{transport: transport, cache: cache}
}

// SwitchBranch points the cache at k. A branch whose default path is fully
// cached switches without a request. Otherwise the view shows a loading
// item where the branch starts: below k when k is cached, below its parent
// when only the parent knows it. Concurrent switches to the same key share
// one request. A failed fetch puts the pointer back.
func (n *Navigator) SwitchBranch(ctx context.Context, conversationID conversation.ConversationID, k Key) error {
	snap := n.cache.Snapshot()
	_, cached := snap.Get(k)
	if cached && snap.subtreeCached(k) {
		n.cache.SetPointer(k)
		return nil
	}
	id, ok := k.NodeID()
	if !ok {
		return &conversation.NotFoundError{Resource: "message", ID: string(k)}
	}

	previous := snap.Pointer()
	loadingAt := k
	if !cached {
		loadingAt = ""
		if parent, ok := snap.branchPoint(id); ok {
			loadingAt = parent
		}
	}
	if loadingAt != "" {
		n.cache.SetPointer(loadingAt)
		n.cache.SetLoading(loadingAt, true)
		defer n.cache.SetLoading(loadingAt, false)
	}

	_, err, _ := n.sf.Do(string(k), func() (interface{}, error) {
		res, err := n.transport.ListMessages(ctx, ListParams{
			ConversationID:   conversationID,
			TargetMessageID:  id,
			ExcludeAncestors: cached,
		})
		if err != nil {
			return nil, err
		}
		n.cache.Merge(res.Messages...)
		n.cache.SetPolicy(res.Policy)
		return nil, nil
	})
	if err != nil {
		if previous != "" {
			n.cache.SetPointer(previous)
		}
		if conversation.ErrorKind(err) == "internal" {
			err = &conversation.TransientError{Op: "switch branch", Err: err}
		}
		return err
	}
	if !n.cache.SetPointer(k) {
		return &conversation.NotFoundError{Resource: "message", ID: string(k)}
	}
	return nil
}
