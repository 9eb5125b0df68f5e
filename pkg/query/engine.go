package query

import (
	"context"
	"errors"

	"github.com/go-go-golems/branchchat/pkg/access"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/rs/zerolog/log"
)

// Engine computes the bounded views of a conversation forest that clients
// render: the ancestor chain of a target plus its canonical descendant path.
//
// Unknown or inaccessible targets yield empty results rather than errors.
type Engine struct {
	reader       store.Reader
	access       access.Resolver
	policy       conversation.SelectionPolicy
	maxAncestors int
}

type Option func(*Engine)

func WithPolicy(policy conversation.SelectionPolicy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// WithMaxAncestors caps ancestor chains when the request has no limit.
func WithMaxAncestors(n int) Option {
	return func(e *Engine) {
		e.maxAncestors = n
	}
}

func WithAccessResolver(r access.Resolver) Option {
	return func(e *Engine) {
		e.access = r
	}
}

func NewEngine(reader store.Reader, options ...Option) *Engine {
	ret := &Engine{
		reader: reader,
		policy: conversation.PolicyEarliest,
	}
	for _, option := range options {
		option(ret)
	}
	if ret.access == nil {
		ret.access = access.NewStoreResolver(reader, access.ModeOpen)
	}
	return ret
}

func (e *Engine) Policy() conversation.SelectionPolicy {
	return e.policy
}

// ListRequest selects the view returned by ListMessageNodes. A zero
// TargetMessageID selects the conversation's default thread.
type ListRequest struct {
	ConversationID     conversation.ConversationID
	TargetMessageID    conversation.NodeID
	ExcludeAncestors   bool
	ExcludeDescendants bool
	Limit              int
}

type ListResult struct {
	ConversationID conversation.ConversationID  `json:"conversationId"`
	Policy         conversation.SelectionPolicy `json:"policy"`
	Messages       conversation.Messages        `json:"messages"`
}

// ListMessageNodes returns ancestors + [target] + default descendants, each
// node carrying its live children ids.
func (e *Engine) ListMessageNodes(ctx context.Context, req ListRequest) (*ListResult, error) {
	ret := &ListResult{
		ConversationID: req.ConversationID,
		Policy:         e.policy,
		Messages:       conversation.Messages{},
	}
	ok, err := e.CanRead(ctx, req.ConversationID)
	if err != nil || !ok {
		return ret, err
	}

	targetID := req.TargetMessageID
	if targetID.IsZero() {
		roots, err := e.reader.RootsOf(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		root := e.policy.Pick(roots)
		if root == nil {
			return ret, nil
		}
		targetID = root.ID
	}

	target, ok, err := e.reader.GetMessage(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if !ok || !target.IsLive() || target.ConversationID != req.ConversationID {
		return ret, nil
	}

	var chain conversation.Messages
	if !req.ExcludeAncestors {
		limit := req.Limit
		if limit <= 0 {
			limit = e.maxAncestors
		}
		ancestors, err := e.ancestorChain(ctx, req.ConversationID, targetID, limit)
		if err != nil {
			return nil, err
		}
		chain = append(chain, ancestors...)
	}
	chain = append(chain, target)
	if !req.ExcludeDescendants {
		descendants, err := e.defaultDescendantChain(ctx, req.ConversationID, targetID)
		if err != nil {
			return nil, err
		}
		chain = append(chain, descendants...)
	}
	if err := e.annotateChildren(ctx, chain); err != nil {
		return nil, err
	}

	log.Trace().
		Str("conversation_id", req.ConversationID.String()).
		Str("target_id", targetID.String()).
		Int("messages", len(chain)).
		Msg("listed message nodes")
	ret.Messages = chain
	return ret, nil
}

// AncestorChain walks upward from targetID (excluded), oldest first.
func (e *Engine) AncestorChain(ctx context.Context, conversationID conversation.ConversationID, targetID conversation.NodeID, limit int) (conversation.Messages, error) {
	ok, err := e.CanRead(ctx, conversationID)
	if err != nil || !ok {
		return conversation.Messages{}, err
	}
	ret, err := e.ancestorChain(ctx, conversationID, targetID, limit)
	if err != nil {
		return nil, err
	}
	if ret == nil {
		ret = conversation.Messages{}
	}
	return ret, nil
}

// DefaultDescendantChain follows the canonical child from targetID
// (excluded) until a leaf. Every returned node carries its children ids.
func (e *Engine) DefaultDescendantChain(ctx context.Context, conversationID conversation.ConversationID, targetID conversation.NodeID) (conversation.Messages, error) {
	ok, err := e.CanRead(ctx, conversationID)
	if err != nil || !ok {
		return conversation.Messages{}, err
	}
	ret, err := e.defaultDescendantChain(ctx, conversationID, targetID)
	if err != nil {
		return nil, err
	}
	if err := e.annotateChildren(ctx, ret); err != nil {
		return nil, err
	}
	if ret == nil {
		ret = conversation.Messages{}
	}
	return ret, nil
}

// ChildrenOf returns the live children of nodeID, oldest first.
func (e *Engine) ChildrenOf(ctx context.Context, nodeID conversation.NodeID) (conversation.Messages, error) {
	n, ok, err := e.reader.GetMessage(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !ok || !n.IsLive() {
		return conversation.Messages{}, nil
	}
	if ok, err := e.CanRead(ctx, n.ConversationID); err != nil || !ok {
		return conversation.Messages{}, err
	}
	children, err := e.reader.ChildrenOf(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if err := e.annotateChildren(ctx, children); err != nil {
		return nil, err
	}
	if children == nil {
		children = conversation.Messages{}
	}
	return children, nil
}

// RootsOf returns the live roots of a conversation, oldest first.
func (e *Engine) RootsOf(ctx context.Context, conversationID conversation.ConversationID) (conversation.Messages, error) {
	if ok, err := e.CanRead(ctx, conversationID); err != nil || !ok {
		return conversation.Messages{}, err
	}
	roots, err := e.reader.RootsOf(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := e.annotateChildren(ctx, roots); err != nil {
		return nil, err
	}
	if roots == nil {
		roots = conversation.Messages{}
	}
	return roots, nil
}

// CanRead reports whether the caller in ctx may read the conversation. Denied
// and absent conversations both report false without an error.
func (e *Engine) CanRead(ctx context.Context, conversationID conversation.ConversationID) (bool, error) {
	if conversationID.IsZero() {
		return false, nil
	}
	_, err := e.access.ResolveAccess(ctx, access.UserIDFromContext(ctx), access.Scope{ConversationID: conversationID})
	if errors.Is(err, conversation.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) ancestorChain(ctx context.Context, conversationID conversation.ConversationID, targetID conversation.NodeID, limit int) (conversation.Messages, error) {
	if cr, ok := e.reader.(store.ChainReader); ok {
		return cr.AncestorChain(ctx, conversationID, targetID, limit)
	}
	return walkAncestors(ctx, e.reader, conversationID, targetID, limit)
}

func (e *Engine) defaultDescendantChain(ctx context.Context, conversationID conversation.ConversationID, targetID conversation.NodeID) (conversation.Messages, error) {
	if cr, ok := e.reader.(store.ChainReader); ok {
		return cr.DefaultDescendantChain(ctx, conversationID, targetID, e.policy)
	}
	return walkDescendants(ctx, e.reader, conversationID, targetID, e.policy)
}

func (e *Engine) annotateChildren(ctx context.Context, ms conversation.Messages) error {
	for _, m := range ms {
		children, err := e.reader.ChildrenOf(ctx, m.ID)
		if err != nil {
			return err
		}
		m.Children = children.IDs()
	}
	return nil
}
