package client

import (
	"context"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/branch"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/rs/zerolog/log"
)

// InputStatus gates the input of a conversation view.
type InputStatus string

const (
	InputReady     InputStatus = "ready"
	InputSubmitted InputStatus = "submitted"
	InputStreaming InputStatus = "streaming"
	InputError     InputStatus = "error"
)

// Busy reports whether a send is in flight.
func (s InputStatus) Busy() bool {
	return s == InputSubmitted || s == InputStreaming
}

// Controller drives one conversation view: it owns the cache, applies
// optimistic updates around mutations and folds pushed batches back in.
type Controller struct {
	transport Transport
	cache     *Cache
	nav       *Navigator
	agentID   string
	now       func() time.Time

	mu             sync.Mutex
	conversationID conversation.ConversationID
	status         InputStatus
	streamingID    conversation.NodeID
	lastErr        error

	changes chan struct{}
}

type ControllerOption func(*Controller)

func WithAgentID(agentID string) ControllerOption {
	return func(c *Controller) {
		c.agentID = agentID
	}
}

func WithConversation(id conversation.ConversationID) ControllerOption {
	return func(c *Controller) {
		c.conversationID = id
	}
}

func WithControllerClock(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

func NewController(transport Transport, options ...ControllerOption) *Controller {
	cache := NewCache()
	c := &Controller{
		transport: transport,
		cache:     cache,
		nav:       NewNavigator(transport, cache),
		now:       time.Now,
		status:    InputReady,
		changes:   make(chan struct{}, 1),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Controller) Cache() *Cache { return c.cache }

// Changes is signalled after every state change. Signals coalesce.
func (c *Controller) Changes() <-chan struct{} { return c.changes }

func (c *Controller) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *Controller) ConversationID() conversation.ConversationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *Controller) Status() InputStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StreamingID is the assistant node currently being generated, if any.
func (c *Controller) StreamingID() conversation.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamingID
}

// Err is the error behind the last transition to InputError.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) Chain() []ChainItem {
	return c.cache.Snapshot().DisplayedChain()
}

// Load fetches the conversation's default path, or the path through target
// when it is set, and points the cache at its last node.
func (c *Controller) Load(ctx context.Context, conversationID conversation.ConversationID, target conversation.NodeID) error {
	res, err := c.transport.ListMessages(ctx, ListParams{
		ConversationID:  conversationID,
		TargetMessageID: target,
	})
	if err != nil {
		return err
	}
	c.cache.Merge(res.Messages...)
	c.cache.SetPolicy(res.Policy)
	switch {
	case !target.IsZero():
		c.cache.SetPointer(KeyOf(target))
	case len(res.Messages) > 0:
		c.cache.SetPointer(KeyOf(res.Messages[len(res.Messages)-1].ID))
	}

	c.mu.Lock()
	c.conversationID = conversationID
	c.status = InputReady
	c.streamingID = conversation.NullNode
	for _, m := range res.Messages {
		if m.Role == conversation.RoleAssistant && m.Status.IsActive() {
			c.status = InputStreaming
			c.streamingID = m.ID
		}
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// acquire moves the input to submitted unless a send is already in flight.
func (c *Controller) acquire(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Busy() {
		return &conversation.ConflictError{Op: op, Reason: "a reply is still in progress"}
	}
	c.status = InputSubmitted
	c.lastErr = nil
	return nil
}

// tip is the last message of the displayed chain, or "" for an empty view.
func (c *Controller) tip(snap *Snapshot) Key {
	chain := snap.DisplayedChain()
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Kind != ItemLoading {
			return chain[i].Key
		}
	}
	return ""
}

// Send appends a user message below the displayed tip. The user node and
// its reply appear immediately as drafts and are swapped for the server's
// nodes once the request returns.
func (c *Controller) Send(ctx context.Context, parts []conversation.Part) error {
	if err := c.acquire("send"); err != nil {
		return err
	}
	conversationID := c.ConversationID()
	snap := c.cache.Snapshot()

	parentKey := Key("")
	parentID := conversation.NullNode
	if !conversationID.IsZero() {
		if id, ok := snap.PersistentAncestor(c.tip(snap)); ok {
			parentID = id
			parentKey = KeyOf(id)
		}
	}

	userKey, assistantKey := c.insertPair(conversationID, parentKey, parts)
	res, err := c.transport.Send(ctx, branch.SendRequest{
		ConversationID:       conversationID,
		AgentID:              c.agentID,
		ParentMessageID:      parentID,
		Parts:                parts,
		TemporaryID:          string(userKey),
		AssistantTemporaryID: string(assistantKey),
	})
	if err != nil {
		return c.rollback("send", userKey, assistantKey, err)
	}
	c.confirm(res)
	return nil
}

// Resend forks the persisted user message k, reusing its parts unless new
// ones are given.
func (c *Controller) Resend(ctx context.Context, k Key, parts []conversation.Part) error {
	id, ok := k.NodeID()
	if !ok {
		return &conversation.ValidationError{Field: "messageId", Reason: "message is not persisted yet"}
	}
	e, ok := c.cache.Snapshot().Get(k)
	if !ok {
		return &conversation.NotFoundError{Resource: "message", ID: string(k)}
	}
	original := e.View()
	if original.Role != conversation.RoleUser {
		return &conversation.ConflictError{Op: "resend", Reason: "only user messages can be resent"}
	}
	if err := c.acquire("resend"); err != nil {
		return err
	}
	if len(parts) == 0 {
		parts = original.Parts
	}

	userKey, assistantKey := c.insertPair(original.ConversationID, KeyOf(original.ParentID), parts)
	res, err := c.transport.Resend(ctx, branch.ResendRequest{
		MessageID:            id,
		Parts:                parts,
		TemporaryID:          string(userKey),
		AssistantTemporaryID: string(assistantKey),
	})
	if err != nil {
		return c.rollback("resend", userKey, assistantKey, err)
	}
	c.confirm(res)
	return nil
}

// Regenerate asks for a new sibling of the assistant message k.
func (c *Controller) Regenerate(ctx context.Context, k Key) error {
	id, ok := k.NodeID()
	if !ok {
		return &conversation.ValidationError{Field: "messageId", Reason: "message is not persisted yet"}
	}
	e, ok := c.cache.Snapshot().Get(k)
	if !ok {
		return &conversation.NotFoundError{Resource: "message", ID: string(k)}
	}
	original := e.View()
	if original.Role != conversation.RoleAssistant || original.ParentID.IsZero() {
		return &conversation.ConflictError{Op: "regenerate", Reason: "only replies can be regenerated"}
	}
	if err := c.acquire("regenerate"); err != nil {
		return err
	}

	assistantKey := c.cache.InsertOptimistic(Draft{
		ConversationID: original.ConversationID,
		Parent:         KeyOf(original.ParentID),
		Role:           conversation.RoleAssistant,
		Parts:          []conversation.Part{},
		Status:         conversation.StatusQueued,
		CreatedAt:      c.now(),
	}, true)
	c.notify()

	res, err := c.transport.Regenerate(ctx, branch.RegenerateRequest{
		MessageID:   id,
		TemporaryID: string(assistantKey),
	})
	if err != nil {
		return c.rollback("regenerate", "", assistantKey, err)
	}
	c.confirm(res)
	return nil
}

// Stop cancels the generation in progress. The terminal state arrives as a
// push.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	conversationID, streamingID := c.conversationID, c.streamingID
	c.mu.Unlock()
	if conversationID.IsZero() {
		return &conversation.NotFoundError{Resource: "generation"}
	}
	n, err := c.transport.Stop(ctx, branch.StopRequest{
		ConversationID: conversationID,
		MessageID:      streamingID,
	})
	if err != nil {
		return err
	}
	c.cache.Merge(n)
	c.notify()
	return nil
}

// SwitchBranch moves the view to the branch through k.
func (c *Controller) SwitchBranch(ctx context.Context, k Key) error {
	defer c.notify()
	return c.nav.SwitchBranch(ctx, c.ConversationID(), k)
}

// SwitchSibling moves from k to the sibling delta positions away.
func (c *Controller) SwitchSibling(ctx context.Context, k Key, delta int) error {
	for _, item := range c.Chain() {
		if item.Key != k || item.Kind == ItemLoading {
			continue
		}
		i := item.Index + delta
		if i < 0 || i >= len(item.Siblings) {
			return nil
		}
		return c.SwitchBranch(ctx, item.Siblings[i])
	}
	return &conversation.NotFoundError{Resource: "message", ID: string(k)}
}

// HandlePush folds a pushed batch into the cache and follows the status of
// the generation in progress.
func (c *Controller) HandlePush(ev events.MessagesEvent) {
	c.mu.Lock()
	if c.conversationID != ev.ConversationID {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	snap := c.cache.Merge(ev.Messages...)
	for _, m := range ev.Messages {
		if m.Role == conversation.RoleAssistant {
			if e, ok := snap.Get(KeyOf(m.ID)); ok {
				c.track(e.View())
			}
		}
	}
	c.notify()
}

// Watch subscribes to the conversation's pushes and applies them until ctx
// ends or the stream closes.
func (c *Controller) Watch(ctx context.Context) error {
	conversationID := c.ConversationID()
	if conversationID.IsZero() {
		return &conversation.NotFoundError{Resource: "conversation"}
	}
	ch, err := c.transport.Subscribe(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := c.resync(ctx, conversationID); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID.String()).Msg("could not resync after subscribing")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.HandlePush(ev)
		}
	}
}

// resync refetches the displayed path so that pushes sent before the
// stream opened are not lost.
func (c *Controller) resync(ctx context.Context, conversationID conversation.ConversationID) error {
	snap := c.cache.Snapshot()
	target, ok := snap.PersistentAncestor(snap.Pointer())
	if !ok {
		return nil
	}
	res, err := c.transport.ListMessages(ctx, ListParams{
		ConversationID:  conversationID,
		TargetMessageID: target,
	})
	if err != nil {
		return err
	}
	merged := c.cache.Merge(res.Messages...)
	if e, ok := merged.Get(KeyOf(c.StreamingID())); ok {
		c.track(e.View())
	}
	c.notify()
	return nil
}

func (c *Controller) insertPair(conversationID conversation.ConversationID, parent Key, parts []conversation.Part) (Key, Key) {
	now := c.now()
	userKey := c.cache.InsertOptimistic(Draft{
		ConversationID: conversationID,
		Parent:         parent,
		Role:           conversation.RoleUser,
		Parts:          parts,
		Status:         conversation.StatusCompleted,
		CreatedAt:      now,
	}, false)
	assistantKey := c.cache.InsertOptimistic(Draft{
		ConversationID: conversationID,
		Parent:         userKey,
		Role:           conversation.RoleAssistant,
		Parts:          []conversation.Part{},
		Status:         conversation.StatusQueued,
		CreatedAt:      now,
	}, true)
	c.notify()
	return userKey, assistantKey
}

// confirm swaps drafts for the returned nodes and picks up the reply's
// status, which a push may already have advanced.
func (c *Controller) confirm(res *branch.Result) {
	var nodes conversation.Messages
	for _, n := range []*conversation.MessageNode{res.Root, res.UserMessage, res.AssistantMessage} {
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	snap := c.cache.Merge(nodes...)

	c.mu.Lock()
	if c.conversationID.IsZero() {
		c.conversationID = res.ConversationID
	}
	c.status = InputSubmitted
	c.mu.Unlock()

	if res.AssistantMessage != nil {
		if e, ok := snap.Get(KeyOf(res.AssistantMessage.ID)); ok {
			c.track(e.View())
		}
	}
	c.notify()
}

// track moves the input status along with the reply n.
func (c *Controller) track(n *conversation.MessageNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != InputSubmitted && c.streamingID != n.ID {
		return
	}
	switch n.Status {
	case conversation.StatusQueued, conversation.StatusStreaming:
		c.status = InputStreaming
		c.streamingID = n.ID
	case conversation.StatusCompleted:
		c.status = InputReady
		c.streamingID = conversation.NullNode
	case conversation.StatusFailed:
		c.streamingID = conversation.NullNode
		if cancelled, _ := n.Metadata[conversation.MetadataKeyCancelled].(bool); cancelled {
			c.status = InputReady
			return
		}
		c.status = InputError
		c.lastErr = &conversation.PipelineError{MessageID: n.ID, Reason: n.ErrorMessage()}
	}
}

// rollback handles a failed mutation. The user draft stays, marked failed,
// and its reply draft is dropped. A regenerate has no user draft, so its
// reply draft is the one kept as failed.
func (c *Controller) rollback(op string, userKey, assistantKey Key, err error) error {
	if conversation.ErrorKind(err) == "internal" {
		err = &conversation.TransientError{Op: op, Err: err}
	}
	log.Warn().Err(err).Str("op", op).Msg("mutation failed")

	if userKey != "" {
		c.cache.MarkFailed(userKey, err.Error())
		c.cache.RemoveDraft(assistantKey)
	} else {
		c.cache.MarkFailed(assistantKey, err.Error())
	}

	c.mu.Lock()
	c.status = InputError
	c.lastErr = err
	c.mu.Unlock()
	c.notify()
	return err
}
