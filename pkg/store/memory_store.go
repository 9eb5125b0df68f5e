package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// MemoryStore is a thread-safe in-memory Store. Transactions are serialized
// and buffered; they are applied atomically on commit.
type MemoryStore struct {
	mu            sync.RWMutex
	txMu          sync.Mutex
	conversations map[conversation.ConversationID]*conversation.Conversation
	trees         map[conversation.ConversationID]*conversation.ConversationTree
	index         map[conversation.NodeID]conversation.ConversationID
	lastCreated   map[conversation.ConversationID]time.Time
	closed        bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: map[conversation.ConversationID]*conversation.Conversation{},
		trees:         map[conversation.ConversationID]*conversation.ConversationTree{},
		index:         map[conversation.NodeID]conversation.ConversationID{},
		lastCreated:   map[conversation.ConversationID]time.Time{},
	}
}

func (s *MemoryStore) GetConversation(_ context.Context, id conversation.ConversationID) (*conversation.Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, false, nil
	}
	return c.Clone(), true, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, ownerID string) ([]*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	out := make([]*conversation.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if ownerID == "" || c.OwnerID == ownerID {
			out = append(out, c.Clone())
		}
	}
	sortConversations(out)
	return out, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id conversation.NodeID) (*conversation.MessageNode, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, false, err
	}
	n, ok := s.lookupLocked(id)
	if !ok {
		return nil, false, nil
	}
	return n.Clone(), true, nil
}

func (s *MemoryStore) ChildrenOf(_ context.Context, id conversation.NodeID) (conversation.Messages, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	convID, ok := s.index[id]
	if !ok {
		return nil, nil
	}
	return s.trees[convID].ChildrenOf(id).Clone(), nil
}

func (s *MemoryStore) RootsOf(_ context.Context, conversationID conversation.ConversationID) (conversation.Messages, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	tree, ok := s.trees[conversationID]
	if !ok {
		return nil, nil
	}
	return tree.Roots().Clone(), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID conversation.ConversationID) (conversation.Messages, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	tree, ok := s.trees[conversationID]
	if !ok {
		return nil, nil
	}
	out := make(conversation.Messages, 0, len(tree.Nodes))
	for _, n := range tree.Nodes {
		if n.IsLive() {
			out = append(out, n.Clone())
		}
	}
	conversation.SortByCreatedAt(out)
	return out, nil
}

func (s *MemoryStore) AncestorChain(_ context.Context, conversationID conversation.ConversationID, targetID conversation.NodeID, limit int) (conversation.Messages, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	tree, ok := s.trees[conversationID]
	if !ok {
		return nil, nil
	}
	return tree.AncestorChain(targetID, limit).Clone(), nil
}

func (s *MemoryStore) DefaultDescendantChain(_ context.Context, conversationID conversation.ConversationID, targetID conversation.NodeID, policy conversation.SelectionPolicy) (conversation.Messages, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	tree, ok := s.trees[conversationID]
	if !ok {
		return nil, nil
	}
	view := &conversation.ConversationTree{Nodes: tree.Nodes, Policy: policy}
	return view.DefaultDescendantChain(targetID), nil
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	err := s.ensureOpen()
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	tx := &memoryTx{
		s:             s,
		conversations: map[conversation.ConversationID]*conversation.Conversation{},
		messages:      map[conversation.NodeID]*conversation.MessageNode{},
		deletes:       map[conversation.NodeID]time.Time{},
		lastCreated:   map[conversation.ConversationID]time.Time{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	tx.commitLocked()
	return nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, id conversation.NodeID, update MessageUpdate) (*conversation.MessageNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	n, ok := s.lookupLocked(id)
	if !ok {
		return nil, &conversation.NotFoundError{Resource: "message", ID: id.String()}
	}
	updated := n.Clone()
	update.Parts = clonePartsForStore(update.Parts)
	if err := applyUpdate(updated, update); err != nil {
		return nil, err
	}
	s.trees[updated.ConversationID].InsertMessages(updated)
	return updated.Clone(), nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) lookupLocked(id conversation.NodeID) (*conversation.MessageNode, bool) {
	convID, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return s.trees[convID].GetMessageByID(id)
}

func (s *MemoryStore) ensureOpen() error {
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// memoryTx buffers writes and overlays them on the committed state for reads.
type memoryTx struct {
	s             *MemoryStore
	conversations map[conversation.ConversationID]*conversation.Conversation
	messages      map[conversation.NodeID]*conversation.MessageNode
	order         []conversation.NodeID
	deletes       map[conversation.NodeID]time.Time
	lastCreated   map[conversation.ConversationID]time.Time
}

func (tx *memoryTx) GetConversation(ctx context.Context, id conversation.ConversationID) (*conversation.Conversation, bool, error) {
	if c, ok := tx.conversations[id]; ok {
		return c.Clone(), true, nil
	}
	return tx.s.GetConversation(ctx, id)
}

func (tx *memoryTx) ListConversations(ctx context.Context, ownerID string) ([]*conversation.Conversation, error) {
	out, err := tx.s.ListConversations(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, c := range tx.conversations {
		if ownerID == "" || c.OwnerID == ownerID {
			out = append(out, c.Clone())
		}
	}
	sortConversations(out)
	return out, nil
}

func (tx *memoryTx) GetMessage(ctx context.Context, id conversation.NodeID) (*conversation.MessageNode, bool, error) {
	if n, ok := tx.messages[id]; ok {
		return tx.overlay(n.Clone()), true, nil
	}
	n, ok, err := tx.s.GetMessage(ctx, id)
	if err != nil || !ok {
		return nil, ok, err
	}
	return tx.overlay(n), true, nil
}

func (tx *memoryTx) ChildrenOf(ctx context.Context, id conversation.NodeID) (conversation.Messages, error) {
	base, err := tx.s.ChildrenOf(ctx, id)
	if err != nil {
		return nil, err
	}
	return tx.merge(base, func(n *conversation.MessageNode) bool {
		return n.ParentID == id && id != conversation.NullNode
	}), nil
}

func (tx *memoryTx) RootsOf(ctx context.Context, conversationID conversation.ConversationID) (conversation.Messages, error) {
	base, err := tx.s.RootsOf(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return tx.merge(base, func(n *conversation.MessageNode) bool {
		return n.ConversationID == conversationID && n.ParentID == conversation.NullNode
	}), nil
}

func (tx *memoryTx) ListMessages(ctx context.Context, conversationID conversation.ConversationID) (conversation.Messages, error) {
	base, err := tx.s.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return tx.merge(base, func(n *conversation.MessageNode) bool {
		return n.ConversationID == conversationID
	}), nil
}

func (tx *memoryTx) CreateConversation(ctx context.Context, c *conversation.Conversation) error {
	if c == nil || c.ID.IsZero() {
		return &conversation.ValidationError{Field: "conversation.id", Reason: "id is required"}
	}
	if _, ok, err := tx.GetConversation(ctx, c.ID); err != nil {
		return err
	} else if ok {
		return &conversation.ConflictError{Op: "create conversation", Reason: fmt.Sprintf("conversation %s already exists", c.ID)}
	}
	tx.conversations[c.ID] = c.Clone()
	return nil
}

func (tx *memoryTx) InsertMessage(ctx context.Context, n *conversation.MessageNode) error {
	if n == nil {
		return &conversation.ValidationError{Field: "message", Reason: "message is required"}
	}
	if _, ok, err := tx.GetConversation(ctx, n.ConversationID); err != nil {
		return err
	} else if !ok {
		return &conversation.NotFoundError{Resource: "conversation", ID: n.ConversationID.String()}
	}
	if _, ok, err := tx.GetMessage(ctx, n.ID); err != nil {
		return err
	} else if ok {
		return &conversation.ConflictError{Op: "insert message", Reason: fmt.Sprintf("message %s already exists", n.ID)}
	}
	if n.ParentID != conversation.NullNode {
		parent, ok, err := tx.GetMessage(ctx, n.ParentID)
		if err != nil {
			return err
		}
		if !ok || !parent.IsLive() || parent.ConversationID != n.ConversationID {
			return &conversation.NotFoundError{Resource: "parent message", ID: n.ParentID.String()}
		}
	}

	n.CreatedAt = nextCreatedAt(n.CreatedAt, tx.last(n.ConversationID))
	tx.lastCreated[n.ConversationID] = n.CreatedAt

	stored := n.Clone()
	stored.Children = nil
	stored.TemporaryID = ""
	tx.messages[n.ID] = stored
	tx.order = append(tx.order, n.ID)
	return nil
}

func (tx *memoryTx) SoftDeleteMessages(ctx context.Context, ids []conversation.NodeID, at time.Time) error {
	for _, id := range ids {
		n, ok, err := tx.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return &conversation.NotFoundError{Resource: "message", ID: id.String()}
		}
		if n.IsLive() {
			tx.deletes[id] = at.UTC()
		}
	}
	return nil
}

func (tx *memoryTx) last(conversationID conversation.ConversationID) time.Time {
	if t, ok := tx.lastCreated[conversationID]; ok {
		return t
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.lastCreated[conversationID]
}

func (tx *memoryTx) overlay(n *conversation.MessageNode) *conversation.MessageNode {
	if at, ok := tx.deletes[n.ID]; ok {
		deletedAt := at
		n.DeletedAt = &deletedAt
	}
	return n
}

// merge combines committed live nodes with staged ones matching keep,
// dropping nodes deleted in this transaction.
func (tx *memoryTx) merge(base conversation.Messages, keep func(*conversation.MessageNode) bool) conversation.Messages {
	out := make(conversation.Messages, 0, len(base))
	for _, n := range base {
		if _, deleted := tx.deletes[n.ID]; !deleted {
			out = append(out, n)
		}
	}
	for _, id := range tx.order {
		n := tx.messages[id]
		if _, deleted := tx.deletes[id]; deleted || !keep(n) {
			continue
		}
		out = append(out, n.Clone())
	}
	conversation.SortByCreatedAt(out)
	return out
}

func (tx *memoryTx) commitLocked() {
	s := tx.s
	for id, c := range tx.conversations {
		s.conversations[id] = c
		if _, ok := s.trees[id]; !ok {
			s.trees[id] = conversation.NewConversationTree(conversation.PolicyEarliest)
		}
	}
	for _, id := range tx.order {
		n := tx.messages[id]
		s.trees[n.ConversationID].InsertMessages(n)
		s.index[n.ID] = n.ConversationID
		if n.CreatedAt.After(s.lastCreated[n.ConversationID]) {
			s.lastCreated[n.ConversationID] = n.CreatedAt
		}
		if c, ok := s.conversations[n.ConversationID]; ok && n.CreatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = n.CreatedAt
		}
	}
	for id, at := range tx.deletes {
		n, ok := s.lookupLocked(id)
		if !ok {
			continue
		}
		deleted := n.Clone()
		deletedAt := at
		deleted.DeletedAt = &deletedAt
		s.trees[deleted.ConversationID].InsertMessages(deleted)
	}
}

func clonePartsForStore(parts []conversation.Part) []conversation.Part {
	if parts == nil {
		return nil
	}
	out := make([]conversation.Part, len(parts))
	copy(out, parts)
	return out
}

func sortConversations(cs []*conversation.Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		if !cs[i].UpdatedAt.Equal(cs[j].UpdatedAt) {
			return cs[i].UpdatedAt.After(cs[j].UpdatedAt)
		}
		return cs[i].ID.String() < cs[j].ID.String()
	})
}
