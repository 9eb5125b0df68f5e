package client

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// maxChainLength guards chain composition against parent cycles.
const maxChainLength = 10000

// Snapshot is an immutable state of the cache. Readers may hold on to a
// snapshot for as long as they like; writers replace it as a whole.
type Snapshot struct {
	entries map[Key]Entry
	pointer Key
	policy  conversation.SelectionPolicy
	loading map[Key]struct{}
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		entries: map[Key]Entry{},
		policy:  conversation.PolicyEarliest,
		loading: map[Key]struct{}{},
	}
}

func (s *Snapshot) clone() *Snapshot {
	ret := &Snapshot{
		entries: make(map[Key]Entry, len(s.entries)),
		pointer: s.pointer,
		policy:  s.policy,
		loading: make(map[Key]struct{}, len(s.loading)),
	}
	for k, e := range s.entries {
		ret.entries[k] = e
	}
	for k := range s.loading {
		ret.loading[k] = struct{}{}
	}
	return ret
}

func (s *Snapshot) Get(k Key) (Entry, bool) {
	e, ok := s.entries[k]
	return e, ok
}

func (s *Snapshot) Len() int { return len(s.entries) }

func (s *Snapshot) Pointer() Key { return s.pointer }

func (s *Snapshot) Policy() conversation.SelectionPolicy { return s.policy }

func (s *Snapshot) IsLoading(k Key) bool {
	_, ok := s.loading[k]
	return ok
}

// ChildrenIndex derives parent → children from the cached entries. Roots
// are listed under the empty key. Children are ordered by creation time.
func (s *Snapshot) ChildrenIndex() map[Key][]Key {
	idx := map[Key][]Key{}
	for k, e := range s.entries {
		if e.IsPersisted() && !e.View().IsLive() {
			continue
		}
		idx[e.ParentKey()] = append(idx[e.ParentKey()], k)
	}
	for p := range idx {
		s.sortKeys(idx[p])
	}
	return idx
}

func (s *Snapshot) sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := s.entries[keys[i]], s.entries[keys[j]]
		if !a.createdAt().Equal(b.createdAt()) {
			return a.createdAt().Before(b.createdAt())
		}
		return keys[i] < keys[j]
	})
}

// Children returns every known child of k: the ids the server reported for
// k, cached or not, followed by cached children it did not report, such as
// drafts.
func (s *Snapshot) Children(k Key) []Key {
	return s.children(k, s.ChildrenIndex())
}

func (s *Snapshot) children(k Key, idx map[Key][]Key) []Key {
	var ret []Key
	seen := map[Key]bool{}
	if e, ok := s.entries[k]; ok && e.IsPersisted() {
		for _, id := range e.View().Children {
			ck := KeyOf(id)
			if !seen[ck] {
				seen[ck] = true
				ret = append(ret, ck)
			}
		}
	}
	for _, ck := range idx[k] {
		if !seen[ck] {
			seen[ck] = true
			ret = append(ret, ck)
		}
	}
	return ret
}

// pick applies the selection policy to cached children.
func (s *Snapshot) pick(keys []Key) Key {
	if len(keys) == 0 {
		return ""
	}
	if s.policy == conversation.PolicyLatest {
		return keys[len(keys)-1]
	}
	return keys[0]
}

// PersistentAncestor returns k itself when it is persisted, or its nearest
// persisted ancestor.
func (s *Snapshot) PersistentAncestor(k Key) (conversation.NodeID, bool) {
	for i := 0; k != "" && i < maxChainLength; i++ {
		e, ok := s.entries[k]
		if !ok {
			return conversation.NullNode, false
		}
		if e.IsPersisted() {
			return e.View().ID, true
		}
		k = e.ParentKey()
	}
	return conversation.NullNode, false
}

// branchPoint returns the cached node that lists id among its children.
func (s *Snapshot) branchPoint(id conversation.NodeID) (Key, bool) {
	for k, e := range s.entries {
		if !e.IsPersisted() {
			continue
		}
		for _, c := range e.View().Children {
			if c == id {
				return k, true
			}
		}
	}
	return "", false
}

// subtreeCached reports whether the default path below k can be rendered
// without asking the server.
func (s *Snapshot) subtreeCached(k Key) bool {
	idx := s.ChildrenIndex()
	for i := 0; i < maxChainLength; i++ {
		e, ok := s.entries[k]
		if !ok {
			return false
		}
		if !e.IsPersisted() {
			return true
		}
		n := e.View()
		if n.Children == nil {
			return false
		}
		for _, id := range n.Children {
			if _, ok := s.entries[KeyOf(id)]; !ok {
				return false
			}
		}
		next := s.pick(idx[k])
		if next == "" {
			return true
		}
		k = next
	}
	return false
}

type ItemKind int

const (
	ItemMessage ItemKind = iota
	// ItemPending is an optimistic entry not yet confirmed by the server.
	ItemPending
	// ItemGenerating is a persisted assistant node that is queued or streaming.
	ItemGenerating
	// ItemLoading marks a branch point whose subtree is being fetched.
	ItemLoading
)

type ChainItem struct {
	Key      Key
	Kind     ItemKind
	Message  *conversation.MessageNode
	Siblings []Key
	Index    int
}

// DisplayedChain composes the rendered path for the current pointer: cached
// ancestors up to a root or the first miss, the pointer, then cached
// descendants chosen by the selection policy.
func (s *Snapshot) DisplayedChain() []ChainItem {
	if s.pointer == "" {
		return nil
	}
	if _, ok := s.entries[s.pointer]; !ok {
		return nil
	}
	idx := s.ChildrenIndex()

	var up []Key
	seen := map[Key]bool{s.pointer: true}
	for k := s.entries[s.pointer].ParentKey(); k != "" && len(up) < maxChainLength; {
		e, ok := s.entries[k]
		if !ok || seen[k] {
			break
		}
		seen[k] = true
		up = append(up, k)
		k = e.ParentKey()
	}
	keys := make([]Key, 0, len(up)+1)
	for i := len(up) - 1; i >= 0; i-- {
		keys = append(keys, up[i])
	}
	keys = append(keys, s.pointer)

	loadingAt := Key("")
	for cur := s.pointer; len(keys) < maxChainLength; {
		if s.IsLoading(cur) {
			loadingAt = cur
			break
		}
		e := s.entries[cur]
		if e.IsPersisted() && e.View().Status.IsActive() {
			break
		}
		next := s.pick(idx[cur])
		if next == "" || seen[next] {
			break
		}
		seen[next] = true
		keys = append(keys, next)
		cur = next
	}

	items := make([]ChainItem, 0, len(keys)+1)
	for _, k := range keys {
		e := s.entries[k]
		item := ChainItem{Key: k, Message: e.View()}
		switch {
		case !e.IsPersisted():
			item.Kind = ItemPending
		case e.View().Status.IsActive():
			item.Kind = ItemGenerating
		default:
			item.Kind = ItemMessage
		}
		item.Siblings = s.children(e.ParentKey(), idx)
		for i, sk := range item.Siblings {
			if sk == k {
				item.Index = i
			}
		}
		items = append(items, item)
		if k == loadingAt {
			items = append(items, ChainItem{Key: k, Kind: ItemLoading})
		}
	}
	return items
}

// Cache is the client's normalized message store. Every change produces a
// new Snapshot in one step; concurrent writers are serialized and readers
// never see a partial update.
type Cache struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

func NewCache() *Cache {
	c := &Cache{}
	c.snap.Store(emptySnapshot())
	return c
}

func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

func (c *Cache) update(fn func(s *Snapshot)) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.snap.Load().clone()
	fn(next)
	c.snap.Store(next)
	return next
}

// Merge upserts nodes by id. A node carrying the temporary id of a draft
// replaces that draft: it takes over the draft's parent and the pointer,
// and drafts parented under it are moved beneath the real node. Deleted
// nodes are dropped.
func (c *Cache) Merge(nodes ...*conversation.MessageNode) *Snapshot {
	return c.update(func(s *Snapshot) {
		for _, n := range nodes {
			if n != nil {
				mergeNode(s, n.Clone())
			}
		}
	})
}

func mergeNode(s *Snapshot, n *conversation.MessageNode) {
	key := KeyOf(n.ID)
	if key == "" {
		return
	}

	if tmp := Key(n.TemporaryID); tmp != "" {
		if e, ok := s.entries[tmp]; ok && !e.IsPersisted() {
			if id, ok := e.ParentKey().NodeID(); ok {
				n.ParentID = id
			}
			replaceKey(s, tmp, key)
		}
	}
	n.TemporaryID = ""

	if n.DeletedAt != nil {
		removeNode(s, key, n)
		return
	}

	if prev, ok := s.entries[key]; ok && prev.IsPersisted() {
		// a push may overtake the response that carried the same node
		if statusRank(prev.View().Status) > statusRank(n.Status) {
			stale := n
			n = prev.View().Clone()
			if stale.Children != nil {
				n.Children = stale.Children
			}
		}
		if n.Children == nil {
			n.Children = prev.View().Children
		}
	}
	s.entries[key] = Persisted{Node: n}
	linkToParent(s, n)
}

func statusRank(st conversation.Status) int {
	switch st {
	case conversation.StatusQueued:
		return 0
	case conversation.StatusStreaming:
		return 1
	}
	return 2
}

func replaceKey(s *Snapshot, from, to Key) {
	delete(s.entries, from)
	for k, e := range s.entries {
		if p, ok := e.(Pending); ok && p.Draft.Parent == from {
			p.Draft.Parent = to
			s.entries[k] = p
		}
	}
	if s.pointer == from {
		s.pointer = to
	}
	if _, ok := s.loading[from]; ok {
		delete(s.loading, from)
		s.loading[to] = struct{}{}
	}
}

// linkToParent extends the cached parent's children list with n.
func linkToParent(s *Snapshot, n *conversation.MessageNode) {
	pk := KeyOf(n.ParentID)
	pe, ok := s.entries[pk]
	if !ok || !pe.IsPersisted() {
		return
	}
	parent := pe.View()
	if parent.Children == nil {
		return
	}
	for _, id := range parent.Children {
		if id == n.ID {
			return
		}
	}
	updated := parent.Clone()
	updated.Children = append(append([]conversation.NodeID{}, parent.Children...), n.ID)
	s.entries[pk] = Persisted{Node: updated}
}

func removeNode(s *Snapshot, key Key, n *conversation.MessageNode) {
	parentKey := KeyOf(n.ParentID)
	if prev, ok := s.entries[key]; ok {
		parentKey = prev.ParentKey()
	}
	for k, i := s.pointer, 0; k != "" && i < maxChainLength; i++ {
		if k == key {
			s.pointer = parentKey
			break
		}
		e, ok := s.entries[k]
		if !ok {
			break
		}
		k = e.ParentKey()
	}
	delete(s.entries, key)
	delete(s.loading, key)

	if pe, ok := s.entries[parentKey]; ok && pe.IsPersisted() && pe.View().Children != nil {
		parent := pe.View().Clone()
		kept := make([]conversation.NodeID, 0, len(parent.Children))
		for _, id := range parent.Children {
			if id != n.ID {
				kept = append(kept, id)
			}
		}
		parent.Children = kept
		s.entries[parentKey] = Persisted{Node: parent}
	}
}

// InsertOptimistic adds a draft and, when movePointer is set, points at it.
func (c *Cache) InsertOptimistic(d Draft, movePointer bool) Key {
	if d.TemporaryID == "" {
		d.TemporaryID = NewTemporaryID()
	}
	if d.Status == "" {
		d.Status = conversation.StatusCompleted
	}
	k := Key(d.TemporaryID)
	c.update(func(s *Snapshot) {
		s.entries[k] = Pending{Draft: d}
		if movePointer {
			s.pointer = k
		}
	})
	return k
}

// MarkFailed flags a draft as failed, keeping its content for a retry.
func (c *Cache) MarkFailed(k Key, message string) {
	c.update(func(s *Snapshot) {
		e, ok := s.entries[k].(Pending)
		if !ok {
			return
		}
		e.Draft.Status = conversation.StatusFailed
		e.Draft.Error = message
		s.entries[k] = e
	})
}

// RemoveDraft drops a draft; a pointer on it moves to its parent.
func (c *Cache) RemoveDraft(k Key) {
	c.update(func(s *Snapshot) {
		e, ok := s.entries[k].(Pending)
		if !ok {
			return
		}
		delete(s.entries, k)
		if s.pointer == k {
			s.pointer = e.Draft.Parent
		}
	})
}

// SetPointer moves the pointer to a cached entry.
func (c *Cache) SetPointer(k Key) bool {
	moved := false
	c.update(func(s *Snapshot) {
		if _, ok := s.entries[k]; ok {
			s.pointer = k
			moved = true
		}
	})
	return moved
}

func (c *Cache) SetPolicy(p conversation.SelectionPolicy) {
	if p == "" {
		return
	}
	c.update(func(s *Snapshot) {
		s.policy = p
	})
}

func (c *Cache) SetLoading(k Key, loading bool) {
	c.update(func(s *Snapshot) {
		if loading {
			s.loading[k] = struct{}{}
		} else {
			delete(s.loading, k)
		}
	})
}
