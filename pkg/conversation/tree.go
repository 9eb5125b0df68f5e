package conversation

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type NodeID uuid.UUID

// NullNode is the parent id of a root.
var NullNode NodeID = NodeID(uuid.Nil)

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NullNode, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return NullNode, &ValidationError{Field: "id", Reason: errors.Wrapf(err, "invalid node id %q", s).Error()}
	}
	return NodeID(id), nil
}

func MustParseNodeID(s string) NodeID {
	id, err := ParseNodeID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id NodeID) String() string {
	if id == NullNode {
		return ""
	}
	return uuid.UUID(id).String()
}

// Short returns the first 8 characters, for log lines and the tree view.
func (id NodeID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func (id NodeID) IsZero() bool { return id == NullNode }

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(data []byte) error {
	parsed, err := ParseNodeID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id NodeID) MarshalJSON() ([]byte, error) {
	if id == NullNode {
		return []byte("null"), nil
	}
	return json.Marshal(uuid.UUID(id).String())
}

func (id *NodeID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = NullNode
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return id.UnmarshalText([]byte(s))
}

// ConversationTree is an in-memory forest of message nodes.
//
// Nodes are kept in a flat map and parent/child relationships are derived
// from ParentID on every lookup; nothing stores child pointers. Children of a
// node are its live nodes with a matching ParentID, ordered by CreatedAt.
type ConversationTree struct {
	Nodes  map[NodeID]*MessageNode
	Policy SelectionPolicy
}

func NewConversationTree(policy SelectionPolicy) *ConversationTree {
	return &ConversationTree{
		Nodes:  make(map[NodeID]*MessageNode),
		Policy: policy,
	}
}

// InsertMessages adds or replaces nodes by id.
func (ct *ConversationTree) InsertMessages(msgs ...*MessageNode) {
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		ct.Nodes[msg.ID] = msg
	}
}

func (ct *ConversationTree) GetMessageByID(id NodeID) (*MessageNode, bool) {
	ret, exists := ct.Nodes[id]
	return ret, exists
}

// ChildrenOf returns the live children of id, ordered by CreatedAt.
func (ct *ConversationTree) ChildrenOf(id NodeID) Messages {
	var children Messages
	for _, n := range ct.Nodes {
		if n.ParentID == id && n.IsLive() && id != NullNode {
			children = append(children, n)
		}
	}
	SortByCreatedAt(children)
	return children
}

func (ct *ConversationTree) ChildIDs(id NodeID) []NodeID {
	return ct.ChildrenOf(id).IDs()
}

// Roots returns the live roots of the forest ordered by CreatedAt.
func (ct *ConversationTree) Roots() Messages {
	var roots Messages
	for _, n := range ct.Nodes {
		if n.ParentID == NullNode && n.IsLive() {
			roots = append(roots, n)
		}
	}
	SortByCreatedAt(roots)
	return roots
}

// FindSiblings returns the live siblings of id, id excluded.
func (ct *ConversationTree) FindSiblings(id NodeID) []NodeID {
	node, exists := ct.Nodes[id]
	if !exists {
		return nil
	}
	var peers Messages
	if node.ParentID == NullNode {
		peers = ct.Roots()
	} else {
		peers = ct.ChildrenOf(node.ParentID)
	}
	var siblings []NodeID
	for _, sibling := range peers {
		if sibling.ID != id {
			siblings = append(siblings, sibling.ID)
		}
	}
	return siblings
}

// AncestorChain walks ParentID upward from id, id excluded, and returns the
// chain oldest first. A positive limit keeps only the nearest limit
// ancestors. The walk stops at a missing or deleted parent.
func (ct *ConversationTree) AncestorChain(id NodeID, limit int) Messages {
	node, exists := ct.Nodes[id]
	if !exists || !node.IsLive() {
		return nil
	}
	var chain Messages
	seen := map[NodeID]bool{id: true}
	for parentID := node.ParentID; parentID != NullNode; {
		if seen[parentID] {
			break
		}
		seen[parentID] = true
		parent, ok := ct.Nodes[parentID]
		if !ok || !parent.IsLive() {
			break
		}
		chain = append(chain, parent)
		if limit > 0 && len(chain) >= limit {
			break
		}
		parentID = parent.ParentID
	}
	reverse(chain)
	return chain
}

// DefaultDescendantChain follows the canonical child from id until a leaf,
// id excluded. Each returned node is a copy carrying its child id list.
func (ct *ConversationTree) DefaultDescendantChain(id NodeID) Messages {
	node, exists := ct.Nodes[id]
	if !exists || !node.IsLive() {
		return nil
	}
	var chain Messages
	seen := map[NodeID]bool{id: true}
	children := ct.ChildrenOf(id)
	for len(children) > 0 {
		next := ct.Policy.Pick(children)
		if seen[next.ID] {
			break
		}
		seen[next.ID] = true
		children = ct.ChildrenOf(next.ID)
		withChildren := next.Clone()
		withChildren.Children = children.IDs()
		chain = append(chain, withChildren)
	}
	return chain
}

// Thread returns ancestors + [id] + default descendants, the path a fresh
// load renders for id.
func (ct *ConversationTree) Thread(id NodeID) Messages {
	node, exists := ct.Nodes[id]
	if !exists || !node.IsLive() {
		return nil
	}
	target := node.Clone()
	target.Children = ct.ChildIDs(id)
	ret := ct.AncestorChain(id, 0)
	ret = append(ret, target)
	return append(ret, ct.DefaultDescendantChain(id)...)
}

// SortByCreatedAt orders nodes oldest first, breaking ties by id so that the
// order is total even for data imported with equal timestamps.
func SortByCreatedAt(ms Messages) {
	sort.SliceStable(ms, func(i, j int) bool {
		return Less(ms[i], ms[j])
	})
}

func Less(a, b *MessageNode) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func reverse(ms Messages) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}
