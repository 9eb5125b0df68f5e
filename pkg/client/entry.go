package client

import (
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/google/uuid"
)

// Key addresses an entry of the cache: the node id for persisted nodes, the
// temporary id for drafts. Temporary ids are prefixed so they can never
// collide with node ids.
type Key string

const tempPrefix = "tmp-"

func KeyOf(id conversation.NodeID) Key {
	if id.IsZero() {
		return ""
	}
	return Key(id.String())
}

// NewTemporaryID returns a fresh client-side id for an optimistic entry.
func NewTemporaryID() string {
	return tempPrefix + uuid.NewString()
}

func (k Key) IsTemporary() bool {
	return len(k) > len(tempPrefix) && string(k[:len(tempPrefix)]) == tempPrefix
}

// NodeID returns the persisted id behind k.
func (k Key) NodeID() (conversation.NodeID, bool) {
	if k == "" || k.IsTemporary() {
		return conversation.NullNode, false
	}
	id, err := conversation.ParseNodeID(string(k))
	if err != nil {
		return conversation.NullNode, false
	}
	return id, true
}

// Entry is one cached message: either a node the server knows (Persisted)
// or a local placeholder awaiting confirmation (Pending).
type Entry interface {
	Key() Key
	ParentKey() Key
	IsPersisted() bool
	// View renders the entry as a node. For drafts the id is zero and
	// TemporaryID is set.
	View() *conversation.MessageNode
	createdAt() time.Time
	isEntry()
}

type Persisted struct {
	Node *conversation.MessageNode
}

func (p Persisted) Key() Key { return KeyOf(p.Node.ID) }

func (p Persisted) ParentKey() Key { return KeyOf(p.Node.ParentID) }

func (p Persisted) IsPersisted() bool { return true }

func (p Persisted) View() *conversation.MessageNode { return p.Node }

func (p Persisted) createdAt() time.Time { return p.Node.CreatedAt }

func (Persisted) isEntry() {}

// Draft holds the best-guess fields of an optimistic message.
type Draft struct {
	TemporaryID    string
	ConversationID conversation.ConversationID
	Parent         Key
	Role           conversation.Role
	Parts          []conversation.Part
	Status         conversation.Status
	Error          string
	CreatedAt      time.Time
}

type Pending struct {
	Draft Draft
}

func (p Pending) Key() Key { return Key(p.Draft.TemporaryID) }

func (p Pending) ParentKey() Key { return p.Draft.Parent }

func (p Pending) IsPersisted() bool { return false }

func (p Pending) View() *conversation.MessageNode {
	n := &conversation.MessageNode{
		ConversationID: p.Draft.ConversationID,
		Role:           p.Draft.Role,
		Status:         p.Draft.Status,
		Parts:          p.Draft.Parts,
		CreatedAt:      p.Draft.CreatedAt,
		TemporaryID:    p.Draft.TemporaryID,
	}
	if id, ok := p.Draft.Parent.NodeID(); ok {
		n.ParentID = id
	}
	if p.Draft.Error != "" {
		n.Metadata = map[string]any{
			conversation.MetadataKeyError: map[string]any{"message": p.Draft.Error, "kind": "transient"},
		}
	}
	return n
}

func (p Pending) createdAt() time.Time { return p.Draft.CreatedAt }
func (Pending) isEntry() {}

var (
	_ Entry = Persisted{}
	_ Entry = Pending{}
)
