package conversation

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type ConversationID uuid.UUID

var NullConversation ConversationID = ConversationID(uuid.Nil)

func NewConversationID() ConversationID {
	return ConversationID(uuid.New())
}

// ParseConversationID accepts a uuid, or "new"/"" which both map to the
// null id meaning "create a conversation".
func ParseConversationID(s string) (ConversationID, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "new" {
		return NullConversation, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return NullConversation, &ValidationError{Field: "conversationId", Reason: errors.Wrapf(err, "invalid conversation id %q", s).Error()}
	}
	return ConversationID(id), nil
}

func MustParseConversationID(s string) ConversationID {
	id, err := ParseConversationID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ConversationID) String() string {
	if id == NullConversation {
		return ""
	}
	return uuid.UUID(id).String()
}

func (id ConversationID) IsZero() bool { return id == NullConversation }

func (id ConversationID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ConversationID) UnmarshalText(data []byte) error {
	parsed, err := ParseConversationID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ConversationID) MarshalJSON() ([]byte, error) {
	if id == NullConversation {
		return []byte("null"), nil
	}
	return json.Marshal(uuid.UUID(id).String())
}

func (id *ConversationID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = NullConversation
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return id.UnmarshalText([]byte(s))
}

// Conversation is the container a message forest belongs to.
type Conversation struct {
	ID        ConversationID `json:"id" yaml:"id"`
	AgentID   string         `json:"agentId" yaml:"agentId"`
	OwnerID   string         `json:"ownerId" yaml:"ownerId"`
	Title     string         `json:"title,omitempty" yaml:"title,omitempty"`
	CreatedAt time.Time      `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt" yaml:"updatedAt"`
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	ret := *c
	return &ret
}
