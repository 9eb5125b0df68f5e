package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/huandu/go-clone"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusStreaming, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether a generation is still pending or running.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusStreaming
}

// CanTransition validates an assistant status change.
// streaming→streaming is allowed so that the pipeline can flush partial parts.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusStreaming || to == StatusFailed
	case StatusStreaming:
		return to == StatusStreaming || to == StatusCompleted || to == StatusFailed
	}
	return false
}

type PartType string

const (
	PartTypeText       PartType = "text"
	PartTypeImage      PartType = "image"
	PartTypeToolCall   PartType = "tool-call"
	PartTypeToolResult PartType = "tool-result"
)

// Part is one ordered content block of a message.
type Part struct {
	Type       PartType        `json:"type" yaml:"type"`
	Text       string          `json:"text,omitempty" yaml:"text,omitempty"`
	URL        string          `json:"url,omitempty" yaml:"url,omitempty"`
	MediaType  string          `json:"mediaType,omitempty" yaml:"mediaType,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty" yaml:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty" yaml:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty" yaml:"-"`
	Output     string          `json:"output,omitempty" yaml:"output,omitempty"`
}

func NewTextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

func (p Part) String() string {
	switch p.Type {
	case PartTypeText:
		return p.Text
	case PartTypeImage:
		return fmt.Sprintf("[image %s]", p.URL)
	case PartTypeToolCall:
		return fmt.Sprintf("[tool-call %s(%s)]", p.ToolName, string(p.Input))
	case PartTypeToolResult:
		return fmt.Sprintf("[tool-result %s: %s]", p.ToolCallID, p.Output)
	default:
		return fmt.Sprintf("[%s]", p.Type)
	}
}

// TextOf concatenates the text parts in order.
func TextOf(parts []Part) string {
	var sb strings.Builder
	for _, p := range parts {
		if p.Type == PartTypeText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

const (
	MetadataKeyAuthorID  = "authorId"
	MetadataKeyModel     = "model"
	MetadataKeyError     = "error"
	MetadataKeyUsage     = "usage"
	MetadataKeyCancelled = "cancelled"
)

// MessageNode is one message of a conversation forest.
//
// Children and TemporaryID are wire-only: the query engine fills Children
// with the live child ids ordered by CreatedAt, and TemporaryID echoes the
// client id of the request that created the node. Neither is persisted.
// A nil Children means the children were not looked up.
type MessageNode struct {
	ID             NodeID         `json:"id" yaml:"id"`
	ConversationID ConversationID `json:"conversationId" yaml:"conversationId"`
	ParentID       NodeID         `json:"parentId" yaml:"parentId"`
	Role           Role           `json:"role" yaml:"role"`
	Status         Status         `json:"status" yaml:"status"`
	Parts          []Part         `json:"parts" yaml:"parts"`
	Metadata       map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	AuthorID       string         `json:"authorId,omitempty" yaml:"authorId,omitempty"`
	CreatedAt      time.Time      `json:"createdAt" yaml:"createdAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty" yaml:"deletedAt,omitempty"`

	Children    []NodeID `json:"children" yaml:"-"`
	TemporaryID string   `json:"temporaryId,omitempty" yaml:"-"`
}

type MessageOption func(*MessageNode)

func WithID(id NodeID) MessageOption {
	return func(m *MessageNode) {
		m.ID = id
	}
}

func WithParentID(parentID NodeID) MessageOption {
	return func(m *MessageNode) {
		m.ParentID = parentID
	}
}

func WithStatus(status Status) MessageOption {
	return func(m *MessageNode) {
		m.Status = status
	}
}

func WithMetadata(metadata map[string]any) MessageOption {
	return func(m *MessageNode) {
		m.Metadata = metadata
	}
}

func WithAuthorID(authorID string) MessageOption {
	return func(m *MessageNode) {
		m.AuthorID = authorID
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *MessageNode) {
		m.CreatedAt = t
	}
}

func WithTemporaryID(tempID string) MessageOption {
	return func(m *MessageNode) {
		m.TemporaryID = tempID
	}
}

// NewMessageNode creates a completed node with a fresh id. User and system
// nodes are created completed; assistant nodes are usually given
// WithStatus(StatusQueued).
func NewMessageNode(conversationID ConversationID, role Role, parts []Part, options ...MessageOption) *MessageNode {
	ret := &MessageNode{
		ID:             NewNodeID(),
		ConversationID: conversationID,
		ParentID:       NullNode,
		Role:           role,
		Status:         StatusCompleted,
		Parts:          parts,
		CreatedAt:      time.Now(),
	}
	for _, option := range options {
		option(ret)
	}
	if ret.Parts == nil {
		ret.Parts = []Part{}
	}
	return ret
}

func (m *MessageNode) IsRoot() bool {
	return m.ParentID == NullNode
}

func (m *MessageNode) IsLive() bool {
	return m.DeletedAt == nil
}

func (m *MessageNode) Text() string {
	return TextOf(m.Parts)
}

func (m *MessageNode) MetadataString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// ErrorMessage returns the failure message stored in metadata, if any.
func (m *MessageNode) ErrorMessage() string {
	if m.Metadata == nil {
		return ""
	}
	switch v := m.Metadata[MetadataKeyError].(type) {
	case string:
		return v
	case map[string]any:
		s, _ := v["message"].(string)
		return s
	}
	return ""
}

// Clone returns a deep copy, including metadata and parts.
func (m *MessageNode) Clone() *MessageNode {
	if m == nil {
		return nil
	}
	ret := *m
	if m.Parts != nil {
		ret.Parts = make([]Part, len(m.Parts))
		copy(ret.Parts, m.Parts)
	}
	if m.Metadata != nil {
		ret.Metadata = clone.Clone(m.Metadata).(map[string]any)
	}
	if m.Children != nil {
		ret.Children = make([]NodeID, len(m.Children))
		copy(ret.Children, m.Children)
	}
	if m.DeletedAt != nil {
		d := *m.DeletedAt
		ret.DeletedAt = &d
	}
	return &ret
}

func (m *MessageNode) String() string {
	return fmt.Sprintf("[%s %s %s] %s", m.Role, m.Status, m.ID.Short(), m.Text())
}

// Messages is an ordered chain of nodes, oldest first.
type Messages []*MessageNode

func (ms Messages) IDs() []NodeID {
	ret := make([]NodeID, 0, len(ms))
	for _, m := range ms {
		ret = append(ret, m.ID)
	}
	return ret
}

func (ms Messages) Clone() Messages {
	if ms == nil {
		return nil
	}
	ret := make(Messages, 0, len(ms))
	for _, m := range ms {
		ret = append(ret, m.Clone())
	}
	return ret
}
