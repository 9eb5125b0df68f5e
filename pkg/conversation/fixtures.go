package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Fixture is a hand-written conversation forest. Messages refer to their
// parent by a local key and are created in file order.
type Fixture struct {
	Title    string           `json:"title,omitempty" yaml:"title,omitempty"`
	AgentID  string           `json:"agentId,omitempty" yaml:"agentId,omitempty"`
	Messages []FixtureMessage `json:"messages" yaml:"messages"`
}

type FixtureMessage struct {
	Key      string         `json:"key" yaml:"key"`
	Parent   string         `json:"parent,omitempty" yaml:"parent,omitempty"`
	Role     Role           `json:"role" yaml:"role"`
	Status   Status         `json:"status,omitempty" yaml:"status,omitempty"`
	Text     string         `json:"text,omitempty" yaml:"text,omitempty"`
	Parts    []Part         `json:"parts,omitempty" yaml:"parts,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// LoadFixtureFromFile reads a fixture from a .json, .yaml or .yml file.
func LoadFixtureFromFile(filename string) (*Fixture, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var f Fixture
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		err = json.Unmarshal(data, &f)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	default:
		return nil, &ValidationError{Field: "file", Reason: fmt.Sprintf("unsupported fixture extension %q", filepath.Ext(filename))}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse fixture %s", filename)
	}
	return &f, nil
}

// Build turns the fixture into nodes of conversationID. CreatedAt starts at
// base and grows by one millisecond per message, so file order is creation
// order. The returned map resolves fixture keys to node ids.
func (f *Fixture) Build(conversationID ConversationID, base time.Time) (Messages, map[string]NodeID, error) {
	ids := map[string]NodeID{}
	ret := make(Messages, 0, len(f.Messages))
	for i, fm := range f.Messages {
		if fm.Key == "" {
			return nil, nil, &ValidationError{Field: fmt.Sprintf("messages[%d].key", i), Reason: "key is required"}
		}
		if _, dup := ids[fm.Key]; dup {
			return nil, nil, &ValidationError{Field: fmt.Sprintf("messages[%d].key", i), Reason: fmt.Sprintf("duplicate key %q", fm.Key)}
		}
		if !fm.Role.Valid() {
			return nil, nil, &ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Reason: fmt.Sprintf("invalid role %q", fm.Role)}
		}
		parentID := NullNode
		if fm.Parent != "" {
			p, ok := ids[fm.Parent]
			if !ok {
				return nil, nil, &ValidationError{Field: fmt.Sprintf("messages[%d].parent", i), Reason: fmt.Sprintf("unknown parent %q (parents must come first)", fm.Parent)}
			}
			parentID = p
		}
		status := fm.Status
		if status == "" {
			status = StatusCompleted
		}
		if !status.Valid() {
			return nil, nil, &ValidationError{Field: fmt.Sprintf("messages[%d].status", i), Reason: fmt.Sprintf("invalid status %q", status)}
		}
		parts := fm.Parts
		if len(parts) == 0 && fm.Text != "" {
			parts = []Part{NewTextPart(fm.Text)}
		}

		node := NewMessageNode(conversationID, fm.Role, parts,
			WithParentID(parentID),
			WithStatus(status),
			WithMetadata(fm.Metadata),
			WithTime(base.Add(time.Duration(i)*time.Millisecond)),
		)
		ids[fm.Key] = node.ID
		ret = append(ret, node)
	}
	return ret, ids, nil
}
