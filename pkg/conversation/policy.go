package conversation

import (
	"fmt"
	"strings"
)

// SelectionPolicy decides which child is the canonical continuation of a
// parent when composing the default descendant path. The server's query
// engine and the client cache must use the same policy.
type SelectionPolicy string

const (
	// PolicyEarliest follows the earliest-created live child.
	PolicyEarliest SelectionPolicy = "earliest"
	// PolicyLatest follows the most recently created live child, so a
	// regenerated or resent branch becomes the default path on reload.
	PolicyLatest SelectionPolicy = "latest"
)

func ParseSelectionPolicy(s string) (SelectionPolicy, error) {
	switch SelectionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyEarliest:
		return PolicyEarliest, nil
	case PolicyLatest:
		return PolicyLatest, nil
	}
	return "", &ValidationError{Field: "descendant-policy", Reason: fmt.Sprintf("unknown policy %q", s)}
}

func (p SelectionPolicy) String() string {
	if p == "" {
		return string(PolicyEarliest)
	}
	return string(p)
}

// Pick returns the canonical node out of children, which must be ordered
// oldest first. It returns nil for an empty slice.
func (p SelectionPolicy) Pick(children Messages) *MessageNode {
	if len(children) == 0 {
		return nil
	}
	if p == PolicyLatest {
		return children[len(children)-1]
	}
	return children[0]
}

// PickID is Pick over an ordered id list.
func (p SelectionPolicy) PickID(children []NodeID) (NodeID, bool) {
	if len(children) == 0 {
		return NullNode, false
	}
	if p == PolicyLatest {
		return children[len(children)-1], true
	}
	return children[0], true
}
