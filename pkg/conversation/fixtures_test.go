package conversation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fixtureYAML = `
title: failed reply
agentId: default
messages:
  - key: root
    role: system
    text: You are terse.
  - key: u1
    parent: root
    role: user
    text: Hi
  - key: a1
    parent: u1
    role: assistant
    status: failed
    metadata:
      error:
        message: upstream timeout
`

func TestLoadFixtureFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtureYAML), 0o644))

	f, err := LoadFixtureFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "failed reply", f.Title)
	require.Len(t, f.Messages, 3)

	conv := NewConversationID()
	nodes, ids, err := f.Build(conv, t0)
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	assert.Equal(t, NullNode, nodes[0].ParentID)
	assert.Equal(t, ids["root"], nodes[1].ParentID)
	assert.Equal(t, ids["u1"], nodes[2].ParentID)
	assert.Equal(t, StatusFailed, nodes[2].Status)
	assert.Equal(t, "upstream timeout", nodes[2].ErrorMessage())
	assert.True(t, nodes[0].CreatedAt.Before(nodes[1].CreatedAt))
	assert.Equal(t, "Hi", nodes[1].Text())
}

func TestFixtureBuild_RejectsForwardParent(t *testing.T) {
	f := &Fixture{Messages: []FixtureMessage{
		{Key: "u1", Parent: "root", Role: RoleUser, Text: "hi"},
		{Key: "root", Role: RoleSystem},
	}}
	_, _, err := f.Build(NewConversationID(), t0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLoadFixtureFromFile_UnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conv.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := LoadFixtureFromFile(path)
	assert.ErrorIs(t, err, ErrValidation)
}
