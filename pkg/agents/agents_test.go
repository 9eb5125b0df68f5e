package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryYAML = `
default: writer
agents:
  - slug: writer
    display_name: Writer
    system_prompt: "You write for {{ .UserID }} in {{ .Vars.tone | upper }} tone."
    variables:
      tone: calm
  - slug: coder
    system_prompt: "You write Go."
`

func TestYAMLFileAgentStore_LoadsRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o644))

	s, err := NewYAMLFileAgentStore(path)
	require.NoError(t, err)
	assert.Equal(t, MustAgentSlug("writer"), s.DefaultAgentSlug())

	list, err := s.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, MustAgentSlug("coder"), list[0].Slug)
}

func TestYAMLFileAgentStore_RejectsMissingDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: nope\nagents:\n  - slug: a\n"), 0o644))

	_, err := NewYAMLFileAgentStore(path)
	assert.ErrorIs(t, err, conversation.ErrValidation)
}

func TestResolver_SystemPromptUsesSprig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o644))
	s, err := NewYAMLFileAgentStore(path)
	require.NoError(t, err)
	r := NewResolver(s)

	a, prompt, err := r.SystemPrompt(context.Background(), "", PromptVars{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, MustAgentSlug("writer"), a.Slug)
	assert.Equal(t, "You write for alice in CALM tone.", prompt)

	_, err = r.ResolveAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, conversation.ErrNotFound)

	_, err = r.ResolveAgent(context.Background(), "Not A Slug!")
	assert.ErrorIs(t, err, conversation.ErrValidation)
}

func TestRenderPrompt_DefaultAgent(t *testing.T) {
	prompt, err := RenderPrompt(DefaultAgent(), PromptVars{Now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, "You are a helpful assistant. Today is 2024-05-01.", prompt)
}

func TestInMemoryAgentStore_CloneOnRead(t *testing.T) {
	s := NewInMemoryAgentStore("", DefaultAgent())
	a, ok, err := s.GetAgent(context.Background(), DefaultSlug)
	require.NoError(t, err)
	require.True(t, ok)
	a.DisplayName = "mutated"

	again, _, err := s.GetAgent(context.Background(), DefaultSlug)
	require.NoError(t, err)
	assert.Equal(t, "Assistant", again.DisplayName)
}
