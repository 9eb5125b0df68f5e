package agents

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Store interface {
	ListAgents(ctx context.Context) ([]*Agent, error)
	GetAgent(ctx context.Context, slug AgentSlug) (*Agent, bool, error)
	DefaultAgentSlug() AgentSlug
}

// InMemoryAgentStore is a thread-safe Store. Reads return clones.
type InMemoryAgentStore struct {
	mu          sync.RWMutex
	agents      map[AgentSlug]*Agent
	defaultSlug AgentSlug
}

var _ Store = (*InMemoryAgentStore)(nil)

func NewInMemoryAgentStore(defaultSlug AgentSlug, agents ...*Agent) *InMemoryAgentStore {
	if defaultSlug.IsZero() {
		defaultSlug = DefaultSlug
	}
	s := &InMemoryAgentStore{
		agents:      map[AgentSlug]*Agent{},
		defaultSlug: defaultSlug,
	}
	for _, a := range agents {
		s.agents[a.Slug] = a.Clone()
	}
	return s
}

func (s *InMemoryAgentStore) ListAgents(_ context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slugs := make([]AgentSlug, 0, len(s.agents))
	for slug := range s.agents {
		slugs = append(slugs, slug)
	}
	sort.Slice(slugs, func(i, j int) bool { return slugs[i] < slugs[j] })

	out := make([]*Agent, 0, len(slugs))
	for _, slug := range slugs {
		out = append(out, s.agents[slug].Clone())
	}
	return out, nil
}

func (s *InMemoryAgentStore) GetAgent(_ context.Context, slug AgentSlug) (*Agent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[slug]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

func (s *InMemoryAgentStore) UpsertAgent(_ context.Context, a *Agent) error {
	if a == nil || a.Slug.IsZero() {
		return &conversation.ValidationError{Field: "agent.slug", Reason: "slug is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.Slug] = a.Clone()
	return nil
}

func (s *InMemoryAgentStore) DefaultAgentSlug() AgentSlug {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaultSlug
}

// YAMLFileAgentStore serves agents read from a YAML registry file.
type YAMLFileAgentStore struct {
	mu    sync.RWMutex
	path  string
	store *InMemoryAgentStore
}

var _ Store = (*YAMLFileAgentStore)(nil)

func NewYAMLFileAgentStore(path string) (*YAMLFileAgentStore, error) {
	if path == "" {
		return nil, fmt.Errorf("yaml agent store path is required")
	}
	s := &YAMLFileAgentStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the registry file.
func (s *YAMLFileAgentStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrapf(err, "read agent registry %s", s.path)
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return errors.Wrapf(err, "parse agent registry %s", s.path)
	}
	if err := ValidateRegistry(&reg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = NewInMemoryAgentStore(reg.DefaultAgentSlug, reg.Agents...)
	return nil
}

func (s *YAMLFileAgentStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.ListAgents(ctx)
}

func (s *YAMLFileAgentStore) GetAgent(ctx context.Context, slug AgentSlug) (*Agent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.GetAgent(ctx, slug)
}

func (s *YAMLFileAgentStore) DefaultAgentSlug() AgentSlug {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store.DefaultAgentSlug()
}

// ValidateRegistry checks slugs are present and unique and that the default
// agent exists.
func ValidateRegistry(reg *Registry) error {
	if reg.DefaultAgentSlug.IsZero() {
		reg.DefaultAgentSlug = DefaultSlug
	}
	seen := map[AgentSlug]bool{}
	for i, a := range reg.Agents {
		if a == nil || a.Slug.IsZero() {
			return &conversation.ValidationError{Field: fmt.Sprintf("agents[%d].slug", i), Reason: "slug is required"}
		}
		if seen[a.Slug] {
			return &conversation.ValidationError{Field: fmt.Sprintf("agents[%d].slug", i), Reason: fmt.Sprintf("duplicate agent %q", a.Slug)}
		}
		seen[a.Slug] = true
	}
	if !seen[reg.DefaultAgentSlug] {
		return &conversation.ValidationError{Field: "default", Reason: fmt.Sprintf("default agent %q is not defined", reg.DefaultAgentSlug)}
	}
	return nil
}
