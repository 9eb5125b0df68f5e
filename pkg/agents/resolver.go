package agents

import (
	"bytes"
	"context"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
)

// PromptVars are exposed to system prompt templates next to the agent's own
// Variables.
type PromptVars struct {
	UserID         string
	ConversationID string
	Now            time.Time
}

// Resolver supplies agent configuration to the mutation operations.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveAgent returns the agent for slug, or the default agent when slug is
// empty.
func (r *Resolver) ResolveAgent(ctx context.Context, slug string) (*Agent, error) {
	agentSlug := r.store.DefaultAgentSlug()
	if strings.TrimSpace(slug) != "" {
		parsed, err := ParseAgentSlug(slug)
		if err != nil {
			return nil, err
		}
		agentSlug = parsed
	}
	a, ok, err := r.store.GetAgent(ctx, agentSlug)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &conversation.NotFoundError{Resource: "agent", ID: agentSlug.String()}
	}
	return a, nil
}

// SystemPrompt renders the agent's system prompt template.
func (r *Resolver) SystemPrompt(ctx context.Context, slug string, vars PromptVars) (*Agent, string, error) {
	a, err := r.ResolveAgent(ctx, slug)
	if err != nil {
		return nil, "", err
	}
	prompt, err := RenderPrompt(a, vars)
	if err != nil {
		return nil, "", err
	}
	return a, prompt, nil
}

func RenderPrompt(a *Agent, vars PromptVars) (string, error) {
	if strings.TrimSpace(a.SystemPrompt) == "" {
		return "", nil
	}
	tmpl, err := template.New(a.Slug.String()).Funcs(sprig.TxtFuncMap()).Parse(a.SystemPrompt)
	if err != nil {
		return "", &conversation.ValidationError{Field: "system_prompt", Reason: errors.Wrapf(err, "agent %s", a.Slug).Error()}
	}
	if vars.Now.IsZero() {
		vars.Now = time.Now()
	}
	data := map[string]any{
		"Agent":          a,
		"UserID":         vars.UserID,
		"ConversationID": vars.ConversationID,
		"Now":            vars.Now,
		"Vars":           a.Variables,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", errors.Wrapf(err, "render system prompt of agent %s", a.Slug)
	}
	return strings.TrimSpace(buf.String()), nil
}
