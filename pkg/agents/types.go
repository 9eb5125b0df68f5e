package agents

import "github.com/huandu/go-clone"

// Agent is a configured assistant persona. SystemPrompt is a text/template
// rendered with sprig functions when a conversation's system root is created.
type Agent struct {
	Slug         AgentSlug      `json:"slug" yaml:"slug"`
	DisplayName  string         `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	SystemPrompt string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Model        string         `json:"model,omitempty" yaml:"model,omitempty"`
	Variables    map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
}

func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	ret := *a
	if a.Variables != nil {
		ret.Variables = clone.Clone(a.Variables).(map[string]any)
	}
	return &ret
}

// Registry is the on-disk shape of an agent registry file.
type Registry struct {
	DefaultAgentSlug AgentSlug `json:"default,omitempty" yaml:"default,omitempty"`
	Agents           []*Agent  `json:"agents" yaml:"agents"`
}

const DefaultSlug AgentSlug = "default"

// DefaultAgent is used when no registry file is configured.
func DefaultAgent() *Agent {
	return &Agent{
		Slug:         DefaultSlug,
		DisplayName:  "Assistant",
		SystemPrompt: "You are a helpful assistant. Today is {{ .Now | date \"2006-01-02\" }}.",
	}
}
