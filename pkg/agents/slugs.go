package agents

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._-]{0,126}[a-z0-9])?$`)

type AgentSlug string

func ParseAgentSlug(raw string) (AgentSlug, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", &conversation.ValidationError{Field: "agent slug", Reason: "must not be empty"}
	}
	if !slugPattern.MatchString(normalized) {
		return "", &conversation.ValidationError{Field: "agent slug", Reason: fmt.Sprintf("invalid slug %q", raw)}
	}
	return AgentSlug(normalized), nil
}

func MustAgentSlug(raw string) AgentSlug {
	slug, err := ParseAgentSlug(raw)
	if err != nil {
		panic(err)
	}
	return slug
}

func (s AgentSlug) String() string { return string(s) }

func (s AgentSlug) IsZero() bool { return strings.TrimSpace(string(s)) == "" }

func (s AgentSlug) MarshalText() ([]byte, error) {
	return []byte(s), nil
}

func (s *AgentSlug) UnmarshalText(b []byte) error {
	parsed, err := ParseAgentSlug(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
