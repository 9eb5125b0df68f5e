package generation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

// GenerateRequest is what a Generator sees: the conversation so far, oldest
// first, ending with the user message being answered.
type GenerateRequest struct {
	ConversationID conversation.ConversationID
	MessageID      conversation.NodeID
	Model          string
	History        conversation.Messages
}

type Result struct {
	Parts    []conversation.Part
	Metadata map[string]any
}

// Generator produces an assistant reply. It calls onDelta for every chunk of
// text as it streams and must return promptly once ctx is cancelled.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest, onDelta func(delta string)) (*Result, error)
}

type GeneratorFunc func(ctx context.Context, req GenerateRequest, onDelta func(delta string)) (*Result, error)

func (f GeneratorFunc) Generate(ctx context.Context, req GenerateRequest, onDelta func(delta string)) (*Result, error) {
	return f(ctx, req, onDelta)
}

// EchoGenerator answers with the last user text, word by word. It needs no
// credentials and is used for local runs and tests.
type EchoGenerator struct {
	Prefix string
	Delay  time.Duration
}

func (g *EchoGenerator) Generate(ctx context.Context, req GenerateRequest, onDelta func(delta string)) (*Result, error) {
	var last string
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == conversation.RoleUser {
			last = req.History[i].Text()
			break
		}
	}
	prefix := g.Prefix
	if prefix == "" {
		prefix = "You said:"
	}
	words := strings.Fields(prefix + " " + last)

	var sb strings.Builder
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if g.Delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(g.Delay):
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		sb.WriteString(w)
		onDelta(w)
	}
	return &Result{
		Parts: []conversation.Part{conversation.NewTextPart(sb.String())},
		Metadata: map[string]any{
			conversation.MetadataKeyModel: "echo",
			conversation.MetadataKeyUsage: map[string]any{"outputWords": len(words)},
		},
	}, nil
}

func (g *EchoGenerator) String() string {
	return fmt.Sprintf("echo(delay=%s)", g.Delay)
}
