package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/muesli/reflow/wordwrap"
	"github.com/rs/zerolog/log"
)

// chainRenderer renders the displayed chain. markdown may be nil, in which
// case assistant text is only word-wrapped.
type chainRenderer struct {
	style    *Style
	markdown *glamour.TermRenderer
	width    int
}

func newMarkdownRenderer(width int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		log.Warn().Err(err).Msg("could not create markdown renderer")
		return nil
	}
	return r
}

func branchLabel(item client.ChainItem) string {
	if len(item.Siblings) < 2 {
		return ""
	}
	return fmt.Sprintf("‹%d/%d›", item.Index+1, len(item.Siblings))
}

func (r *chainRenderer) header(item client.ChainItem) string {
	m := item.Message
	parts := []string{string(m.Role)}
	switch item.Kind {
	case client.ItemPending:
		if m.Status == conversation.StatusFailed {
			parts = append(parts, "not sent")
		} else {
			parts = append(parts, "sending")
		}
	case client.ItemGenerating:
		parts = append(parts, string(m.Status))
	case client.ItemMessage:
		if m.Status == conversation.StatusFailed {
			parts = append(parts, "failed")
		}
	}
	ret := r.style.Header.Render(strings.Join(parts, " · "))
	if label := branchLabel(item); label != "" {
		ret += " " + r.style.Branch.Render(label)
	}
	return ret
}

func (r *chainRenderer) body(item client.ChainItem, spinner string) string {
	m := item.Message
	text := m.Text()
	width := r.width
	if width <= 0 {
		width = 80
	}

	switch {
	case text == "" && (item.Kind == client.ItemGenerating || item.Kind == client.ItemPending):
		text = r.style.Pending.Render(strings.TrimSpace(spinner + " thinking…"))
	case m.Role == conversation.RoleAssistant && item.Kind == client.ItemMessage && r.markdown != nil:
		rendered, err := r.markdown.Render(text)
		if err == nil {
			text = strings.TrimSpace(rendered)
		} else {
			text = wordwrap.String(text, width)
		}
	default:
		text = wordwrap.String(text, width)
		if item.Kind == client.ItemGenerating {
			text += " " + spinner
		}
	}

	if m.Status == conversation.StatusFailed {
		if cancelled, _ := m.Metadata[conversation.MetadataKeyCancelled].(bool); cancelled {
			text += "\n" + r.style.Pending.Render("stopped")
		} else if msg := m.ErrorMessage(); msg != "" {
			text += "\n" + r.style.Error.Render("error: "+msg)
		}
	}
	return text
}

func (r *chainRenderer) item(item client.ChainItem, selected bool, spinner string) string {
	if item.Kind == client.ItemLoading {
		return r.style.Pending.Render(strings.TrimSpace(spinner + " loading branch…"))
	}
	v := r.header(item) + "\n" + r.body(item, spinner)
	if selected {
		return r.style.SelectedMessage.Render(v)
	}
	return r.style.UnselectedMessage.Render(v)
}

// render draws items top to bottom; selected < 0 highlights nothing.
func (r *chainRenderer) render(items []client.ChainItem, selected int, spinner string) string {
	var b strings.Builder
	for i, item := range items {
		b.WriteString(r.item(item, i == selected, spinner))
		b.WriteString("\n")
	}
	return b.String()
}
