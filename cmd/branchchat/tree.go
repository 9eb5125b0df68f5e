package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newTreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the message forest of a conversation from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			conversationFlag, _ := cmd.Flags().GetString("conversation")
			format, _ := cmd.Flags().GetString("format")
			conversationID, err := conversation.ParseConversationID(conversationFlag)
			if err != nil {
				return err
			}
			tree, err := loadTree(cmd, settings, conversationID)
			if err != nil {
				return err
			}
			return writeTree(cmd.OutOrStdout(), tree, format)
		},
	}
	cmd.Flags().String("conversation", "", "Conversation to print")
	cmd.Flags().String("format", "text", "Output format (text, yaml, json)")
	cmd.Flags().String("policy", "earliest", "Policy marking the canonical child (earliest, latest)")
	cobra.CheckErr(cmd.MarkFlagRequired("conversation"))
	bindFlag(cmd, "query.descendant-policy", "policy")
	return cmd
}

func loadTree(cmd *cobra.Command, settings *config.Settings, conversationID conversation.ConversationID) (*conversation.ConversationTree, error) {
	s, err := openStore(settings)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = s.Close()
	}()
	return readTree(cmd.Context(), s, conversationID, settings.Policy())
}

func readTree(ctx context.Context, s store.Reader, conversationID conversation.ConversationID, policy conversation.SelectionPolicy) (*conversation.ConversationTree, error) {
	if _, ok, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	} else if !ok {
		return nil, &conversation.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	msgs, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	tree := conversation.NewConversationTree(policy)
	tree.InsertMessages(msgs...)
	return tree, nil
}

type treeNode struct {
	ID        conversation.NodeID `json:"id" yaml:"id"`
	Role      conversation.Role   `json:"role" yaml:"role"`
	Status    conversation.Status `json:"status" yaml:"status"`
	Text      string              `json:"text" yaml:"text"`
	Canonical bool                `json:"canonical" yaml:"canonical"`
	Children  []*treeNode         `json:"children,omitempty" yaml:"children,omitempty"`
}

func buildTreeNodes(tree *conversation.ConversationTree, siblings conversation.Messages) []*treeNode {
	canonical := tree.Policy.Pick(siblings)
	ret := make([]*treeNode, 0, len(siblings))
	for _, m := range siblings {
		ret = append(ret, &treeNode{
			ID:        m.ID,
			Role:      m.Role,
			Status:    m.Status,
			Text:      m.Text(),
			Canonical: m == canonical,
			Children:  buildTreeNodes(tree, tree.ChildrenOf(m.ID)),
		})
	}
	return ret
}

func writeTree(w io.Writer, tree *conversation.ConversationTree, format string) error {
	roots := buildTreeNodes(tree, tree.Roots())
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(roots)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer func() {
			_ = enc.Close()
		}()
		return enc.Encode(roots)
	case "text", "":
		for _, r := range roots {
			if err := writeTextNode(w, r, 0); err != nil {
				return err
			}
		}
		return nil
	}
	return &conversation.ValidationError{Field: "format", Reason: fmt.Sprintf("unknown format %q", format)}
}

const previewLength = 60

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > previewLength {
		return string(r[:previewLength]) + "…"
	}
	return text
}

// writeTextNode prints one node per line. A star marks the child the
// descendant policy follows.
func writeTextNode(w io.Writer, n *treeNode, depth int) error {
	marker := "-"
	if n.Canonical {
		marker = "*"
	}
	status := ""
	if n.Status != conversation.StatusCompleted {
		status = " (" + string(n.Status) + ")"
	}
	_, err := fmt.Fprintf(w, "%s%s %s %s%s: %s\n",
		strings.Repeat("  ", depth), marker, n.ID.Short(), n.Role, status, preview(n.Text))
	if err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := writeTextNode(w, c, depth+1); err != nil {
			return err
		}
	}
	return nil
}
