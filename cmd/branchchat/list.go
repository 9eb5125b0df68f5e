package main

import (
	"context"
	"fmt"

	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
)

type ConversationsSettings struct {
	Owner string `glazed.parameter:"owner"`
}

// ConversationsCommand lists the conversations of one owner, newest first.
type ConversationsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ConversationsCommand)(nil)

func NewConversationsCommand() (*ConversationsCommand, error) {
	glazedLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, fmt.Errorf("could not create Glazed parameter layer: %w", err)
	}
	return &ConversationsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"conversations",
			cmds.WithShort("List the conversations of an owner"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"owner",
					parameters.ParameterTypeString,
					parameters.WithHelp("Owner whose conversations are listed"),
					parameters.WithDefault("local"),
				),
			),
			cmds.WithLayersList(glazedLayer),
		),
	}, nil
}

func (c *ConversationsCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *layers.ParsedLayers, gp middlewares.Processor) error {
	s := &ConversationsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return fmt.Errorf("error initializing settings: %w", err)
	}
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	cs, err := st.ListConversations(ctx, s.Owner)
	if err != nil {
		return err
	}
	for _, row := range conversationRows(cs) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func conversationRows(cs []*conversation.Conversation) []types.Row {
	ret := make([]types.Row, 0, len(cs))
	for _, c := range cs {
		ret = append(ret, types.NewRow(
			types.MRP("id", c.ID.String()),
			types.MRP("title", c.Title),
			types.MRP("agent_id", c.AgentID),
			types.MRP("owner_id", c.OwnerID),
			types.MRP("created_at", c.CreatedAt),
			types.MRP("updated_at", c.UpdatedAt),
		))
	}
	return ret
}

type MessagesSettings struct {
	Conversation string `glazed.parameter:"conversation"`
}

// MessagesCommand flattens a conversation's forest into one row per node,
// in depth-first order.
type MessagesCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*MessagesCommand)(nil)

func NewMessagesCommand() (*MessagesCommand, error) {
	glazedLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, fmt.Errorf("could not create Glazed parameter layer: %w", err)
	}
	return &MessagesCommand{
		CommandDescription: cmds.NewCommandDescription(
			"messages",
			cmds.WithShort("List every message of a conversation as rows"),
			cmds.WithLong("Lists every node of the conversation forest, depth first. The canonical column marks the child the descendant policy follows."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"conversation",
					parameters.ParameterTypeString,
					parameters.WithHelp("Conversation to list"),
					parameters.WithRequired(true),
				),
			),
			cmds.WithLayersList(glazedLayer),
		),
	}, nil
}

func (c *MessagesCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *layers.ParsedLayers, gp middlewares.Processor) error {
	s := &MessagesSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return fmt.Errorf("error initializing settings: %w", err)
	}
	conversationID, err := conversation.ParseConversationID(s.Conversation)
	if err != nil {
		return err
	}
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	tree, err := readTree(ctx, st, conversationID, cfg.Policy())
	if err != nil {
		return err
	}
	for _, row := range messageRows(tree) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func messageRows(tree *conversation.ConversationTree) []types.Row {
	var ret []types.Row
	var walk func(nodes []*treeNode, parent conversation.NodeID, depth int)
	walk = func(nodes []*treeNode, parent conversation.NodeID, depth int) {
		for _, n := range nodes {
			parentID := ""
			if !parent.IsZero() {
				parentID = parent.String()
			}
			ret = append(ret, types.NewRow(
				types.MRP("id", n.ID.String()),
				types.MRP("parent_id", parentID),
				types.MRP("depth", depth),
				types.MRP("role", string(n.Role)),
				types.MRP("status", string(n.Status)),
				types.MRP("canonical", n.Canonical),
				types.MRP("text", preview(n.Text)),
			))
			walk(n.Children, n.ID, depth+1)
		}
	}
	walk(buildTreeNodes(tree, tree.Roots()), conversation.NullNode, 0)
	return ret
}

func openStore(cfg *config.Settings) (store.Store, error) {
	st, err := store.Open(cfg.StoreConfig())
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	return st, nil
}
