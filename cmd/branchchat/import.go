package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Create a conversation from a YAML or JSON fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			owner, _ := cmd.Flags().GetString("owner")

			f, err := conversation.LoadFixtureFromFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "load fixture %s", args[0])
			}
			if f.AgentID == "" {
				f.AgentID = settings.Agents.Default
			}

			s, err := store.Open(settings.StoreConfig())
			if err != nil {
				return errors.Wrap(err, "open store")
			}
			defer func() {
				_ = s.Close()
			}()

			c, err := importFixture(cmd.Context(), s, f, owner, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), c.ID.String())
			return err
		},
	}
	cmd.Flags().String("owner", "local", "Owner of the imported conversation")
	return cmd
}

// importFixture writes f as a new conversation in a single transaction.
func importFixture(ctx context.Context, s store.Store, f *conversation.Fixture, owner string, now time.Time) (*conversation.Conversation, error) {
	c := &conversation.Conversation{
		ID:        conversation.NewConversationID(),
		AgentID:   f.AgentID,
		OwnerID:   owner,
		Title:     f.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	msgs, _, err := f.Build(c.ID, now)
	if err != nil {
		return nil, err
	}
	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateConversation(ctx, c); err != nil {
			return err
		}
		for _, m := range msgs {
			if err := tx.InsertMessage(ctx, m); err != nil {
				return errors.Wrapf(err, "insert %s", m.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("conversation", c.ID.String()).Int("messages", len(msgs)).Msg("imported fixture")
	return c, nil
}
