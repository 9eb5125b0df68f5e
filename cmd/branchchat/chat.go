package main

import (
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/ui"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the terminal client against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			conversationFlag, _ := cmd.Flags().GetString("conversation")
			targetFlag, _ := cmd.Flags().GetString("target")

			transport := client.NewHTTPTransport(settings.Client.ServerURL, settings.Client.User)
			ctrl := client.NewController(transport, client.WithAgentID(settings.Client.Agent))

			ctx := cmd.Context()
			if conversationFlag != "" {
				conversationID, err := conversation.ParseConversationID(conversationFlag)
				if err != nil {
					return err
				}
				var target conversation.NodeID
				if targetFlag != "" {
					if target, err = conversation.ParseNodeID(targetFlag); err != nil {
						return err
					}
				}
				if err := ctrl.Load(ctx, conversationID, target); err != nil {
					return errors.Wrap(err, "load conversation")
				}
			} else if targetFlag != "" {
				return errors.New("--target needs --conversation")
			}

			var options []tea.ProgramOption
			if !isatty.IsTerminal(os.Stdin.Fd()) {
				tty, err := ui.OpenTTY()
				if err != nil {
					return errors.Wrap(err, "open tty")
				}
				defer func() {
					_ = tty.Close()
				}()
				options = append(options, tea.WithInput(tty))
			}

			log.Debug().Str("server", settings.Client.ServerURL).Msg("starting chat client")
			return ui.Run(ctx, ctrl, options...)
		},
	}
	cmd.Flags().String("conversation", "", "Conversation to open (default: start a new one)")
	cmd.Flags().String("target", "", "Message to focus in the conversation")
	cmd.Flags().String("server", "http://localhost:8080", "Server URL")
	cmd.Flags().String("user", "local", "User id sent with every request")
	cmd.Flags().String("agent", "", "Agent used for new conversations")
	bindFlag(cmd, "client.server-url", "server")
	bindFlag(cmd, "client.user", "user")
	bindFlag(cmd, "client.agent", "agent")
	return cmd
}
