package main

import (
	"embed"
	"os"

	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/go-go-golems/branchchat/pkg/logging"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/help"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//go:embed doc/*
var docFS embed.FS

var rootCmd = &cobra.Command{
	Use:   "branchchat",
	Short: "branchchat serves and browses branching chat conversations",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		configFile, _ := cmd.Flags().GetString("config")
		if err := config.Setup(viper.GetViper(), configFile); err != nil {
			return err
		}
		if err := viper.BindPFlags(cmd.Root().PersistentFlags()); err != nil {
			return err
		}
		// reinitialize the logger now that --log-level and co are parsed
		return logging.InitLogger(logging.Config{
			Level:      viper.GetString("log-level"),
			Format:     viper.GetString("log-format"),
			File:       viper.GetString("log-file"),
			WithCaller: viper.GetBool("with-caller"),
		})
	},
	SilenceUsage: true,
}

// bindFlag maps a command flag onto a nested settings key.
func bindFlag(cmd *cobra.Command, key string, flag string) {
	cobra.CheckErr(viper.BindPFlag(key, cmd.Flags().Lookup(flag)))
}

// loadSettings decodes the global viper instance once flags are bound.
func loadSettings() (*config.Settings, error) {
	return config.Load(viper.GetViper())
}

func initHelp(rootCmd *cobra.Command) error {
	helpSystem := help.NewHelpSystem()
	if err := helpSystem.LoadSectionsFromFS(docFS, "."); err != nil {
		return err
	}

	helpFunc, usageFunc := help.GetCobraHelpUsageFuncs(helpSystem)
	helpTemplate, usageTemplate := help.GetCobraHelpUsageTemplates(helpSystem)
	rootCmd.SetHelpFunc(helpFunc)
	rootCmd.SetUsageFunc(usageFunc)
	rootCmd.SetHelpTemplate(helpTemplate)
	rootCmd.SetUsageTemplate(usageTemplate)
	rootCmd.SetHelpCommand(help.NewCobraHelpCommand(helpSystem))
	return nil
}

func addListCommands(rootCmd *cobra.Command) error {
	conversationsCmd, err := NewConversationsCommand()
	if err != nil {
		return err
	}
	conversationsCobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(conversationsCmd)
	if err != nil {
		return err
	}
	rootCmd.AddCommand(conversationsCobraCmd)

	messagesCmd, err := NewMessagesCommand()
	if err != nil {
		return err
	}
	messagesCobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(messagesCmd)
	if err != nil {
		return err
	}
	rootCmd.AddCommand(messagesCobraCmd)
	return nil
}

func main() {
	cobra.CheckErr(initHelp(rootCmd))

	rootCmd.PersistentFlags().String("config", "", "Path to the config file")
	rootCmd.PersistentFlags().String("env-file", ".env", "Path to a .env file loaded before the config")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (json, text)")
	rootCmd.PersistentFlags().String("log-file", "", "Log file (default: stderr)")
	rootCmd.PersistentFlags().Bool("with-caller", false, "Log caller")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newChatCommand())
	rootCmd.AddCommand(newTreeCommand())
	rootCmd.AddCommand(newImportCommand())
	cobra.CheckErr(addListCommands(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
