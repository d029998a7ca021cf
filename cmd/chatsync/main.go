package main

import (
	"os"
	"strings"

	"github.com/go-go-golems/chatsync/pkg/config"
	"github.com/go-go-golems/chatsync/pkg/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync talks to a retrieval chat backend and keeps conversations in sync offline",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
	SilenceUsage: true,
}

// initConfig reads the config file, binds the flags and (re)initializes the
// logger once the command line is parsed.
func initConfig(cmd *cobra.Command) error {
	viper.SetEnvPrefix("chatsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("chatsync")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.chatsync")
		if xdgConfigPath, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(xdgConfigPath + "/chatsync")
		}
	}

	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); !ok && err != nil {
		return err
	}

	flags := cmd.Flags()
	if err := viper.BindPFlags(flags); err != nil {
		return err
	}
	// nested keys of the store section
	if err := viper.BindPFlag("store.driver", flags.Lookup("store-driver")); err != nil {
		return err
	}
	if err := viper.BindPFlag("store.path", flags.Lookup("store-path")); err != nil {
		return err
	}

	if err := logging.InitLogger(logging.ConfigFromViper(viper.GetViper())); err != nil {
		return err
	}
	log.Debug().Str("config", viper.ConfigFileUsed()).Msg("loaded configuration")
	return nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Path to config file (default ./chatsync.yaml, ~/.chatsync/chatsync.yaml)")
	logging.AddFlags(pf)

	defaults := config.NewSettings()
	pf.String("base-url", defaults.BaseURL, "Base URL of the chat backend")
	pf.String("user-id", defaults.UserID, "User id sent with every request")
	pf.Bool("sql-mode", false, "Send questions to the SQL-and-LLM endpoint")
	pf.String("store-driver", defaults.Store.Driver, "Local store driver (memory, yaml, sqlite)")
	pf.String("store-path", defaults.Store.Path, "Local store file")

	rootCmd.AddCommand(
		newAskCommand(),
		newReplCommand(),
		newStatusCommand(),
		newSyncCommand(),
		newConversationsCommand(),
		newServeFakeCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
